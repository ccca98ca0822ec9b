// Package notifications handles glucose alerts and fetch-failure notices
package notifications

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/models"
)

const appTitle = "Nightscout Chart"

// Manager handles glucose alerts and notifications
type Manager struct {
	mu            sync.Mutex
	settings      *config.Settings
	lastAlertTime map[string]time.Time
	outage        bool
	log           zerolog.Logger

	// notify and alert are beeep.Notify and beeep.Alert outside tests
	notify func(title, message, icon string) error
	alert  func(title, message, icon string) error
	now    func() time.Time
}

// NewManager creates a new notification manager. settings is cloned.
func NewManager(settings *config.Settings, log zerolog.Logger) *Manager {
	return &Manager{
		settings:      settings.Clone(),
		lastAlertTime: make(map[string]time.Time),
		log:           log,
		notify:        beeep.Notify,
		alert:         beeep.Alert,
		now:           time.Now,
	}
}

// UpdateSettings replaces the alert settings
func (m *Manager) UpdateSettings(settings *config.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings.Clone()
}

// CheckAndNotify sends an alert when the status crosses an enabled
// threshold. Repeats are limited to the configured interval; with no
// interval each status alerts once until it clears.
func (m *Manager) CheckAndNotify(status *models.GlucoseStatus) error {
	if status == nil || status.IsStale {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	alertType := m.shouldAlert(status)
	if alertType == "" {
		// back in range, the next excursion alerts immediately
		m.lastAlertTime = make(map[string]time.Time)
		return nil
	}

	if lastTime, ok := m.lastAlertTime[alertType]; ok {
		repeat := time.Duration(m.settings.Alerts.RepeatMinutes) * time.Minute
		if repeat <= 0 || m.now().Sub(lastTime) < repeat {
			return nil
		}
	}

	title, message := formatNotification(status, alertType)
	if err := m.send(title, message); err != nil {
		return fmt.Errorf("failed to send %s alert: %w", alertType, err)
	}
	m.lastAlertTime[alertType] = m.now()
	m.log.Info().Str("alert", alertType).Float64("mmol", status.ValueMmol).Msg("Glucose alert sent")
	return nil
}

// shouldAlert returns the alert type for the status, "" when none applies
func (m *Manager) shouldAlert(status *models.GlucoseStatus) string {
	a := m.settings.Alerts
	switch status.Status {
	case config.StatusUrgentLow:
		if a.EnableUrgentLow {
			return config.StatusUrgentLow
		}
	case config.StatusLow:
		if a.EnableLow {
			return config.StatusLow
		}
	case config.StatusUrgentHigh:
		if a.EnableUrgentHigh {
			return config.StatusUrgentHigh
		}
	case config.StatusHigh:
		if a.EnableHigh {
			return config.StatusHigh
		}
	}
	return ""
}

func formatNotification(status *models.GlucoseStatus, alertType string) (string, string) {
	value := fmt.Sprintf("%.1f mmol/L %s", status.ValueMmol, status.Trend)
	switch alertType {
	case config.StatusUrgentLow:
		return "⚠️ URGENT LOW GLUCOSE", "Glucose is critically low: " + value
	case config.StatusLow:
		return "⬇️ Low Glucose", "Glucose is low: " + value
	case config.StatusUrgentHigh:
		return "⚠️ URGENT HIGH GLUCOSE", "Glucose is critically high: " + value
	case config.StatusHigh:
		return "⬆️ High Glucose", "Glucose is high: " + value
	}
	return appTitle, value
}

// FetchFailed reports an upstream outage once until Recovered is called
func (m *Manager) FetchFailed(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outage || !m.settings.Alerts.EnableFetchFailure {
		m.outage = true
		return nil
	}
	m.outage = true
	m.log.Warn().Err(err).Msg("Upstream unavailable, showing last known data")
	return m.notify(appTitle, fmt.Sprintf("No fresh data: %v", err), "")
}

// Recovered clears the outage state after a successful refresh
func (m *Manager) Recovered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outage {
		m.log.Info().Msg("Upstream reachable again")
	}
	m.outage = false
}

func (m *Manager) send(title, message string) error {
	if m.settings.Alerts.EnableSound {
		return m.alert(title, message, "")
	}
	return m.notify(title, message, "")
}

// ClearAlertState clears the alert state for a specific type or all types
func (m *Manager) ClearAlertState(alertType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alertType == "" {
		m.lastAlertTime = make(map[string]time.Time)
	} else {
		delete(m.lastAlertTime, alertType)
	}
}

// SendTestNotification sends a test notification
func (m *Manager) SendTestNotification() error {
	return m.notify(appTitle, "Test notification - alerts are working!", "")
}
