package notifications

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/models"
)

type sent struct {
	title, message string
	sound          bool
}

// newTestManager records notifications instead of showing them
func newTestManager(settings *config.Settings) (*Manager, *[]sent, *time.Time) {
	m := NewManager(settings, zerolog.Nop())
	var out []sent
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.notify = func(title, message, _ string) error {
		out = append(out, sent{title: title, message: message})
		return nil
	}
	m.alert = func(title, message, _ string) error {
		out = append(out, sent{title: title, message: message, sound: true})
		return nil
	}
	m.now = func() time.Time { return clock }
	return m, &out, &clock
}

func TestManager_shouldAlert(t *testing.T) {
	manager := NewManager(config.DefaultSettings(), zerolog.Nop())

	tests := []struct {
		name     string
		status   string
		expected string
	}{
		{"Urgent low enabled", config.StatusUrgentLow, config.StatusUrgentLow},
		{"Low enabled", config.StatusLow, config.StatusLow},
		{"High enabled", config.StatusHigh, config.StatusHigh},
		{"Urgent high enabled", config.StatusUrgentHigh, config.StatusUrgentHigh},
		{"Normal", config.StatusNormal, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := manager.shouldAlert(&models.GlucoseStatus{Status: tt.status})
			if result != tt.expected {
				t.Errorf("shouldAlert() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestManager_shouldAlert_Disabled(t *testing.T) {
	settings := config.DefaultSettings()
	settings.Alerts.EnableLow = false
	settings.Alerts.EnableHigh = false
	manager := NewManager(settings, zerolog.Nop())

	for _, status := range []string{config.StatusLow, config.StatusHigh} {
		if result := manager.shouldAlert(&models.GlucoseStatus{Status: status}); result != "" {
			t.Errorf("shouldAlert(%s) = %s, want empty (disabled)", status, result)
		}
	}
}

func TestManager_CheckAndNotify_Repeat(t *testing.T) {
	m, out, clock := newTestManager(config.DefaultSettings())
	low := &models.GlucoseStatus{ValueMmol: 3.5, Trend: "↓", Status: config.StatusLow}

	if err := m.CheckAndNotify(low); err != nil {
		t.Fatal(err)
	}
	if len(*out) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(*out))
	}
	if !(*out)[0].sound {
		t.Error("sound is enabled by default, expected an alert")
	}
	if !strings.Contains((*out)[0].message, "3.5 mmol/L ↓") {
		t.Errorf("message = %q", (*out)[0].message)
	}

	*clock = clock.Add(5 * time.Minute)
	_ = m.CheckAndNotify(low)
	if len(*out) != 1 {
		t.Error("alert repeated before the repeat interval")
	}

	*clock = clock.Add(15 * time.Minute)
	_ = m.CheckAndNotify(low)
	if len(*out) != 2 {
		t.Error("alert not repeated after the repeat interval")
	}
}

func TestManager_CheckAndNotify_NoRepeat(t *testing.T) {
	settings := config.DefaultSettings()
	settings.Alerts.RepeatMinutes = 0
	settings.Alerts.EnableSound = false
	m, out, clock := newTestManager(settings)
	high := &models.GlucoseStatus{ValueMmol: 11.0, Status: config.StatusHigh}

	_ = m.CheckAndNotify(high)
	*clock = clock.Add(time.Hour)
	_ = m.CheckAndNotify(high)
	if len(*out) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(*out))
	}
	if (*out)[0].sound {
		t.Error("sound disabled, expected a silent notification")
	}

	// back in range resets, the next high alerts again
	_ = m.CheckAndNotify(&models.GlucoseStatus{ValueMmol: 7.0, Status: config.StatusNormal})
	_ = m.CheckAndNotify(high)
	if len(*out) != 2 {
		t.Errorf("sent %d notifications after returning to range, want 2", len(*out))
	}
}

func TestManager_IgnoresStaleAndMissing(t *testing.T) {
	m, out, _ := newTestManager(config.DefaultSettings())
	_ = m.CheckAndNotify(nil)
	_ = m.CheckAndNotify(&models.GlucoseStatus{Status: config.StatusUrgentLow, IsStale: true})
	if len(*out) != 0 {
		t.Errorf("sent %d notifications for stale data", len(*out))
	}
}

func TestManager_FetchFailedOncePerOutage(t *testing.T) {
	m, out, _ := newTestManager(config.DefaultSettings())
	boom := errors.New("fetch failure: status 503")

	_ = m.FetchFailed(boom)
	_ = m.FetchFailed(boom)
	if len(*out) != 1 {
		t.Fatalf("sent %d outage notices, want 1", len(*out))
	}
	if !strings.Contains((*out)[0].message, "status 503") {
		t.Errorf("message = %q", (*out)[0].message)
	}

	m.Recovered()
	_ = m.FetchFailed(boom)
	if len(*out) != 2 {
		t.Errorf("a new outage should notify again, got %d", len(*out))
	}
}

func TestManager_FetchFailedDisabled(t *testing.T) {
	settings := config.DefaultSettings()
	settings.Alerts.EnableFetchFailure = false
	m, out, _ := newTestManager(settings)

	_ = m.FetchFailed(errors.New("down"))
	if len(*out) != 0 {
		t.Error("disabled outage notices were sent")
	}
}

func TestManager_ClearAlertState(t *testing.T) {
	m, out, _ := newTestManager(config.DefaultSettings())
	urgent := &models.GlucoseStatus{ValueMmol: 2.8, Status: config.StatusUrgentLow}

	_ = m.CheckAndNotify(urgent)
	m.ClearAlertState(config.StatusUrgentLow)
	_ = m.CheckAndNotify(urgent)
	if len(*out) != 2 {
		t.Errorf("sent %d notifications, want 2 after clearing", len(*out))
	}
}

func TestFormatNotification(t *testing.T) {
	status := &models.GlucoseStatus{ValueMmol: 14.2, Trend: "↑"}
	title, message := formatNotification(status, config.StatusUrgentHigh)
	if !strings.Contains(title, "URGENT HIGH") {
		t.Errorf("title = %q", title)
	}
	if message != "Glucose is critically high: 14.2 mmol/L ↑" {
		t.Errorf("message = %q", message)
	}
}
