// Package app runs the refresh loop and fans each snapshot out to the tray,
// the alert manager and the chart endpoints.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/derive"
	"github.com/mrcode/nightscout-chart/internal/metrics"
	"github.com/mrcode/nightscout-chart/internal/models"
	"github.com/mrcode/nightscout-chart/internal/nightscout"
	"github.com/mrcode/nightscout-chart/internal/notifications"
	"github.com/mrcode/nightscout-chart/internal/pipeline"
	"github.com/mrcode/nightscout-chart/internal/render"
	"github.com/mrcode/nightscout-chart/internal/tray"
)

// EventChartUpdate is emitted after every refresh with an Update payload
const EventChartUpdate = "chart:update"

var breakerEndpoints = []string{
	nightscout.EndpointEntries,
	nightscout.EndpointDeviceStatus,
	nightscout.EndpointTreatments,
	nightscout.EndpointProfile,
}

// Surface shows refresh results. The desktop tray implements it.
type Surface interface {
	SetIcon(icon []byte)
	SetLabel(label string)
	SetTooltip(tip string)
	Emit(name string, data any)
}

// Update is the event payload sent to the chart window
type Update struct {
	Sequence uint64                  `json:"sequence"`
	Status   *models.GlucoseStatus   `json:"status"`
	Summary  string                  `json:"summary"`
	Sources  []pipeline.SourceStatus `json:"sources"`
	Stale    bool                    `json:"stale"`
}

// Service owns the running pipeline and everything that presents it
type Service struct {
	mu       sync.RWMutex
	settings *config.Settings
	path     string
	backend  *Backend
	renderer *render.Renderer
	surface  Surface

	icons   *tray.IconGenerator
	alerts  *notifications.Manager
	metrics *metrics.Registry
	log     zerolog.Logger
	restart chan struct{}
	login   LoginItem

	// build creates the backend for new settings
	build func(*config.Settings) (*Backend, error)
}

// NewService wires a service for the settings stored at path
func NewService(settings *config.Settings, path string, m *metrics.Registry, log zerolog.Logger) (*Service, error) {
	build := func(s *config.Settings) (*Backend, error) {
		return NewBackend(s, false, m, log)
	}
	return newService(settings, path, m, log, build)
}

func newService(settings *config.Settings, path string, m *metrics.Registry, log zerolog.Logger, build func(*config.Settings) (*Backend, error)) (*Service, error) {
	renderer, err := render.New(render.OptionsFromSettings(settings))
	if err != nil {
		return nil, err
	}
	s := &Service{
		settings: settings.Clone(),
		path:     path,
		renderer: renderer,
		icons:    tray.NewIconGenerator(settings.Clone().Chart),
		alerts:   notifications.NewManager(settings, log.With().Str("component", "notifications").Logger()),
		metrics:  m,
		log:      log,
		restart:  make(chan struct{}, 1),
		build:    build,
	}
	if settings.IsConfigured() {
		if s.backend, err = build(settings); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoginItem starts the application at login
type LoginItem interface {
	Set(enabled bool) error
}

// SetLoginItem attaches the login item toggled by the autoStart setting
func (s *Service) SetLoginItem(l LoginItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.login = l
}

func (s *Service) loginItem() LoginItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.login
}

// SetSurface attaches the tray. Refreshes before this only update the chart.
func (s *Service) SetSurface(surface Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surface = surface
}

// Run refreshes immediately and then on every interval until ctx is done
func (s *Service) Run(ctx context.Context) {
	s.Tick(ctx)
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.restart:
			ticker.Reset(s.interval())
			s.Tick(ctx)
		}
	}
}

func (s *Service) interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d := s.settings.RefreshEvery(); d > 0 {
		return d
	}
	return time.Minute
}

// Tick runs one refresh and presents it. It returns nil when nothing is
// configured yet.
func (s *Service) Tick(ctx context.Context) *pipeline.Snapshot {
	s.mu.RLock()
	backend, surface, settings := s.backend, s.surface, s.settings
	s.mu.RUnlock()

	if backend == nil {
		if surface != nil {
			surface.SetLabel("---")
			surface.SetTooltip("Nightscout Chart - not configured")
		}
		return nil
	}

	snap := backend.Refresher.Refresh(ctx)
	s.recordBreakers(backend.Client)

	status := snap.GlucoseStatus(settings.GetGlucoseStatus)
	s.icons.SetHistory(lo.Map(snap.Readings, func(r models.Reading, _ int) float64 { return r.Value }))
	if surface != nil {
		surface.SetIcon(s.icons.GenerateIcon(status))
		surface.SetLabel(tray.Label(status))
		surface.SetTooltip(s.icons.Tooltip(status, ContextLines(snap.Context)...))
	}

	s.notify(snap, status)

	if surface != nil {
		surface.Emit(EventChartUpdate, Update{
			Sequence: snap.Sequence,
			Status:   status,
			Summary:  render.Summary(snap),
			Sources:  snap.Sources,
			Stale:    snap.Stale(),
		})
	}
	return snap
}

// notify raises glucose alerts and reports outages once
func (s *Service) notify(snap *pipeline.Snapshot, status *models.GlucoseStatus) {
	if err := snap.Err(); err != nil && (snap.Carried || !snap.HasLatest) {
		if nerr := s.alerts.FetchFailed(err); nerr != nil {
			s.log.Error().Err(nerr).Msg("Failed to send outage notification")
		}
	} else if snap.HasLatest && !snap.Carried {
		s.alerts.Recovered()
	}
	if err := s.alerts.CheckAndNotify(status); err != nil {
		s.log.Error().Err(err).Msg("Notification error")
	}
}

func (s *Service) recordBreakers(client *nightscout.Client) {
	if client == nil {
		return
	}
	for _, ep := range breakerEndpoints {
		s.metrics.RecordBreaker(ep, client.BreakerState(ep) == "open")
	}
}

// ContextLines formats the derived context for the tooltip, leaving out
// fields the reading source cannot provide
func ContextLines(ctx models.DerivedContext) []string {
	var lines []string
	if ctx.IOB.State != models.NotApplicable {
		lines = append(lines, derive.IOBText(ctx.IOB))
	}
	if ctx.COB.State != models.NotApplicable {
		lines = append(lines, derive.COBText(ctx.COB))
	}
	if tb := derive.TempBasalText(ctx.TempBasal); tb != "" {
		lines = append(lines, tb)
	}
	if ctx.SensorAge.State != models.NotApplicable {
		lines = append(lines, derive.SensorAgeText(ctx.SensorAge))
	}
	return lines
}

// Current returns the last snapshot, nil before the first refresh
func (s *Service) Current() *pipeline.Snapshot {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	if backend == nil {
		return nil
	}
	return backend.Refresher.Current()
}

// GetCurrentStatus returns the latest glucose summary
func (s *Service) GetCurrentStatus() *models.GlucoseStatus {
	s.mu.RLock()
	settings := s.settings
	s.mu.RUnlock()
	return s.Current().GlucoseStatus(settings.GetGlucoseStatus)
}

// GetSettings returns a copy of the settings
func (s *Service) GetSettings() *config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

// SaveSettings validates and stores new settings, rebuilds the pipeline and
// triggers an immediate refresh. The sensor-age cache starts empty again.
func (s *Service) SaveSettings(settings *config.Settings) error {
	prev := s.GetSettings()
	next := prev.Clone()
	next.Update(settings)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.path != "" {
		if err := next.Save(s.path); err != nil {
			return err
		}
	}

	var backend *Backend
	if next.IsConfigured() {
		b, err := s.build(next)
		if err != nil {
			return err
		}
		backend = b
	}
	renderer, err := render.New(render.OptionsFromSettings(next))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.settings = next
	s.backend = backend
	s.renderer = renderer
	s.mu.Unlock()

	s.icons.SetColors(next.Clone().Chart)
	s.icons.ClearHistory()
	s.alerts.UpdateSettings(next)
	s.alerts.ClearAlertState("")
	if login := s.loginItem(); login != nil && prev.AutoStart != next.AutoStart {
		if err := login.Set(next.AutoStart); err != nil {
			s.log.Warn().Err(err).Bool("enabled", next.AutoStart).Msg("Failed to update login item")
		}
	}

	select {
	case s.restart <- struct{}{}:
	default:
	}
	s.log.Info().Bool("dexcom", next.UseDexcom).Msg("Settings saved")
	return nil
}

// TestConnection checks the Nightscout server
func (s *Service) TestConnection(ctx context.Context) error {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	if backend == nil {
		return ErrNotConfigured
	}
	if backend.Client == nil {
		return nil
	}
	return backend.Client.TestConnection(ctx)
}

// SendTestNotification shows a test notification
func (s *Service) SendTestNotification() error {
	return s.alerts.SendTestNotification()
}
