package app

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-chart/internal/annotate"
	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/derive"
	"github.com/mrcode/nightscout-chart/internal/dexcom"
	"github.com/mrcode/nightscout-chart/internal/metrics"
	"github.com/mrcode/nightscout-chart/internal/nightscout"
	"github.com/mrcode/nightscout-chart/internal/pipeline"
	"github.com/mrcode/nightscout-chart/internal/render"
	"github.com/mrcode/nightscout-chart/internal/timeline"
)

// ErrNotConfigured is returned when neither Nightscout nor Dexcom is set up
var ErrNotConfigured = errors.New("no nightscout url or dexcom login configured")

// Backend is one wired refresh pipeline
type Backend struct {
	Refresher *pipeline.Refresher
	// Client is nil when the vendor feed is used
	Client *nightscout.Client
}

// NewNormalizer builds the timestamp policy from the settings
func NewNormalizer(s *config.Settings, log zerolog.Logger) *timeline.Normalizer {
	c := s.Clone()
	return timeline.NewNormalizer(timeline.Policy{
		AssumeNaiveUTC: c.Time.AssumeNaiveUTC,
		OffsetMinutes:  c.Time.OffsetMinutes,
		NaiveLocal:     c.Time.NaiveLocal,
		Location:       c.Location(),
		Trace:          c.Debug.Time,
	}, timeline.WithLogger(log.With().Str("component", "timeline").Logger()))
}

// NewBackend wires the fetch client, normalizer, deriver and layout engine
// for the widget window, or the dashboard window when dashboard is set.
func NewBackend(s *config.Settings, dashboard bool, m *metrics.Registry, log zerolog.Logger) (*Backend, error) {
	if !s.IsConfigured() {
		return nil, ErrNotConfigured
	}
	c := s.Clone()

	measurer, err := annotate.NewFontMeasurer(render.LabelSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load label font: %w", err)
	}
	norm := NewNormalizer(c, log)
	opts := []pipeline.Option{
		pipeline.WithLogger(log.With().Str("component", "pipeline").Logger()),
		pipeline.WithMetrics(m),
		pipeline.WithDeriver(derive.NewDeriver(pipeline.DeriverConfig(c), derive.NewSensorAgeCache(),
			log.With().Str("component", "derive").Logger())),
		pipeline.WithEngine(annotate.NewEngine(measurer,
			annotate.WithLogger(log.With().Str("component", "annotate").Logger()))),
	}
	cfg := pipeline.ConfigFromSettings(c, dashboard)

	if c.UseDexcom {
		vendor := dexcom.NewClient(c.Dexcom, log.With().Str("component", "dexcom").Logger())
		opts = append(opts, pipeline.WithVendor(vendor))
		return &Backend{Refresher: pipeline.New(cfg, nil, norm, opts...)}, nil
	}

	client := nightscout.NewClient(nightscout.OptionsFromSettings(c), log.With().Str("component", "nightscout").Logger())
	return &Backend{Refresher: pipeline.New(cfg, client, norm, opts...), Client: client}, nil
}
