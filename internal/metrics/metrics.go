// Package metrics exposes refresh and fetch metrics for Prometheus
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Result labels
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Registry holds the collectors of one pipeline. It uses its own
// prometheus.Registry so several pipelines (and tests) do not collide.
type Registry struct {
	reg *prometheus.Registry
	log zerolog.Logger

	RefreshDuration  prometheus.Histogram
	Refreshes        *prometheus.CounterVec
	FetchResults     *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	MalformedRecords *prometheus.CounterVec
	LastSuccess      prometheus.Gauge
	ReadingAge       prometheus.Gauge
	BreakerOpen      *prometheus.GaugeVec
	AxisGrowth       prometheus.Counter
}

// New creates and registers all collectors
func New(log zerolog.Logger) *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),
		log: log,

		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nschart_refresh_duration_seconds",
				Help:    "Duration of a full refresh cycle",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nschart_refreshes_total",
				Help: "Refresh cycles by outcome (ok, partial, stale)",
			},
			[]string{"outcome"},
		),

		FetchResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nschart_fetch_total",
				Help: "Upstream fetches by source and result",
			},
			[]string{"source", "result"},
		),

		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nschart_fetch_duration_seconds",
				Help:    "Upstream fetch duration by source",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		MalformedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nschart_malformed_records_total",
				Help: "Records skipped because they failed to parse",
			},
			[]string{"source"},
		),

		LastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nschart_last_success_timestamp_seconds",
				Help: "Unix time of the last refresh that produced a reading",
			},
		),

		ReadingAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nschart_reading_age_seconds",
				Help: "Age of the displayed reading at the last refresh",
			},
		),

		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nschart_breaker_open",
				Help: "1 when the circuit breaker of an endpoint is open",
			},
			[]string{"endpoint"},
		),

		AxisGrowth: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nschart_axis_headroom_grown_total",
				Help: "Layouts that had to raise the plot top to fit labels",
			},
		),
	}

	m.reg.MustRegister(
		m.RefreshDuration,
		m.Refreshes,
		m.FetchResults,
		m.FetchDuration,
		m.MalformedRecords,
		m.LastSuccess,
		m.ReadingAge,
		m.BreakerOpen,
		m.AxisGrowth,
	)
	return m
}

// Gatherer exposes the underlying registry
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}

// Handler serves the registry in the Prometheus text format
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// FetchTimer times one upstream fetch
type FetchTimer struct {
	metrics *Registry
	source  string
	start   time.Time
}

// StartFetch begins timing a fetch of source
func (m *Registry) StartFetch(source string) *FetchTimer {
	return &FetchTimer{metrics: m, source: source, start: time.Now()}
}

// Stop records the fetch duration and its result
func (ft *FetchTimer) Stop(err error) {
	if ft == nil || ft.metrics == nil {
		return
	}
	duration := time.Since(ft.start)
	result := ResultOK
	if err != nil {
		result = ResultFailed
	}
	ft.metrics.FetchDuration.WithLabelValues(ft.source).Observe(duration.Seconds())
	ft.metrics.FetchResults.WithLabelValues(ft.source, result).Inc()

	ft.metrics.log.Debug().
		Str("source", ft.source).
		Str("result", result).
		Dur("duration", duration).
		Msg("Fetch completed")
}

// RecordSkipped counts a source that was not fetched this cycle
func (m *Registry) RecordSkipped(source string) {
	m.FetchResults.WithLabelValues(source, ResultSkipped).Inc()
}

// RecordMalformed counts skipped records of a source
func (m *Registry) RecordMalformed(source string, n int) {
	if n <= 0 {
		return
	}
	m.MalformedRecords.WithLabelValues(source).Add(float64(n))
}

// RecordRefresh records a finished refresh cycle
func (m *Registry) RecordRefresh(outcome string, took time.Duration) {
	m.RefreshDuration.Observe(took.Seconds())
	m.Refreshes.WithLabelValues(outcome).Inc()
}

// RecordReading records the time and age of the displayed reading
func (m *Registry) RecordReading(at time.Time, age time.Duration) {
	m.LastSuccess.Set(float64(at.Unix()))
	m.ReadingAge.Set(age.Seconds())
}

// RecordBreaker publishes the state of an endpoint's breaker
func (m *Registry) RecordBreaker(endpoint string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(endpoint).Set(v)
}
