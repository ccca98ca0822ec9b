// Package pipeline runs the refresh cycle: fetch, normalize, derive, lay out
// and publish one immutable Snapshot.
package pipeline

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mrcode/nightscout-chart/internal/annotate"
	"github.com/mrcode/nightscout-chart/internal/basal"
	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/derive"
	"github.com/mrcode/nightscout-chart/internal/hover"
	"github.com/mrcode/nightscout-chart/internal/metrics"
	"github.com/mrcode/nightscout-chart/internal/models"
	"github.com/mrcode/nightscout-chart/internal/reading"
	"github.com/mrcode/nightscout-chart/internal/timeline"
)

// Y-axis padding around the data and the target range (mmol/L)
const (
	padBelow  = 0.4
	padAbove  = 0.6
	padTarget = 0.3
	// fetchSlack widens fetch windows so entries on the boundary are not lost
	fetchSlack = 5 * time.Minute
)

// Source is the upstream fetch collaborator. *nightscout.Client implements it.
type Source interface {
	Entries(ctx context.Context, since time.Time) ([]models.Record, error)
	DeviceStatus(ctx context.Context) ([]models.Record, error)
	Treatments(ctx context.Context, since time.Time) ([]models.Record, error)
	Profile(ctx context.Context) (models.Record, error)
	LatestSensorChange(ctx context.Context) (models.Record, error)
}

// VendorSource is the direct vendor feed. *dexcom.Client implements it.
type VendorSource interface {
	Samples(ctx context.Context) ([]reading.VendorSample, error)
}

// Config is the read-only part of the settings a refresh needs
type Config struct {
	Window     time.Duration
	YMin       *float64
	YMax       *float64
	TargetLow  float64 // used when the profile has no target range
	TargetHigh float64
	Width      float64
	Height     float64
	Proximity  time.Duration
}

// ConfigFromSettings builds a Config for the widget or the dashboard window
func ConfigFromSettings(s *config.Settings, dashboard bool) Config {
	c := s.Clone()
	return Config{
		Window:     c.Window(dashboard),
		YMin:       c.Display.YMin,
		YMax:       c.Display.YMax,
		TargetLow:  c.Alerts.TargetLow,
		TargetHigh: c.Alerts.TargetHigh,
		Width:      float64(c.Display.Width),
		Height:     float64(c.Display.Height),
		Proximity:  hover.DefaultProximity,
	}
}

// DeriverConfig maps the insulin settings onto derivation constants
func DeriverConfig(s *config.Settings) derive.Config {
	c := s.Clone()
	cfg := derive.DefaultConfig()
	cfg.Curve = derive.CurveByName(c.Insulin.Curve,
		time.Duration(c.Insulin.DIAMinutes)*time.Minute,
		time.Duration(c.Insulin.HalfLifeMinutes)*time.Minute)
	cfg.CarbAbsorption = time.Duration(c.Insulin.CarbAbsorptionMinutes) * time.Minute
	cfg.COBStaleAfter = time.Duration(c.Insulin.COBStaleMinutes) * time.Minute
	cfg.IOBTolerance = c.Insulin.IOBTolerance
	cfg.TraceAge = c.Debug.Age
	return cfg
}

// Refresher owns everything that survives between refreshes: the sensor-age
// cache inside its deriver and the last published Snapshot.
type Refresher struct {
	cfg       Config
	source    Source
	vendor    VendorSource
	norm      *timeline.Normalizer
	extractor *reading.Extractor
	deriver   *derive.Deriver
	engine    *annotate.Engine
	metrics   *metrics.Registry
	log       zerolog.Logger
	clock     func() time.Time
	session   string

	mu      sync.Mutex
	seq     uint64
	current atomic.Pointer[Snapshot]
}

// Option configures a Refresher
type Option func(*Refresher)

// WithVendor switches the refresher to the direct vendor feed
func WithVendor(v VendorSource) Option {
	return func(r *Refresher) { r.vendor = v }
}

// WithDeriver replaces the default deriver
func WithDeriver(d *derive.Deriver) Option {
	return func(r *Refresher) { r.deriver = d }
}

// WithEngine replaces the default annotation engine
func WithEngine(e *annotate.Engine) Option {
	return func(r *Refresher) { r.engine = e }
}

// WithMetrics records refresh metrics into m
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Refresher) { r.metrics = m }
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(r *Refresher) { r.log = log }
}

// WithClock sets the wall clock used for fetch windows. The normalizer
// should be built with the same clock.
func WithClock(clock func() time.Time) Option {
	return func(r *Refresher) { r.clock = clock }
}

// New creates a Refresher. src may be nil when a vendor feed is configured.
func New(cfg Config, src Source, norm *timeline.Normalizer, opts ...Option) *Refresher {
	r := &Refresher{
		cfg:     cfg,
		source:  src,
		norm:    norm,
		log:     zerolog.Nop(),
		clock:   time.Now,
		session: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.deriver == nil {
		r.deriver = derive.NewDeriver(derive.DefaultConfig(), nil, r.log)
	}
	if r.engine == nil {
		r.engine = annotate.NewEngine(annotate.FixedMeasurer{CharWidth: 6, Height: 11})
	}
	if r.metrics == nil {
		r.metrics = metrics.New(r.log)
	}
	if r.cfg.Proximity <= 0 {
		r.cfg.Proximity = hover.DefaultProximity
	}
	r.extractor = reading.NewExtractor(norm, r.log)
	return r
}

// Session identifies this refresher; it keys the sensor-age cache when the
// devicestatus names no device.
func (r *Refresher) Session() string {
	return r.session
}

// Current returns the last published snapshot, nil before the first refresh
func (r *Refresher) Current() *Snapshot {
	return r.current.Load()
}

// Hover queries the current snapshot
func (r *Refresher) Hover(t time.Time) hover.Match {
	return r.Current().Hover(t)
}

// Refresh runs one cycle and publishes its snapshot. Source failures never
// abort the cycle; they are reported in Snapshot.Sources.
func (r *Refresher) Refresh(ctx context.Context) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	began := time.Now()
	prev := r.current.Load()
	var snap *Snapshot
	if r.vendor != nil {
		snap = r.refreshVendor(ctx, prev)
	} else {
		snap = r.refreshUpstream(ctx, prev)
	}

	r.seq++
	snap.Session = r.session
	snap.Sequence = r.seq
	snap.Took = time.Since(began)
	r.current.Store(snap)

	r.metrics.RecordRefresh(snap.Outcome(), snap.Took)
	if snap.HasLatest && !snap.Carried {
		r.metrics.RecordReading(r.clock(), snap.Latest.Age(snap.Generated))
	}
	ev := r.log.Info()
	if snap.Degraded() {
		ev = r.log.Warn().AnErr("sources", snap.Err())
	}
	ev.Uint64("seq", snap.Sequence).
		Str("outcome", snap.Outcome()).
		Int("readings", len(snap.Readings)).
		Int("groups", len(snap.Annotation.Groups)).
		Dur("took", snap.Took).
		Msg("Refresh completed")
	return snap
}

// fetchState collects what a refresh managed to fetch
type fetchState struct {
	sources    []SourceStatus
	series     []reading.Entry
	haveSeries bool
	status     models.Record
	statusTime time.Time
	treatments []models.Treatment
	haveTreat  bool
	profile    *models.Profile
}

func (f *fetchState) record(st SourceStatus) {
	if st.err != nil {
		st.Error = st.err.Error()
	}
	st.OK = st.err == nil
	f.sources = append(f.sources, st)
}

func (r *Refresher) refreshUpstream(ctx context.Context, prev *Snapshot) *Snapshot {
	now := r.norm.Now()
	wall := r.clock()
	window := r.cfg.Window
	start := now.Add(-window)
	lookback := max(window, r.deriver.Config().Lookback())
	treatLookback := max(lookback, r.deriver.Config().CarbAbsorption)

	var fs fetchState
	r.fetchEntries(ctx, &fs, wall.Add(-window-reading.SlopeWindow-fetchSlack))
	r.fetchDeviceStatus(ctx, &fs)
	r.fetchTreatments(ctx, &fs, wall.Add(-treatLookback-fetchSlack))
	r.fetchProfile(ctx, &fs)

	var fullBasal []models.BasalSample
	switch {
	case fs.profile == nil:
	case !fs.haveTreat:
		// without treatments the temp basals are unknown, so no effective rate
		r.log.Warn().Msg("basal series unavailable: treatments not fetched")
	default:
		temps := lo.Filter(fs.treatments, func(t models.Treatment, _ int) bool { return t.Kind.IsTempBasal() })
		built, err := basal.Build(fs.profile.Schedule, now.Add(-lookback), now, temps, r.norm)
		if err != nil {
			r.log.Warn().Err(err).Msg("basal series unavailable")
		}
		fullBasal = built
	}

	snap := &Snapshot{Generated: now, Start: start, End: now}
	r.resolveReadings(&fs, snap, prev, start)

	var lookupErr error
	var lookedUp bool
	snap.Context = r.deriver.Derive(derive.Inputs{
		Now:            now,
		Status:         fs.status,
		StatusTime:     fs.statusTime,
		Treatments:     fs.treatments,
		HaveTreatments: fs.haveTreat,
		Basal:          fullBasal,
		SensorKey:      r.sensorKey(fs.status),
		LookupSensorChange: func() (time.Time, bool) {
			lookedUp = true
			t, ok, err := r.lookupSensorChange(ctx)
			lookupErr = err
			return t, ok
		},
	})
	if lookedUp {
		fs.record(SourceStatus{Name: SourceSensorChange, err: lookupErr})
	}

	snap.Basal = lo.Filter(fullBasal, func(b models.BasalSample, _ int) bool {
		return !b.Time.Before(start.Truncate(time.Minute))
	})
	snap.Treatments = lo.Filter(fs.treatments, func(t models.Treatment, _ int) bool {
		return !t.Time.Before(start) && !t.Time.After(now)
	})

	snap.TargetLow, snap.TargetHigh = r.cfg.TargetLow, r.cfg.TargetHigh
	if fs.profile != nil && fs.profile.HasTarget {
		snap.TargetLow, snap.TargetHigh = fs.profile.TargetLow, fs.profile.TargetHigh
	}
	r.layout(snap)
	snap.Sources = fs.sources
	return snap
}

func (r *Refresher) refreshVendor(ctx context.Context, prev *Snapshot) *Snapshot {
	now := r.norm.Now()
	start := now.Add(-r.cfg.Window)
	snap := &Snapshot{Generated: now, Start: start, End: now, VendorFeed: true}

	var fs fetchState
	timer := r.metrics.StartFetch(SourceVendor)
	samples, err := r.vendor.Samples(ctx)
	timer.Stop(err)
	fs.record(SourceStatus{Name: SourceVendor, Records: len(samples), err: err})

	if err == nil {
		sort.SliceStable(samples, func(i, j int) bool { return samples[i].Time.Before(samples[j].Time) })
		readings := make([]models.Reading, 0, len(samples))
		for i := range samples {
			rd, err := r.extractor.FromVendor(samples[:i+1])
			if err != nil {
				continue
			}
			if !rd.Time.Before(start) {
				readings = append(readings, rd)
			}
		}
		if latest, err := r.extractor.FromVendor(samples); err == nil {
			snap.Latest, snap.HasLatest = latest, true
		}
		snap.Readings = readings
	}
	if !snap.HasLatest {
		r.carry(snap, prev, start)
	}

	snap.Context = r.deriver.Derive(derive.Inputs{Now: now, VendorFeed: true})
	snap.TargetLow, snap.TargetHigh = r.cfg.TargetLow, r.cfg.TargetHigh
	r.layout(snap)
	snap.Sources = fs.sources
	return snap
}

func (r *Refresher) fetchEntries(ctx context.Context, fs *fetchState, since time.Time) {
	timer := r.metrics.StartFetch(SourceEntries)
	records, err := r.source.Entries(ctx, since)
	timer.Stop(err)

	st := SourceStatus{Name: SourceEntries, Records: len(records), err: err}
	if err == nil {
		st.Malformed = countMalformed(records, func(rec models.Record) error {
			_, err := r.extractor.ParseEntry(rec)
			return err
		})
		r.metrics.RecordMalformed(SourceEntries, st.Malformed)
		fs.series = r.extractor.Series(records)
		fs.haveSeries = true
	}
	fs.record(st)
}

func (r *Refresher) fetchDeviceStatus(ctx context.Context, fs *fetchState) {
	timer := r.metrics.StartFetch(SourceDeviceStatus)
	records, err := r.source.DeviceStatus(ctx)
	timer.Stop(err)

	st := SourceStatus{Name: SourceDeviceStatus, Records: len(records), err: err}
	if err == nil {
		fs.status, fs.statusTime, st.Malformed = r.latestStatus(records)
		r.metrics.RecordMalformed(SourceDeviceStatus, st.Malformed)
	}
	fs.record(st)
}

// latestStatus picks the newest devicestatus by its own timestamp rather
// than by response order.
func (r *Refresher) latestStatus(records []models.Record) (models.Record, time.Time, int) {
	type stamped struct {
		rec models.Record
		at  time.Time
	}
	var dated []stamped
	malformed := 0
	for _, rec := range records {
		at, err := r.norm.RecordTime(rec)
		if err != nil {
			malformed++
			continue
		}
		dated = append(dated, stamped{rec: rec, at: at})
	}
	if len(dated) == 0 {
		if len(records) > 0 {
			return records[0], time.Time{}, malformed
		}
		return nil, time.Time{}, malformed
	}
	newest := lo.MaxBy(dated, func(a, b stamped) bool { return a.at.After(b.at) })
	return newest.rec, newest.at, malformed
}

func (r *Refresher) fetchTreatments(ctx context.Context, fs *fetchState, since time.Time) {
	timer := r.metrics.StartFetch(SourceTreatments)
	records, err := r.source.Treatments(ctx, since)
	timer.Stop(err)

	st := SourceStatus{Name: SourceTreatments, Records: len(records), err: err}
	if err == nil {
		fs.treatments, st.Malformed = r.classify(records)
		fs.haveTreat = true
		r.metrics.RecordMalformed(SourceTreatments, st.Malformed)
	}
	fs.record(st)
}

// classify turns raw treatment records into time-ordered Treatments
func (r *Refresher) classify(records []models.Record) ([]models.Treatment, int) {
	out := make([]models.Treatment, 0, len(records))
	malformed := 0
	for _, rec := range records {
		at, err := r.norm.RecordTime(rec)
		if err != nil {
			malformed++
			r.log.Warn().Err(err).Msg("skipping treatment")
			continue
		}
		out = append(out, models.ClassifyTreatment(rec, at)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, malformed
}

func (r *Refresher) fetchProfile(ctx context.Context, fs *fetchState) {
	timer := r.metrics.StartFetch(SourceProfile)
	doc, err := r.source.Profile(ctx)
	timer.Stop(err)

	st := SourceStatus{Name: SourceProfile, err: err}
	if err == nil && doc != nil {
		st.Records = 1
		prof, perr := models.ParseProfile(doc)
		if perr != nil {
			st.err, st.Malformed = perr, 1
			r.metrics.RecordMalformed(SourceProfile, 1)
		} else {
			fs.profile = prof
		}
	}
	fs.record(st)
}

func (r *Refresher) lookupSensorChange(ctx context.Context) (time.Time, bool, error) {
	timer := r.metrics.StartFetch(SourceSensorChange)
	rec, err := r.source.LatestSensorChange(ctx)
	timer.Stop(err)
	if err != nil || rec == nil {
		return time.Time{}, false, err
	}
	at, err := r.norm.RecordTime(rec)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (r *Refresher) sensorKey(status models.Record) string {
	if status != nil {
		if dev, ok := status.String("device"); ok && dev != "" {
			return dev
		}
	}
	return r.session
}

// resolveReadings builds the window's reading series and the latest reading.
// When nothing new is available the previous snapshot's values are carried.
func (r *Refresher) resolveReadings(fs *fetchState, snap, prev *Snapshot, start time.Time) {
	if !fs.haveSeries {
		r.carry(snap, prev, start)
		return
	}

	readings := make([]models.Reading, 0, len(fs.series))
	for i, entry := range fs.series {
		if entry.Time.Before(start) {
			continue
		}
		var status models.Record
		if i == len(fs.series)-1 {
			status = fs.status
		}
		rd, err := r.extractor.Extract(entry.Raw, fs.series[max(0, i-4):i+1], status)
		if err != nil {
			continue
		}
		readings = append(readings, rd)
	}
	snap.Readings = readings

	latest, err := r.extractor.Latest(fs.series, fs.status)
	if err != nil {
		if !errors.Is(err, models.ErrDataUnavailable) {
			r.log.Warn().Err(err).Msg("latest reading")
		}
		r.carry(snap, prev, start)
		return
	}
	snap.Latest, snap.HasLatest = latest, true
}

// carry keeps the last known good reading and series for display continuity
func (r *Refresher) carry(snap, prev *Snapshot, start time.Time) {
	if prev == nil || !prev.HasLatest {
		return
	}
	snap.Latest, snap.HasLatest, snap.Carried = prev.Latest, true, true
	if len(snap.Readings) == 0 {
		snap.Readings = lo.Filter(prev.Readings, func(rd models.Reading, _ int) bool {
			return !rd.Time.Before(start)
		})
	}
}

// layout sizes the axis, places annotations and indexes the snapshot for hover
func (r *Refresher) layout(snap *Snapshot) {
	ymin, ymax := YExtent(snap.Readings, snap.TargetLow, snap.TargetHigh, r.cfg.YMin, r.cfg.YMax)
	axis := annotate.Axis{
		Start:  snap.Start,
		End:    snap.End,
		YMin:   ymin,
		YMax:   ymax,
		Width:  r.cfg.Width,
		Height: r.cfg.Height,
	}
	res, fitted := r.engine.Fit(snap.Treatments, snap.Readings, axis)
	if fitted.YMax > axis.YMax {
		r.metrics.AxisGrowth.Inc()
	}
	snap.Annotation, snap.Axis = res, fitted
	snap.correlator = hover.NewCorrelator(snap.Readings, snap.Basal, res.Groups, r.cfg.Proximity)
}

// YExtent computes the glucose axis range: data padded below and above,
// widened to include the target range, overrides applied last, never below 0.
func YExtent(readings []models.Reading, targetLow, targetHigh float64, overrideMin, overrideMax *float64) (float64, float64) {
	ymin, ymax := targetLow-padTarget, targetHigh+padTarget
	if len(readings) > 0 {
		lowest := lo.MinBy(readings, func(a, b models.Reading) bool { return a.Value < b.Value }).Value
		highest := lo.MaxBy(readings, func(a, b models.Reading) bool { return a.Value > b.Value }).Value
		ymin = math.Min(lowest-padBelow, ymin)
		ymax = math.Max(highest+padAbove, ymax)
	}
	if overrideMin != nil {
		ymin = *overrideMin
	}
	if overrideMax != nil {
		ymax = *overrideMax
	}
	if ymin < 0 {
		ymin = 0
	}
	return ymin, ymax
}

func countMalformed(records []models.Record, parse func(models.Record) error) int {
	return lo.CountBy(records, func(rec models.Record) bool {
		return errors.Is(parse(rec), models.ErrMalformedRecord)
	})
}
