// Package reading turns raw glucose entries into uniform Readings
package reading

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-chart/internal/models"
	"github.com/mrcode/nightscout-chart/internal/timeline"
)

const (
	// FlatThreshold is the smallest change per 15 minutes (mmol/L) that is not Flat
	FlatThreshold = 0.2
	// DoubleThreshold is the change per 15 minutes (mmol/L) reported as DoubleUp/DoubleDown
	DoubleThreshold = 1.0
	// SlopeWindow is the span of recent entries used for the computed trend
	SlopeWindow = 15 * time.Minute
	// MaxDeltaGap bounds the gap between the two entries used for a computed delta
	MaxDeltaGap = 15 * time.Minute
	// MmolCeiling is the largest unlabelled value read as mmol/L
	MmolCeiling = 35.0
)

// Entry is one parsed glucose entry on the normalized timeline
type Entry struct {
	Time  time.Time
	Value float64 // mmol/L
	Unit  models.Unit
	Raw   models.Record
}

// Extractor builds Readings from entries and the optional devicestatus
type Extractor struct {
	norm *timeline.Normalizer
	log  zerolog.Logger
}

// NewExtractor creates an extractor that stamps times through norm
func NewExtractor(norm *timeline.Normalizer, log zerolog.Logger) *Extractor {
	return &Extractor{norm: norm, log: log}
}

// ParseEntry reads the glucose value, unit and time of a raw entry
func (e *Extractor) ParseEntry(rec models.Record) (Entry, error) {
	v, ok := rec.Number("sgv", "mbg", "glucose")
	if !ok || v <= 0 {
		return Entry{}, fmt.Errorf("entry without glucose value: %w", models.ErrDataUnavailable)
	}
	t, err := e.norm.RecordTime(rec)
	if err != nil {
		return Entry{}, err
	}
	unit := entryUnit(rec, v)
	return Entry{Time: t, Value: models.InMmol(v, unit), Unit: unit, Raw: rec}, nil
}

// Series parses records into an ascending, de-duplicated entry series.
// Records that fail to parse are skipped.
func (e *Extractor) Series(records []models.Record) []Entry {
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		entry, err := e.ParseEntry(rec)
		if err != nil {
			e.log.Warn().Err(err).Msg("skipping glucose entry")
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	deduped := out[:0]
	for _, entry := range out {
		if n := len(deduped); n > 0 && deduped[n-1].Time.Equal(entry.Time) {
			deduped[n-1] = entry
			continue
		}
		deduped = append(deduped, entry)
	}
	return deduped
}

// Latest builds the Reading for the newest entry of series
func (e *Extractor) Latest(series []Entry, status models.Record) (models.Reading, error) {
	if len(series) == 0 {
		return models.Reading{}, fmt.Errorf("no glucose entries: %w", models.ErrDataUnavailable)
	}
	return e.Extract(series[len(series)-1].Raw, series, status)
}

// Extract builds a Reading from the latest raw entry. history supplies the
// neighbouring entries for the computed fallbacks and may include latest.
// A missing glucose value fails with models.ErrDataUnavailable so the caller
// can keep its last known Reading.
func (e *Extractor) Extract(latest models.Record, history []Entry, status models.Record) (models.Reading, error) {
	cur, err := e.ParseEntry(latest)
	if err != nil {
		if errors.Is(err, models.ErrDataUnavailable) {
			return models.Reading{}, err
		}
		return models.Reading{}, fmt.Errorf("latest entry: %w", errors.Join(models.ErrDataUnavailable, err))
	}

	in := resolveInput{cur: cur, status: status}
	for _, h := range history {
		if h.Time.Before(cur.Time) {
			in.earlier = append(in.earlier, h)
		}
	}

	r := models.Reading{Time: cur.Time, Value: cur.Value, Trend: models.TrendNotComputable, TrendSource: models.SourceComputed}
	for _, res := range trendResolvers {
		if d, ok := res.resolve(in); ok {
			r.Trend, r.TrendSource = d, res.source
			break
		}
	}
	for _, res := range deltaResolvers {
		if d, ok := res.resolve(in); ok {
			r.Delta, r.HasDelta, r.DeltaSource = models.Round1(d), true, res.source
			e.log.Debug().Str("resolver", res.name).Float64("delta", r.Delta).Msg("resolved delta")
			break
		}
	}
	return r, nil
}

// VendorSample is what the direct vendor feed returns
type VendorSample struct {
	Time  time.Time
	Value float64 // mmol/L
	Trend string
}

// FromVendor builds a Reading from the newest vendor sample. Delta is computed
// against the previous sample when one exists.
func (e *Extractor) FromVendor(samples []VendorSample) (models.Reading, error) {
	if len(samples) == 0 {
		return models.Reading{}, fmt.Errorf("vendor feed empty: %w", models.ErrDataUnavailable)
	}
	sorted := append([]VendorSample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	last := sorted[len(sorted)-1]
	r := models.Reading{
		Time:        e.norm.Instant(last.Time),
		Value:       last.Value,
		Trend:       models.TrendNotComputable,
		TrendSource: models.SourceVendorFeed,
		DeltaSource: models.SourceComputed,
	}
	if d, ok := models.ParseDirection(last.Trend); ok {
		r.Trend = d
	}
	if len(sorted) > 1 {
		prev := sorted[len(sorted)-2]
		if last.Time.Sub(prev.Time) <= MaxDeltaGap {
			r.Delta, r.HasDelta = models.Round1(last.Value-prev.Value), true
		}
	}
	return r, nil
}

type resolveInput struct {
	cur     Entry
	earlier []Entry // ascending, strictly before cur
	status  models.Record
}

func (in resolveInput) records() []models.Record {
	if in.status == nil {
		return []models.Record{in.cur.Raw}
	}
	return []models.Record{in.cur.Raw, in.status}
}

type trendResolver struct {
	name    string
	source  models.ReadingSource
	resolve func(resolveInput) (models.TrendDirection, bool)
}

type deltaResolver struct {
	name    string
	source  models.ReadingSource
	resolve func(resolveInput) (float64, bool)
}

// Tried in order; the first resolver that yields a value wins.
var trendResolvers = []trendResolver{
	{name: "direction", source: models.SourceNative, resolve: directionField},
	{name: "trend", source: models.SourceNative, resolve: trendCode},
	{name: "slope", source: models.SourceComputed, resolve: slopeTrend},
}

var deltaResolvers = []deltaResolver{
	{name: "delta", source: models.SourceNative, resolve: numericDelta("delta")},
	{name: "trendDelta", source: models.SourceNative, resolve: numericDelta("trendDelta")},
	{name: "tick", source: models.SourceNative, resolve: tickDelta},
	{name: "difference", source: models.SourceComputed, resolve: differenceDelta},
}

func directionField(in resolveInput) (models.TrendDirection, bool) {
	for _, rec := range in.records() {
		if s, ok := rec.String("direction"); ok {
			if d, ok := models.ParseDirection(s); ok {
				return d, true
			}
		}
	}
	return models.TrendUnknown, false
}

func trendCode(in resolveInput) (models.TrendDirection, bool) {
	if code, ok := in.cur.Raw.Number("trend"); ok {
		return models.TrendFromCode(int(code))
	}
	return models.TrendUnknown, false
}

func slopeTrend(in resolveInput) (models.TrendDirection, bool) {
	window := []Entry{in.cur}
	for i := len(in.earlier) - 1; i >= 0; i-- {
		if in.cur.Time.Sub(in.earlier[i].Time) > SlopeWindow {
			break
		}
		window = append(window, in.earlier[i])
	}
	if len(window) < 2 {
		return models.TrendUnknown, false
	}
	perMinute, ok := slope(window)
	if !ok {
		return models.TrendUnknown, false
	}
	return ClassifySlope(perMinute * SlopeWindow.Minutes()), true
}

// ClassifySlope maps a change per 15 minutes (mmol/L) onto a direction
func ClassifySlope(per15 float64) models.TrendDirection {
	switch abs := math.Abs(per15); {
	case abs < FlatThreshold:
		return models.TrendFlat
	case abs >= DoubleThreshold && per15 > 0:
		return models.TrendDoubleUp
	case abs >= DoubleThreshold:
		return models.TrendDoubleDown
	case per15 > 0:
		return models.TrendUp
	default:
		return models.TrendDown
	}
}

// slope fits a least-squares line through the points and returns mmol/L per minute
func slope(points []Entry) (float64, bool) {
	origin := points[0].Time
	var sx, sy, sxx, sxy float64
	for _, p := range points {
		x := p.Time.Sub(origin).Minutes()
		sx += x
		sy += p.Value
		sxx += x * x
		sxy += x * p.Value
	}
	n := float64(len(points))
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, false
	}
	return (n*sxy - sx*sy) / den, true
}

func numericDelta(key string) func(resolveInput) (float64, bool) {
	return func(in resolveInput) (float64, bool) {
		for _, rec := range in.records() {
			if v, ok := rec.Number(key); ok && !math.IsNaN(v) {
				return models.InMmol(v, recordUnit(rec, in.cur.Unit)), true
			}
		}
		return 0, false
	}
}

func tickDelta(in resolveInput) (float64, bool) {
	for _, rec := range in.records() {
		s, ok := rec.String("tick")
		if !ok {
			if v, ok := rec.Number("tick"); ok {
				return models.InMmol(v, recordUnit(rec, in.cur.Unit)), true
			}
			continue
		}
		s = strings.TrimSpace(strings.ReplaceAll(s, "−", "-"))
		s = strings.TrimLeft(s, "+±")
		if v, ok := (models.Record{"tick": s}).Number("tick"); ok {
			return models.InMmol(v, recordUnit(rec, in.cur.Unit)), true
		}
	}
	return 0, false
}

func differenceDelta(in resolveInput) (float64, bool) {
	if len(in.earlier) == 0 {
		return 0, false
	}
	prev := in.earlier[len(in.earlier)-1]
	if in.cur.Time.Sub(prev.Time) > MaxDeltaGap {
		return 0, false
	}
	return in.cur.Value - prev.Value, true
}

// entryUnit prefers an explicit mgdl flag or units field. Without either, a
// value below MmolCeiling cannot be a CGM reading in mg/dL and is taken as mmol/L.
func entryUnit(rec models.Record, v float64) models.Unit {
	if flag, ok := rec["mgdl"].(bool); ok {
		if flag {
			return models.UnitMgdl
		}
		return models.UnitMmol
	}
	fallback := models.UnitMgdl
	if v < MmolCeiling {
		fallback = models.UnitMmol
	}
	return recordUnit(rec, fallback)
}

func recordUnit(rec models.Record, fallback models.Unit) models.Unit {
	if s, ok := rec.String("units", "unit"); ok {
		if u, ok := models.ParseUnit(s); ok {
			return u
		}
	}
	return fallback
}
