// Package basal reconstructs the minute-resolution basal curve
package basal

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mrcode/nightscout-chart/internal/models"
)

// Epsilon is the rate difference (U/h) below which effective equals scheduled
const Epsilon = 1e-6

// Clock maps a normalized time onto the profile's time of day
type Clock interface {
	TimeOfDay(t time.Time) time.Duration
}

// Build returns one BasalSample per minute of [start, end). Temp basals are
// applied by start time so the most recently started one wins on overlap.
// A temp basal without duration only affects its own start minute.
func Build(schedule *models.ProfileSchedule, start, end time.Time, temps []models.Treatment, clock Clock) ([]models.BasalSample, error) {
	if schedule == nil {
		return nil, fmt.Errorf("no basal schedule: %w", models.ErrDataUnavailable)
	}
	start = start.Truncate(time.Minute)
	n := int(end.Sub(start) / time.Minute)
	if n <= 0 {
		return nil, nil
	}

	samples := make([]models.BasalSample, n)
	for i := range samples {
		at := start.Add(time.Duration(i) * time.Minute)
		rate := schedule.RateAt(clock.TimeOfDay(at))
		samples[i] = models.BasalSample{Time: at, Scheduled: rate, Effective: rate}
	}

	ordered := make([]models.Treatment, 0, len(temps))
	for _, t := range temps {
		if t.Kind.IsTempBasal() {
			ordered = append(ordered, t)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Time.Before(ordered[j].Time) })

	for _, t := range ordered {
		first, last := coveredMinutes(t, start, n)
		for i := first; i < last; i++ {
			samples[i].Effective = effectiveRate(t, samples[i].Scheduled)
		}
	}

	for i := range samples {
		samples[i].Deviation = math.Abs(samples[i].Effective-samples[i].Scheduled) > Epsilon
	}
	return samples, nil
}

// coveredMinutes returns the half-open sample index range a temp basal covers,
// clamped to the window.
func coveredMinutes(t models.Treatment, start time.Time, n int) (int, int) {
	if t.Duration <= 0 {
		if t.Time.Before(start) {
			return 0, 0
		}
		idx := int(t.Time.Sub(start) / time.Minute)
		return idx, min(idx+1, n)
	}
	return max(ceilMinutes(t.Time.Sub(start)), 0), min(ceilMinutes(t.End().Sub(start)), n)
}

// ceilMinutes is the index of the first sample at or after start+d
func ceilMinutes(d time.Duration) int {
	idx := int(d / time.Minute)
	if d > 0 && d%time.Minute != 0 {
		idx++
	}
	return idx
}

func effectiveRate(t models.Treatment, scheduled float64) float64 {
	if t.Kind == models.KindTempBasalPercent {
		return scheduled * t.Amount / 100
	}
	return t.Amount
}
