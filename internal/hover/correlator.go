// Package hover answers pointer queries against already derived series
package hover

import (
	"sort"
	"time"

	"github.com/mrcode/nightscout-chart/internal/models"
)

// DefaultProximity is how close an annotation group must be to be reported
const DefaultProximity = 5 * time.Minute

// Match is what the pointer position resolves to. Nil fields mean the series
// was empty or, for groups, nothing lay within the proximity threshold.
type Match struct {
	At      time.Time               `json:"at"`
	Reading *models.Reading         `json:"reading,omitempty"`
	Basal   *models.BasalSample     `json:"basal,omitempty"`
	Group   *models.AnnotationGroup `json:"group,omitempty"`
}

// Correlator holds time-sorted series for one snapshot. It is read-only after
// construction and safe for concurrent queries.
type Correlator struct {
	readings  []models.Reading
	basal     []models.BasalSample
	groups    []models.AnnotationGroup
	proximity time.Duration
}

// NewCorrelator indexes the series. Inputs must already be sorted by time,
// which is how the pipeline produces them.
func NewCorrelator(readings []models.Reading, basal []models.BasalSample, groups []models.AnnotationGroup, proximity time.Duration) *Correlator {
	if proximity <= 0 {
		proximity = DefaultProximity
	}
	return &Correlator{readings: readings, basal: basal, groups: groups, proximity: proximity}
}

// At resolves the nearest sample of each series to t
func (c *Correlator) At(t time.Time) Match {
	m := Match{At: t}
	if i, ok := nearest(len(c.readings), func(i int) time.Time { return c.readings[i].Time }, t); ok {
		m.Reading = &c.readings[i]
	}
	if i, ok := nearest(len(c.basal), func(i int) time.Time { return c.basal[i].Time }, t); ok {
		m.Basal = &c.basal[i]
	}
	if i, ok := nearest(len(c.groups), func(i int) time.Time { return c.groups[i].Anchor }, t); ok {
		if absDuration(c.groups[i].Anchor.Sub(t)) <= c.proximity {
			m.Group = &c.groups[i]
		}
	}
	return m
}

// nearest binary searches a sorted series; on equal distance the earlier
// sample wins.
func nearest(n int, at func(int) time.Time, t time.Time) (int, bool) {
	if n == 0 {
		return 0, false
	}
	i := sort.Search(n, func(i int) bool { return !at(i).Before(t) })
	switch {
	case i == 0:
		return 0, true
	case i == n:
		return n - 1, true
	}
	if t.Sub(at(i-1)) <= at(i).Sub(t) {
		return i - 1, true
	}
	return i, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
