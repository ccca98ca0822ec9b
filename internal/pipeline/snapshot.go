package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/mrcode/nightscout-chart/internal/annotate"
	"github.com/mrcode/nightscout-chart/internal/derive"
	"github.com/mrcode/nightscout-chart/internal/hover"
	"github.com/mrcode/nightscout-chart/internal/models"
)

// Source names used in SourceStatus and metrics
const (
	SourceEntries      = "entries"
	SourceDeviceStatus = "devicestatus"
	SourceTreatments   = "treatments"
	SourceProfile      = "profile"
	SourceSensorChange = "sensorchange"
	SourceVendor       = "dexcom"
)

// SourceStatus is the outcome of one upstream fetch in a refresh
type SourceStatus struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Records   int    `json:"records"`
	Malformed int    `json:"malformed,omitempty"`

	err error
}

// Snapshot is the complete output of one refresh. It is immutable once
// published and is safe to share between the renderer and hover queries.
type Snapshot struct {
	Session   string    `json:"session"`
	Sequence  uint64    `json:"sequence"`
	Generated time.Time `json:"generated"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`

	Latest    models.Reading `json:"latest"`
	HasLatest bool           `json:"hasLatest"`
	// Carried is set when Latest was kept from an earlier refresh
	Carried bool `json:"carried"`

	Readings   []models.Reading       `json:"readings"`
	Basal      []models.BasalSample   `json:"basal"`
	Treatments []models.Treatment     `json:"treatments"`
	Context    models.DerivedContext  `json:"context"`
	Annotation annotate.Result        `json:"annotation"`
	Axis       annotate.Axis          `json:"axis"`
	TargetLow  float64                `json:"targetLow"`
	TargetHigh float64                `json:"targetHigh"`
	Sources    []SourceStatus         `json:"sources"`
	VendorFeed bool                   `json:"vendorFeed"`
	Took       time.Duration          `json:"took"`
	correlator *hover.Correlator
}

// Hover resolves the nearest samples of every series to t
func (s *Snapshot) Hover(t time.Time) hover.Match {
	if s == nil || s.correlator == nil {
		return hover.Match{At: t}
	}
	return s.correlator.At(t)
}

// Source returns the status of a named source
func (s *Snapshot) Source(name string) (SourceStatus, bool) {
	for _, st := range s.Sources {
		if st.Name == name {
			return st, true
		}
	}
	return SourceStatus{}, false
}

// Err joins the errors of every failed source, nil when all succeeded
func (s *Snapshot) Err() error {
	var errs []error
	for _, st := range s.Sources {
		if st.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.Name, st.err))
		}
	}
	return errors.Join(errs...)
}

// Degraded reports whether any source failed in this refresh
func (s *Snapshot) Degraded() bool {
	for _, st := range s.Sources {
		if !st.OK {
			return true
		}
	}
	return false
}

// Stale reports whether the displayed reading is older than models.StaleAfter
func (s *Snapshot) Stale() bool {
	return !s.HasLatest || s.Latest.Age(s.Generated) > models.StaleAfter
}

// Outcome classifies the refresh for metrics
func (s *Snapshot) Outcome() string {
	switch {
	case !s.HasLatest || s.Carried:
		return "stale"
	case s.Degraded():
		return "partial"
	}
	return "ok"
}

// GlucoseStatus summarizes the latest reading for the tray and alerts.
// classify maps a mmol/L value onto a status name. Nil without a reading.
func (s *Snapshot) GlucoseStatus(classify func(mmol float64) string) *models.GlucoseStatus {
	if s == nil || !s.HasLatest {
		return nil
	}
	age := s.Latest.Age(s.Generated)
	st := &models.GlucoseStatus{
		ValueMmol:    s.Latest.Value,
		Value:        s.Latest.ValueMgdl(),
		Trend:        s.Latest.Trend.Arrow(),
		Direction:    s.Latest.Trend.String(),
		Time:         s.Latest.Time,
		Delta:        derive.DeltaText(s.Latest),
		Status:       classify(s.Latest.Value),
		StaleMinutes: int(age.Minutes()),
		IsStale:      age > models.StaleAfter,
	}
	if err := s.Err(); err != nil && s.Carried {
		st.FetchError = err.Error()
	}
	return st
}
