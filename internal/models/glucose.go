// Package models contains data structures used throughout the application
package models

import (
	"math"
	"strings"
	"time"
)

// MgdlPerMmol converts between mg/dL and mmol/L
const MgdlPerMmol = 18.0182

// Unit of a glucose value
type Unit string

const (
	UnitMgdl Unit = "mg/dL"
	UnitMmol Unit = "mmol/L"
)

// ParseUnit maps the spellings Nightscout uses for units
func ParseUnit(s string) (Unit, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mg/dl", "mgdl", "mg":
		return UnitMgdl, true
	case "mmol/l", "mmol", "mmoll":
		return UnitMmol, true
	}
	return "", false
}

// ToMmol converts mg/dL to mmol/L
func ToMmol(mgdl float64) float64 {
	return mgdl / MgdlPerMmol
}

// ToMgdl converts mmol/L to mg/dL
func ToMgdl(mmol float64) float64 {
	return mmol * MgdlPerMmol
}

// InMmol converts a value of the given unit to mmol/L
func InMmol(v float64, u Unit) float64 {
	if u == UnitMgdl {
		return ToMmol(v)
	}
	return v
}

// Round1 rounds to one decimal place
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// TrendDirection is the discretized rate of change of glucose
type TrendDirection int

const (
	TrendUnknown TrendDirection = iota
	TrendFlat
	TrendUp
	TrendDoubleUp
	TrendDown
	TrendDoubleDown
	TrendNotComputable
)

var trendNames = map[TrendDirection]string{
	TrendUnknown:       "Unknown",
	TrendFlat:          "Flat",
	TrendUp:            "Up",
	TrendDoubleUp:      "DoubleUp",
	TrendDown:          "Down",
	TrendDoubleDown:    "DoubleDown",
	TrendNotComputable: "NotComputable",
}

func (d TrendDirection) String() string {
	if s, ok := trendNames[d]; ok {
		return s
	}
	return "Unknown"
}

// MarshalText encodes the direction by name
func (d TrendDirection) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Arrow returns the Unicode arrow character for the trend
func (d TrendDirection) Arrow() string {
	switch d {
	case TrendDoubleUp:
		return "⇈"
	case TrendUp:
		return "↑"
	case TrendFlat:
		return "→"
	case TrendDown:
		return "↓"
	case TrendDoubleDown:
		return "⇊"
	case TrendNotComputable:
		return "?"
	default:
		return "-"
	}
}

// ParseDirection maps the upstream direction strings onto TrendDirection.
// FortyFive variants fold into Up and Down.
func ParseDirection(s string) (TrendDirection, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flat":
		return TrendFlat, true
	case "fortyfiveup", "singleup", "up":
		return TrendUp, true
	case "doubleup", "tripleup":
		return TrendDoubleUp, true
	case "fortyfivedown", "singledown", "down":
		return TrendDown, true
	case "doubledown", "tripledown":
		return TrendDoubleDown, true
	case "not computable", "notcomputable", "rate out of range", "rateoutofrange":
		return TrendNotComputable, true
	}
	return TrendUnknown, false
}

// TrendFromCode maps the numeric Nightscout trend (1-7) onto TrendDirection
func TrendFromCode(code int) (TrendDirection, bool) {
	switch code {
	case 1:
		return TrendDoubleUp, true
	case 2, 3:
		return TrendUp, true
	case 4:
		return TrendFlat, true
	case 5, 6:
		return TrendDown, true
	case 7:
		return TrendDoubleDown, true
	case 8, 9:
		return TrendNotComputable, true
	}
	return TrendUnknown, false
}

// ReadingSource tags how a reading's trend and delta were obtained
type ReadingSource int

const (
	// SourceNative means the upstream record carried the field
	SourceNative ReadingSource = iota
	// SourceComputed means the field was derived from neighbouring entries
	SourceComputed
	// SourceVendorFeed means the reading came from the direct vendor feed
	SourceVendorFeed
)

func (s ReadingSource) String() string {
	switch s {
	case SourceNative:
		return "native"
	case SourceComputed:
		return "computed"
	case SourceVendorFeed:
		return "vendor"
	}
	return "unknown"
}

// Reading is a single normalized glucose value. Values are mmol/L.
type Reading struct {
	Time        time.Time      `json:"time"`
	Value       float64        `json:"value"`
	Trend       TrendDirection `json:"trend"`
	Delta       float64        `json:"delta"`
	HasDelta    bool           `json:"hasDelta"`
	TrendSource ReadingSource  `json:"trendSource"`
	DeltaSource ReadingSource  `json:"deltaSource"`
}

// ValueMgdl returns the glucose value in mg/dL
func (r Reading) ValueMgdl() int {
	return int(math.Round(ToMgdl(r.Value)))
}

// Age returns the time elapsed since the reading relative to now
func (r Reading) Age(now time.Time) time.Duration {
	if now.Before(r.Time) {
		return 0
	}
	return now.Sub(r.Time)
}

// GlucoseStatus represents the current glucose status for display
type GlucoseStatus struct {
	ValueMmol    float64   `json:"valueMmol"`
	Value        int       `json:"value"` // mg/dL
	Trend        string    `json:"trend"` // Arrow character
	Direction    string    `json:"direction"`
	Time         time.Time `json:"time"`
	Delta        string    `json:"delta"`
	Status       string    `json:"status"` // "normal", "high", "low", "urgent_high", "urgent_low"
	StaleMinutes int       `json:"staleMinutes"`
	IsStale      bool      `json:"isStale"` // True if data is stale (>15 min)
	FetchError   string    `json:"fetchError,omitempty"`
}

// StaleAfter is the reading age after which the display is marked stale
const StaleAfter = 15 * time.Minute
