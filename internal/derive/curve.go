// Package derive computes the clinical context values shown next to the chart
package derive

import (
	"math"
	"time"
)

// Curve returns the fraction of a dose still active after elapsed
type Curve interface {
	Remaining(elapsed time.Duration) float64
	Duration() time.Duration
}

// ExponentialCurve halves the remaining insulin every HalfLife and drops it
// to zero after DIA.
type ExponentialCurve struct {
	HalfLife time.Duration
	DIA      time.Duration
}

// Remaining implements Curve
func (c ExponentialCurve) Remaining(elapsed time.Duration) float64 {
	if elapsed < 0 || elapsed > c.DIA {
		return 0
	}
	return math.Pow(0.5, elapsed.Minutes()/c.HalfLife.Minutes())
}

// Duration implements Curve
func (c ExponentialCurve) Duration() time.Duration {
	return c.DIA
}

// BilinearCurve keeps most of a dose until Peak and then decays linearly to
// zero at DIA.
type BilinearCurve struct {
	Peak time.Duration
	DIA  time.Duration
}

// Remaining implements Curve
func (c BilinearCurve) Remaining(elapsed time.Duration) float64 {
	if elapsed < 0 || elapsed >= c.DIA {
		return 0
	}
	minutes := elapsed.Minutes()
	peak := c.Peak.Minutes()
	if minutes < peak {
		return 1 - (minutes/peak)*0.1
	}
	return 0.9 * (c.DIA.Minutes() - minutes) / (c.DIA.Minutes() - peak)
}

// Duration implements Curve
func (c BilinearCurve) Duration() time.Duration {
	return c.DIA
}

// CurveByName returns the named insulin curve with the given action duration
func CurveByName(name string, dia, halfLife time.Duration) Curve {
	if name == "bilinear" {
		return BilinearCurve{Peak: 75 * time.Minute, DIA: dia}
	}
	return ExponentialCurve{HalfLife: halfLife, DIA: dia}
}
