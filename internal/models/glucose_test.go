package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDirection(t *testing.T) {
	tests := []struct {
		name      string
		direction string
		expected  TrendDirection
		ok        bool
	}{
		{"DoubleUp", "DoubleUp", TrendDoubleUp, true},
		{"SingleUp", "SingleUp", TrendUp, true},
		{"FortyFiveUp folds into Up", "FortyFiveUp", TrendUp, true},
		{"Flat", "Flat", TrendFlat, true},
		{"lower case", "fortyfivedown", TrendDown, true},
		{"DoubleDown", "DoubleDown", TrendDoubleDown, true},
		{"NOT COMPUTABLE", "NOT COMPUTABLE", TrendNotComputable, true},
		{"empty", "", TrendUnknown, false},
		{"garbage", "Sideways", TrendUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDirection(tt.direction)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestTrendFromCode(t *testing.T) {
	tests := []struct {
		code     int
		expected TrendDirection
	}{
		{1, TrendDoubleUp},
		{3, TrendUp},
		{4, TrendFlat},
		{6, TrendDown},
		{7, TrendDoubleDown},
		{9, TrendNotComputable},
		{0, TrendUnknown},
	}

	for _, tt := range tests {
		got, _ := TrendFromCode(tt.code)
		assert.Equal(t, tt.expected, got, "code %d", tt.code)
	}
}

func TestTrendDirection_Arrow(t *testing.T) {
	assert.Equal(t, "⇈", TrendDoubleUp.Arrow())
	assert.Equal(t, "→", TrendFlat.Arrow())
	assert.Equal(t, "?", TrendNotComputable.Arrow())
	assert.Equal(t, "-", TrendUnknown.Arrow())
}

func TestUnitConversion(t *testing.T) {
	tests := []struct {
		name     string
		mgdl     float64
		expected float64
	}{
		{"100 mg/dL", 100, 5.55},
		{"180 mg/dL", 180, 9.99},
		{"70 mg/dL", 70, 3.89},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, ToMmol(tt.mgdl), 0.01)
			assert.InDelta(t, tt.mgdl, ToMgdl(ToMmol(tt.mgdl)), 1e-9)
		})
	}

	assert.InDelta(t, 5.55, InMmol(100, UnitMgdl), 0.01)
	assert.Equal(t, 5.5, InMmol(5.5, UnitMmol))
}

func TestParseUnit(t *testing.T) {
	u, ok := ParseUnit("mg/dl")
	assert.True(t, ok)
	assert.Equal(t, UnitMgdl, u)

	u, ok = ParseUnit("mmol")
	assert.True(t, ok)
	assert.Equal(t, UnitMmol, u)

	_, ok = ParseUnit("furlongs")
	assert.False(t, ok)
}

func TestRound1(t *testing.T) {
	assert.Equal(t, 0.3, Round1(0.29999))
	assert.Equal(t, -0.2, Round1(-0.24))
}
