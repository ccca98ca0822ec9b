package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProfileSchedule_Validation(t *testing.T) {
	tests := []struct {
		name    string
		entries []ScheduleEntry
	}{
		{"empty", nil},
		{"not increasing", []ScheduleEntry{{Offset: time.Hour, Rate: 1}, {Offset: time.Hour, Rate: 2}}},
		{"past midnight", []ScheduleEntry{{Offset: 24 * time.Hour, Rate: 1}}},
		{"negative rate", []ScheduleEntry{{Offset: 0, Rate: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProfileSchedule(tt.entries)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRecord))
		})
	}
}

func TestProfileSchedule_RateAt(t *testing.T) {
	p, err := NewProfileSchedule([]ScheduleEntry{
		{Offset: 2 * time.Hour, Rate: 0.7},
		{Offset: 6 * time.Hour, Rate: 1.0},
		{Offset: 22 * time.Hour, Rate: 0.9},
	})
	require.NoError(t, err)

	assert.Equal(t, 0.9, p.RateAt(time.Hour), "before first entry wraps to last")
	assert.Equal(t, 0.7, p.RateAt(2*time.Hour))
	assert.Equal(t, 0.7, p.RateAt(5*time.Hour+59*time.Minute))
	assert.Equal(t, 1.0, p.RateAt(6*time.Hour))
	assert.Equal(t, 0.9, p.RateAt(23*time.Hour+59*time.Minute))
	assert.Equal(t, 0.7, p.RateAt(26*time.Hour), "offsets wrap at midnight")
}

func TestParseProfile(t *testing.T) {
	doc := Record{
		"defaultProfile": "Default",
		"store": map[string]any{
			"Default": map[string]any{
				"units":    "mg/dl",
				"timezone": "Europe/Vienna",
				"basal": []any{
					map[string]any{"time": "06:00", "value": 1.0},
					map[string]any{"timeAsSeconds": 0.0, "value": 0.8},
				},
				"target_low":  []any{map[string]any{"time": "00:00", "value": 72.0}},
				"target_high": []any{map[string]any{"time": "00:00", "value": 180.0}},
			},
		},
	}

	prof, err := ParseProfile(doc)
	require.NoError(t, err)

	entries := prof.Schedule.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, time.Duration(0), entries[0].Offset)
	assert.Equal(t, 6*time.Hour, entries[1].Offset)
	assert.Equal(t, "Europe/Vienna", prof.Timezone)
	assert.True(t, prof.HasTarget)
	assert.InDelta(t, 4.0, prof.TargetLow, 0.01)
	assert.InDelta(t, 9.99, prof.TargetHigh, 0.01)
}

func TestParseProfile_CombinedTarget(t *testing.T) {
	doc := Record{
		"defaultProfile": "p",
		"store": map[string]any{
			"p": map[string]any{
				"units":  "mmol",
				"basal":  []any{map[string]any{"timeAsSeconds": 0, "value": 0.5}},
				"target": []any{map[string]any{"low": 4.5, "high": 8.0}},
			},
		},
	}

	prof, err := ParseProfile(doc)
	require.NoError(t, err)
	assert.Equal(t, 4.5, prof.TargetLow)
	assert.Equal(t, 8.0, prof.TargetHigh)
}

func TestParseProfile_Malformed(t *testing.T) {
	_, err := ParseProfile(Record{"defaultProfile": "x"})
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = ParseProfile(Record{
		"defaultProfile": "x",
		"store":          map[string]any{"x": map[string]any{"basal": []any{map[string]any{"value": 1.0}}}},
	})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}
