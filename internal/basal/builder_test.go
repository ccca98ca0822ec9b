package basal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-chart/internal/models"
	"github.com/mrcode/nightscout-chart/internal/timeline"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func utcClock() Clock {
	return timeline.NewNormalizer(timeline.Policy{Location: time.UTC})
}

func schedule(t *testing.T) *models.ProfileSchedule {
	t.Helper()
	s, err := models.NewProfileSchedule([]models.ScheduleEntry{
		{Offset: 0, Rate: 0.8},
		{Offset: 6 * time.Hour, Rate: 1.0},
	})
	require.NoError(t, err)
	return s
}

func sampleAt(samples []models.BasalSample, at time.Time) models.BasalSample {
	for _, s := range samples {
		if s.Time.Equal(at) {
			return s
		}
	}
	return models.BasalSample{}
}

func TestBuild_PercentTempScenario(t *testing.T) {
	temp := models.Treatment{
		Time:     day.Add(6*time.Hour + 30*time.Minute),
		Kind:     models.KindTempBasalPercent,
		Amount:   150,
		Duration: 30 * time.Minute,
	}

	samples, err := Build(schedule(t), day.Add(4*time.Hour), day.Add(8*time.Hour), []models.Treatment{temp}, utcClock())
	require.NoError(t, err)
	require.Len(t, samples, 240)

	at645 := sampleAt(samples, day.Add(6*time.Hour+45*time.Minute))
	assert.Equal(t, 1.0, at645.Scheduled)
	assert.InDelta(t, 1.5, at645.Effective, 1e-9)
	assert.True(t, at645.Deviation)

	at500 := sampleAt(samples, day.Add(5*time.Hour))
	assert.Equal(t, 0.8, at500.Scheduled)
	assert.Equal(t, 0.8, at500.Effective)
	assert.False(t, at500.Deviation)

	assert.False(t, sampleAt(samples, day.Add(7*time.Hour)).Deviation, "temp ends before 07:00")
	assert.True(t, sampleAt(samples, day.Add(6*time.Hour+59*time.Minute)).Deviation)
}

func TestBuild_GaplessAndMonotonic(t *testing.T) {
	windows := []struct {
		start, end time.Time
	}{
		{day, day.Add(time.Hour)},
		{day.Add(23 * time.Hour), day.Add(25 * time.Hour)},
		{day.Add(90 * time.Second), day.Add(6 * time.Hour)},
	}

	for _, w := range windows {
		samples, err := Build(schedule(t), w.start, w.end, nil, utcClock())
		require.NoError(t, err)
		require.NotEmpty(t, samples)
		assert.Equal(t, int(w.end.Sub(w.start.Truncate(time.Minute))/time.Minute), len(samples))
		for i := 1; i < len(samples); i++ {
			assert.Equal(t, time.Minute, samples[i].Time.Sub(samples[i-1].Time))
		}
	}
}

func TestBuild_MidnightWrap(t *testing.T) {
	samples, err := Build(schedule(t), day.Add(23*time.Hour+58*time.Minute), day.Add(24*time.Hour+2*time.Minute), nil, utcClock())
	require.NoError(t, err)
	require.Len(t, samples, 4)
	midnight := day.Add(24 * time.Hour)
	for _, s := range samples {
		want := 0.8
		if s.Time.Before(midnight) {
			// the 06:00 entry holds until midnight
			want = 1.0
		}
		assert.Equal(t, want, s.Scheduled, "at %s", s.Time)
	}
}

func TestBuild_TempEdgeCases(t *testing.T) {
	start := day.Add(7 * time.Hour)
	end := start.Add(time.Hour)

	tests := []struct {
		name   string
		temps  []models.Treatment
		at     time.Time
		rate   float64
		active bool
	}{
		{
			name: "started before window still active at window start",
			temps: []models.Treatment{
				{Time: start.Add(-20 * time.Minute), Kind: models.KindTempBasalAbsolute, Amount: 0.4, Duration: 30 * time.Minute},
			},
			at:     start,
			rate:   0.4,
			active: true,
		},
		{
			name: "started before window ended before window",
			temps: []models.Treatment{
				{Time: start.Add(-40 * time.Minute), Kind: models.KindTempBasalAbsolute, Amount: 0.4, Duration: 30 * time.Minute},
			},
			at:   start,
			rate: 1.0,
		},
		{
			name: "zero duration covers only its start minute",
			temps: []models.Treatment{
				{Time: start.Add(10*time.Minute + 20*time.Second), Kind: models.KindTempBasalAbsolute, Amount: 2.0},
			},
			at:     start.Add(10 * time.Minute),
			rate:   2.0,
			active: true,
		},
		{
			name: "zero duration has no effect on the next minute",
			temps: []models.Treatment{
				{Time: start.Add(10 * time.Minute), Kind: models.KindTempBasalAbsolute, Amount: 2.0},
			},
			at:   start.Add(11 * time.Minute),
			rate: 1.0,
		},
		{
			name: "latest started wins on overlap",
			temps: []models.Treatment{
				{Time: start.Add(5 * time.Minute), Kind: models.KindTempBasalPercent, Amount: 50, Duration: time.Hour},
				{Time: start, Kind: models.KindTempBasalAbsolute, Amount: 3.0, Duration: time.Hour},
			},
			at:     start.Add(20 * time.Minute),
			rate:   0.5,
			active: true,
		},
		{
			name: "temp equal to schedule is not a deviation",
			temps: []models.Treatment{
				{Time: start, Kind: models.KindTempBasalPercent, Amount: 100, Duration: time.Hour},
			},
			at:   start.Add(30 * time.Minute),
			rate: 1.0,
		},
		{
			name: "non temp kinds are ignored",
			temps: []models.Treatment{
				{Time: start, Kind: models.KindBolus, Amount: 5, Duration: time.Hour},
			},
			at:   start.Add(30 * time.Minute),
			rate: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, err := Build(schedule(t), start, end, tt.temps, utcClock())
			require.NoError(t, err)
			s := sampleAt(samples, tt.at)
			assert.InDelta(t, tt.rate, s.Effective, 1e-9)
			assert.Equal(t, tt.active, s.Deviation)
		})
	}
}

func TestBuild_NoSchedule(t *testing.T) {
	_, err := Build(nil, day, day.Add(time.Hour), nil, utcClock())
	assert.ErrorIs(t, err, models.ErrDataUnavailable)
}

func TestBuild_EmptyWindow(t *testing.T) {
	samples, err := Build(schedule(t), day, day, nil, utcClock())
	require.NoError(t, err)
	assert.Empty(t, samples)
}
