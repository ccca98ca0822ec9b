package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-chart/internal/models"
)

func cet(t *testing.T) *time.Location {
	t.Helper()
	// Fixed zone so the test does not depend on tzdata being installed
	return time.FixedZone("CET", 60*60)
}

func TestNormalize_Policies(t *testing.T) {
	naive := NaiveStamp(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	aware := AwareStamp(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	tests := []struct {
		name     string
		policy   Policy
		in       Stamp
		expected time.Time
	}{
		{
			name:     "naive assumed UTC, kept aware",
			policy:   Policy{AssumeNaiveUTC: true},
			in:       naive,
			expected: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name:     "naive read as local, kept aware",
			policy:   Policy{},
			in:       naive,
			expected: time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
		},
		{
			name:     "naive assumed UTC, converted to naive local",
			policy:   Policy{AssumeNaiveUTC: true, NaiveLocal: true},
			in:       naive,
			expected: time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
		},
		{
			name:     "aware with drift offset",
			policy:   Policy{OffsetMinutes: -5},
			in:       aware,
			expected: time.Date(2024, 3, 1, 11, 55, 0, 0, time.UTC),
		},
		{
			name:     "aware with offset then naive local",
			policy:   Policy{OffsetMinutes: 30, NaiveLocal: true},
			in:       aware,
			expected: time.Date(2024, 3, 1, 13, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.policy.Location = cet(t)
			n := NewNormalizer(tt.policy)
			out := n.Normalize(tt.in)
			assert.Equal(t, Normalized, out.Awareness)
			assert.True(t, tt.expected.Equal(out.T), "got %s want %s", out.T, tt.expected)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	policies := []Policy{
		{AssumeNaiveUTC: true},
		{AssumeNaiveUTC: true, OffsetMinutes: 17, NaiveLocal: true},
		{OffsetMinutes: -45},
		{NaiveLocal: true},
	}
	inputs := []Stamp{
		NaiveStamp(time.Date(2024, 10, 27, 1, 30, 0, 0, time.UTC)),
		AwareStamp(time.Date(2024, 3, 31, 2, 15, 0, 0, time.UTC)),
		FromMillis(1700000000000),
	}

	for _, p := range policies {
		p.Location = cet(t)
		n := NewNormalizer(p)
		for _, in := range inputs {
			once := n.Normalize(in)
			twice := n.Normalize(once)
			assert.Equal(t, once, twice)
		}
	}
}

func TestNormalizer_Now(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := NewNormalizer(Policy{NaiveLocal: true, Location: cet(t)}, WithClock(func() time.Time { return fixed }))
	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), n.Now())
}

func TestNormalizer_TimeOfDay(t *testing.T) {
	loc := cet(t)
	aware := NewNormalizer(Policy{Location: loc})
	assert.Equal(t, 7*time.Hour+15*time.Minute, aware.TimeOfDay(time.Date(2024, 3, 1, 6, 15, 0, 0, time.UTC)))

	naiveLocal := NewNormalizer(Policy{NaiveLocal: true, Location: loc})
	assert.Equal(t, 6*time.Hour+15*time.Minute, naiveLocal.TimeOfDay(time.Date(2024, 3, 1, 6, 15, 0, 0, time.UTC)))
}

func TestParseStamp(t *testing.T) {
	tests := []struct {
		name      string
		in        any
		awareness Awareness
		expected  time.Time
	}{
		{"rfc3339 zulu", "2024-03-01T12:00:00.000Z", Aware, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"compact offset", "2024-03-01T13:00:00.000+0100", Aware, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"naive", "2024-03-01T12:00:00", Naive, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"epoch millis", float64(1709294400000), Aware, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseStamp(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.awareness, s.Awareness)
			assert.True(t, tt.expected.Equal(s.T), "got %s", s.T)
		})
	}

	_, err := ParseStamp("yesterday")
	assert.ErrorIs(t, err, models.ErrMalformedRecord)
	_, err = ParseStamp(true)
	assert.ErrorIs(t, err, models.ErrMalformedRecord)
}

func TestNormalizer_RecordTime(t *testing.T) {
	n := NewNormalizer(Policy{AssumeNaiveUTC: true})

	got, err := n.RecordTime(models.Record{"created_at": "2024-03-01T12:00:00Z", "mills": 1.0})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), got)

	got, err = n.RecordTime(models.Record{"created_at": "garbage", "date": float64(1709294400000)})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), got)

	_, err = n.RecordTime(models.Record{"sgv": 100.0})
	assert.ErrorIs(t, err, models.ErrMalformedRecord)
}

func TestParsePosition_AppliesNoPolicy(t *testing.T) {
	n := NewNormalizer(Policy{OffsetMinutes: 10, NaiveLocal: true, Location: cet(t)})
	onTimeline := n.Time(FromMillis(time.Date(2024, 3, 1, 11, 25, 0, 0, time.UTC).UnixMilli()))

	for _, v := range []any{onTimeline.UnixMilli(), onTimeline.Format(time.RFC3339), onTimeline.Format("2006-01-02T15:04:05")} {
		got, err := ParsePosition(v)
		require.NoError(t, err)
		assert.True(t, got.Equal(onTimeline), "%v resolved to %s", v, got)
	}

	_, err := ParsePosition("yesterday")
	assert.ErrorIs(t, err, models.ErrMalformedRecord)
}
