package derive

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-chart/internal/models"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newDeriver() *Deriver {
	return NewDeriver(DefaultConfig(), NewSensorAgeCache(), zerolog.Nop())
}

func TestExponentialCurve(t *testing.T) {
	c := ExponentialCurve{HalfLife: time.Hour, DIA: 5 * time.Hour}
	assert.Equal(t, 1.0, c.Remaining(0))
	assert.InDelta(t, 0.5, c.Remaining(time.Hour), 1e-9)
	assert.InDelta(t, 0.25, c.Remaining(2*time.Hour), 1e-9)
	assert.Zero(t, c.Remaining(5*time.Hour+time.Minute))
	assert.Zero(t, c.Remaining(-time.Minute))
}

func TestBilinearCurve(t *testing.T) {
	c := BilinearCurve{Peak: 75 * time.Minute, DIA: 5 * time.Hour}
	assert.Equal(t, 1.0, c.Remaining(0))
	assert.InDelta(t, 0.9, c.Remaining(75*time.Minute), 1e-9)
	assert.InDelta(t, 0.45, c.Remaining(75*time.Minute+(225*time.Minute)/2), 1e-9)
	assert.Zero(t, c.Remaining(5*time.Hour))
}

func TestIOB_Upstream(t *testing.T) {
	d := newDeriver()

	tests := []struct {
		name     string
		status   models.Record
		expected models.IOB
		source   string
	}{
		{
			name:     "loop total and basal",
			status:   models.Record{"loop": map[string]any{"iob": map[string]any{"iob": 2.5, "basaliob": 0.5}}},
			expected: models.IOB{Total: 2.5, Bolus: 2.0, Basal: 0.5, HasBasal: true},
			source:   "devicestatus",
		},
		{
			name: "openaps list, consistent breakdown",
			status: models.Record{"openaps": map[string]any{"iob": []any{
				map[string]any{"iob": 1.2, "basal_iob": 0.2, "bolusiob": 1.01},
			}}},
			expected: models.IOB{Total: 1.2, Bolus: 1.01, Basal: 0.2, HasBasal: true},
			source:   "devicestatus",
		},
		{
			name:     "top level number",
			status:   models.Record{"iob": 0.8},
			expected: models.IOB{Total: 0.8, Bolus: 0.8},
			source:   "devicestatus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := d.IOB(Inputs{Now: now, Status: tt.status})
			require.True(t, f.Ok())
			assert.Equal(t, tt.source, f.Source)
			assert.InDelta(t, tt.expected.Total, f.Value.Total, 1e-9)
			assert.InDelta(t, tt.expected.Bolus, f.Value.Bolus, 1e-9)
			assert.InDelta(t, tt.expected.Basal, f.Value.Basal, 1e-9)
			assert.Equal(t, tt.expected.HasBasal, f.Value.HasBasal)
		})
	}
}

func TestIOB_InconsistentUpstreamFallsBackToComputed(t *testing.T) {
	d := newDeriver()
	status := models.Record{"loop": map[string]any{"iob": map[string]any{"iob": 3.0, "basaliob": 0.5, "bolusiob": 1.0}}}
	treatments := []models.Treatment{{Time: now.Add(-time.Hour), Kind: models.KindBolus, Amount: 4}}

	f := d.IOB(Inputs{Now: now, Status: status, Treatments: treatments, HaveTreatments: true})
	require.True(t, f.Ok())
	assert.Equal(t, "computed", f.Source)
	assert.InDelta(t, 2.0, f.Value.Bolus, 1e-9)
	assert.False(t, f.Value.HasBasal)
}

func TestIOB_Computed(t *testing.T) {
	d := newDeriver()
	treatments := []models.Treatment{
		{Time: now.Add(-time.Hour), Kind: models.KindBolus, Amount: 2},
		{Time: now.Add(-2 * time.Hour), Kind: models.KindBolus, Amount: 0.4, SMB: true},
		{Time: now.Add(-6 * time.Hour), Kind: models.KindBolus, Amount: 10},
		{Time: now.Add(time.Hour), Kind: models.KindBolus, Amount: 10},
		{Time: now.Add(-time.Hour), Kind: models.KindCarbs, Amount: 30},
	}
	basal := make([]models.BasalSample, 0, 60)
	for i := 0; i < 60; i++ {
		at := now.Add(-time.Duration(60-i) * time.Minute)
		basal = append(basal, models.BasalSample{Time: at, Scheduled: 1.0, Effective: 2.0, Deviation: true})
	}

	f := d.IOB(Inputs{Now: now, Treatments: treatments, HaveTreatments: true, Basal: basal})
	require.True(t, f.Ok())
	assert.InDelta(t, 1.1, f.Value.Bolus, 1e-9)
	assert.True(t, f.Value.HasBasal)
	assert.Greater(t, f.Value.Basal, 0.6)
	assert.Less(t, f.Value.Basal, 1.0)
	assert.InDelta(t, f.Value.Bolus+f.Value.Basal, f.Value.Total, 0.011)
}

func TestIOB_Unavailable(t *testing.T) {
	f := newDeriver().IOB(Inputs{Now: now})
	assert.Equal(t, models.Unavailable, f.State)
}

func TestCOB_ResolutionOrder(t *testing.T) {
	d := newDeriver()
	carbs := []models.Treatment{{Time: now.Add(-90 * time.Minute), Kind: models.KindCarbs, Amount: 40}}

	tests := []struct {
		name       string
		status     models.Record
		statusTime time.Time
		treatments []models.Treatment
		have       bool
		expected   float64
		source     string
		state      models.Availability
	}{
		{
			name:     "loop cob object",
			status:   models.Record{"loop": map[string]any{"cob": map[string]any{"grams": 12.0}}},
			expected: 12, source: "loop.cob", state: models.Available,
		},
		{
			name:     "openaps suggested COB",
			status:   models.Record{"openaps": map[string]any{"suggested": map[string]any{"COB": 7.0}}},
			expected: 7, source: "loop.suggested", state: models.Available,
		},
		{
			name:     "top level",
			status:   models.Record{"cob": map[string]any{"cob": 3.0}},
			expected: 3, source: "status.cob", state: models.Available,
		},
		{
			name: "deep search",
			status: models.Record{"openaps": map[string]any{
				"enacted": map[string]any{"mealData": map[string]any{"cob": 18.0}},
			}},
			expected: 18, source: "loop.deep", state: models.Available,
		},
		{
			name:       "stale status falls through to treatments",
			status:     models.Record{"loop": map[string]any{"cob": 50.0}},
			statusTime: now.Add(-2 * time.Hour),
			treatments: carbs, have: true,
			expected: 20, source: "treatments", state: models.Available,
		},
		{
			name:       "fresh status wins over treatments",
			status:     models.Record{"loop": map[string]any{"cob": 50.0}},
			statusTime: now.Add(-5 * time.Minute),
			treatments: carbs, have: true,
			expected: 50, source: "loop.cob", state: models.Available,
		},
		{
			name:  "nothing available",
			state: models.Unavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := d.COB(Inputs{
				Now: now, Status: tt.status, StatusTime: tt.statusTime,
				Treatments: tt.treatments, HaveTreatments: tt.have,
			})
			assert.Equal(t, tt.state, f.State)
			if tt.state == models.Available {
				assert.InDelta(t, tt.expected, f.Value, 1e-9)
				assert.Equal(t, tt.source, f.Source)
			}
		})
	}
}

func TestCOB_SatisfiedCarbsAreIgnored(t *testing.T) {
	f := newDeriver().COB(Inputs{
		Now:            now,
		Treatments:     []models.Treatment{{Time: now.Add(-4 * time.Hour), Kind: models.KindCarbs, Amount: 60}},
		HaveTreatments: true,
	})
	require.True(t, f.Ok())
	assert.Zero(t, f.Value)
}

func TestSensorAge_DeviceStatus(t *testing.T) {
	status := models.Record{"pump": map[string]any{"extended": map[string]any{"SAGE": "4320"}}}
	f := newDeriver().SensorAge(Inputs{Now: now, Status: status})
	require.True(t, f.Ok())
	assert.Equal(t, 72.0, f.Value)
	assert.Equal(t, "devicestatus", f.Source)
}

func TestSensorAge_UnavailableWithoutSources(t *testing.T) {
	f := newDeriver().SensorAge(Inputs{Now: now, HaveTreatments: true})
	assert.Equal(t, models.Unavailable, f.State)
	assert.Zero(t, f.Value)
}

func TestSensorAge_TreatmentLog(t *testing.T) {
	f := newDeriver().SensorAge(Inputs{
		Now: now,
		Treatments: []models.Treatment{
			{Time: now.Add(-30 * time.Hour), Kind: models.KindSensorChange},
			{Time: now.Add(-10 * time.Hour), Kind: models.KindSensorChange},
		},
		HaveTreatments: true,
	})
	require.True(t, f.Ok())
	assert.InDelta(t, 10.0, f.Value, 1e-9)
}

func TestSensorAge_CacheAvoidsLookup(t *testing.T) {
	d := newDeriver()
	calls := 0
	lookup := func() (time.Time, bool) {
		calls++
		return now.Add(-48 * time.Hour), true
	}

	for i := 0; i < 3; i++ {
		f := d.SensorAge(Inputs{Now: now.Add(time.Duration(i) * 5 * time.Minute), SensorKey: "dev", LookupSensorChange: lookup})
		require.True(t, f.Ok())
	}
	assert.Equal(t, 1, calls)

	f := d.SensorAge(Inputs{
		Now:                now,
		SensorKey:          "dev",
		LookupSensorChange: lookup,
		Treatments:         []models.Treatment{{Time: now.Add(-time.Hour), Kind: models.KindSensorChange}},
		HaveTreatments:     true,
	})
	require.True(t, f.Ok())
	assert.Equal(t, 2, calls, "newer sensor change invalidates the entry")
	assert.InDelta(t, 1.0, f.Value, 1e-9)
}

func TestSensorAgeCache_GetOrRecompute(t *testing.T) {
	c := NewSensorAgeCache()
	old := now.Add(-72 * time.Hour)
	newer := now.Add(-2 * time.Hour)

	got, ok, err := c.GetOrRecompute("a", time.Time{}, func() (time.Time, bool) { return old, true })
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, old, got)

	got, ok, err = c.GetOrRecompute("a", newer, func() (time.Time, bool) { return time.Time{}, false })
	assert.True(t, errors.Is(err, models.ErrStaleCache))
	assert.True(t, ok)
	assert.Equal(t, newer, got)

	cached, _ := c.Get("a")
	assert.Equal(t, newer, cached)

	_, ok, err = c.GetOrRecompute("b", time.Time{}, nil)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestTempBasal(t *testing.T) {
	tests := []struct {
		name       string
		treatments []models.Treatment
		active     bool
		kind       models.TreatmentKind
		remaining  time.Duration
	}{
		{
			name: "active percent",
			treatments: []models.Treatment{
				{Time: now.Add(-8 * time.Minute), Kind: models.KindTempBasalPercent, Amount: 130, Duration: 30 * time.Minute},
			},
			active: true, kind: models.KindTempBasalPercent, remaining: 22 * time.Minute,
		},
		{
			name: "latest start wins",
			treatments: []models.Treatment{
				{Time: now.Add(-20 * time.Minute), Kind: models.KindTempBasalPercent, Amount: 130, Duration: time.Hour},
				{Time: now.Add(-5 * time.Minute), Kind: models.KindTempBasalAbsolute, Amount: 0.6, Duration: 30 * time.Minute},
			},
			active: true, kind: models.KindTempBasalAbsolute, remaining: 25 * time.Minute,
		},
		{
			name: "elapsed equals duration",
			treatments: []models.Treatment{
				{Time: now.Add(-30 * time.Minute), Kind: models.KindTempBasalAbsolute, Amount: 0.6, Duration: 30 * time.Minute},
			},
		},
		{
			name: "zero duration",
			treatments: []models.Treatment{
				{Time: now, Kind: models.KindTempBasalAbsolute, Amount: 0.6},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := TempBasal(Inputs{Now: now, Treatments: tt.treatments, HaveTreatments: true})
			require.True(t, f.Ok())
			if !tt.active {
				assert.Nil(t, f.Value)
				return
			}
			require.NotNil(t, f.Value)
			assert.Equal(t, tt.kind, f.Value.Kind)
			assert.Equal(t, tt.remaining, f.Value.Remaining)
		})
	}

	assert.Equal(t, models.Unavailable, TempBasal(Inputs{Now: now}).State)
}

func TestDerive_VendorFeedIsNotApplicable(t *testing.T) {
	ctx := newDeriver().Derive(Inputs{Now: now, VendorFeed: true, HaveTreatments: true})
	assert.Equal(t, models.NotApplicable, ctx.IOB.State)
	assert.Equal(t, models.NotApplicable, ctx.COB.State)
	assert.Equal(t, models.NotApplicable, ctx.SensorAge.State)
	assert.Equal(t, models.NotApplicable, ctx.TempBasal.State)
	assert.Equal(t, models.NotApplicable, ctx.Device.Reservoir.State)
}

func TestDevice(t *testing.T) {
	dev := Device(models.Record{
		"pump":     map[string]any{"battery": map[string]any{"percent": 76.0}, "reservoir": 112.5},
		"uploader": map[string]any{"battery": 54.0},
	})
	assert.Equal(t, "76%", dev.PumpBattery.Value)
	assert.Equal(t, 112.5, dev.Reservoir.Value)
	assert.Equal(t, 54.0, dev.UploaderBattery.Value)

	empty := Device(nil)
	assert.Equal(t, models.Unavailable, empty.PumpBattery.State)
}

func TestTextFormatting(t *testing.T) {
	tb := models.Known(&models.TempBasalState{Kind: models.KindTempBasalAbsolute, Magnitude: 0.6, Remaining: 21*time.Minute + 10*time.Second}, "")
	assert.Equal(t, "Temp 0.60 U/h · 22 min", TempBasalText(tb))

	pct := models.Known(&models.TempBasalState{Kind: models.KindTempBasalPercent, Magnitude: 130, Remaining: 12 * time.Minute}, "")
	assert.Equal(t, "Temp 130% · 12 min", TempBasalText(pct))
	assert.Empty(t, TempBasalText(models.Known[*models.TempBasalState](nil, "")))

	assert.Equal(t, "Sensor 3d 4h", SensorAgeText(models.Known(76.5, "")))
	assert.Equal(t, "Sensor 5h", SensorAgeText(models.Known(5.2, "")))
	assert.Equal(t, "Sensor –", SensorAgeText(models.Missing[float64]()))

	assert.Equal(t, "Δ +0.3", DeltaText(models.Reading{Delta: 0.3, HasDelta: true}))
	assert.Equal(t, "Δ -1.2", DeltaText(models.Reading{Delta: -1.2, HasDelta: true}))
	assert.Equal(t, "COB 12 g", COBText(models.Known(12.0, "")))
	assert.Equal(t, "IOB 1.50 U", IOBText(models.Known(models.IOB{Total: 1.5}, "")))
}
