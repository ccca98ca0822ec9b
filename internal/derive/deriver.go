package derive

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-chart/internal/models"
)

// Defaults for the derivation constants
const (
	DefaultDIA            = 300 * time.Minute
	DefaultHalfLife       = 60 * time.Minute
	DefaultCarbAbsorption = 180 * time.Minute
	DefaultCOBStaleAfter  = 45 * time.Minute
	DefaultIOBTolerance   = 0.05
)

// Config holds the derivation constants
type Config struct {
	Curve          Curve
	CarbAbsorption time.Duration
	// COBStaleAfter is how old a devicestatus may be before its COB is ignored
	COBStaleAfter time.Duration
	// IOBTolerance is how far bolus+basal may differ from total (U)
	IOBTolerance float64
	TraceAge     bool
}

// DefaultConfig returns the documented constants
func DefaultConfig() Config {
	return Config{
		Curve:          ExponentialCurve{HalfLife: DefaultHalfLife, DIA: DefaultDIA},
		CarbAbsorption: DefaultCarbAbsorption,
		COBStaleAfter:  DefaultCOBStaleAfter,
		IOBTolerance:   DefaultIOBTolerance,
	}
}

// Lookback is how far back treatments and basal samples influence IOB
func (c Config) Lookback() time.Duration {
	return c.Curve.Duration()
}

// Inputs is everything a refresh hands the derivers. All times are normalized.
type Inputs struct {
	Now time.Time
	// Status is the latest devicestatus, nil when unavailable
	Status     models.Record
	StatusTime time.Time
	// Treatments is the classified treatment log; HaveTreatments is false when
	// the fetch failed, as opposed to returning nothing.
	Treatments     []models.Treatment
	HaveTreatments bool
	// Basal covers at least the IOB lookback; nil without a profile
	Basal []models.BasalSample
	// SensorKey identifies the sensor-age cache entry
	SensorKey string
	// LookupSensorChange is the dedicated sensor change query, may be nil
	LookupSensorChange func() (time.Time, bool)
	// VendorFeed marks the direct vendor feed, which carries no context
	VendorFeed bool
}

// Deriver runs every context deriver over one set of inputs
type Deriver struct {
	cfg   Config
	cache *SensorAgeCache
	log   zerolog.Logger
}

// NewDeriver creates a deriver. The cache is owned by the caller and survives
// across refreshes.
func NewDeriver(cfg Config, cache *SensorAgeCache, log zerolog.Logger) *Deriver {
	if cache == nil {
		cache = NewSensorAgeCache()
	}
	return &Deriver{cfg: cfg, cache: cache, log: log}
}

// Config returns the derivation constants
func (d *Deriver) Config() Config {
	return d.cfg
}

// Derive computes a fresh DerivedContext. It never fails; fields that cannot
// be resolved are reported unavailable.
func (d *Deriver) Derive(in Inputs) models.DerivedContext {
	if in.VendorFeed {
		return models.DerivedContext{
			At:        in.Now,
			IOB:       models.Inapplicable[models.IOB](),
			COB:       models.Inapplicable[float64](),
			SensorAge: models.Inapplicable[float64](),
			TempBasal: models.Inapplicable[*models.TempBasalState](),
			Device: models.DeviceStatus{
				PumpBattery:     models.Inapplicable[string](),
				Reservoir:       models.Inapplicable[float64](),
				UploaderBattery: models.Inapplicable[float64](),
			},
		}
	}
	return models.DerivedContext{
		At:        in.Now,
		IOB:       d.IOB(in),
		COB:       d.COB(in),
		SensorAge: d.SensorAge(in),
		TempBasal: TempBasal(in),
		Device:    Device(in.Status),
	}
}
