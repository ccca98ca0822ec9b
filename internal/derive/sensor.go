package derive

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcode/nightscout-chart/internal/models"
)

// SensorAgeCache remembers the last resolved sensor change per device or
// session. Readers see a whole map published atomically; writers copy it.
type SensorAgeCache struct {
	mu      sync.Mutex
	entries atomic.Pointer[map[string]time.Time]
}

// NewSensorAgeCache creates an empty cache
func NewSensorAgeCache() *SensorAgeCache {
	c := &SensorAgeCache{}
	empty := map[string]time.Time{}
	c.entries.Store(&empty)
	return c
}

// Get returns the cached change time for key
func (c *SensorAgeCache) Get(key string) (time.Time, bool) {
	t, ok := (*c.entries.Load())[key]
	return t, ok
}

// GetOrRecompute returns the cached change time for key unless it is missing
// or older than observed, the newest SensorChange seen this refresh. In that
// case recompute runs and its result, or observed if newer, replaces the entry.
// The returned bool is false when no change time could be resolved.
func (c *SensorAgeCache) GetOrRecompute(key string, observed time.Time, recompute func() (time.Time, bool)) (time.Time, bool, error) {
	cached, hit := c.Get(key)
	if hit && !observed.After(cached) {
		return cached, true, nil
	}

	var staleErr error
	if hit {
		staleErr = models.ErrStaleCache
	}

	resolved, ok := time.Time{}, false
	if recompute != nil {
		resolved, ok = recompute()
	}
	if observed.After(resolved) {
		resolved, ok = observed, true
	}
	if !ok {
		return time.Time{}, false, staleErr
	}
	c.store(key, resolved)
	return resolved, true, staleErr
}

func (c *SensorAgeCache) store(key string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := maps.Clone(*c.entries.Load())
	next[key] = t
	c.entries.Store(&next)
}

// SensorAge reports hours since the current sensor was inserted. A sage or
// sensorage field in the devicestatus (minutes) wins; otherwise the sensor
// change time comes from the cache, refreshed from the treatment log and the
// dedicated lookup when a newer change is observed.
func (d *Deriver) SensorAge(in Inputs) models.Field[float64] {
	if in.Status != nil {
		if minutes, ok := in.Status.FindNumber(6, "sage", "sensorage"); ok && minutes >= 0 {
			if d.cfg.TraceAge {
				d.log.Debug().Float64("minutes", minutes).Msg("sensor age from devicestatus")
			}
			return models.Known(minutes/60, "devicestatus")
		}
	}

	observed := latestSensorChange(in.Treatments)
	key := in.SensorKey
	if key == "" {
		key = deviceKey(in.Status)
	}

	changed, ok, err := d.cache.GetOrRecompute(key, observed, func() (time.Time, bool) {
		if in.LookupSensorChange != nil {
			return in.LookupSensorChange()
		}
		return time.Time{}, false
	})
	if d.cfg.TraceAge {
		d.log.Debug().Str("key", key).Time("observed", observed).Time("changed", changed).
			Bool("resolved", ok).AnErr("cache", err).Msg("sensor age lookup")
	}
	if !ok {
		return models.Missing[float64]()
	}
	age := in.Now.Sub(changed)
	if age < 0 {
		age = 0
	}
	return models.Known(age.Hours(), "sensor change")
}

func latestSensorChange(treatments []models.Treatment) time.Time {
	var latest time.Time
	for _, t := range treatments {
		if t.Kind == models.KindSensorChange && t.Time.After(latest) {
			latest = t.Time
		}
	}
	return latest
}

func deviceKey(status models.Record) string {
	if status != nil {
		if dev, ok := status.String("device"); ok {
			return dev
		}
	}
	return "default"
}
