// Package timeline puts every upstream timestamp on one consistent timeline
package timeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-chart/internal/models"
)

// Awareness records what is known about a timestamp's zone
type Awareness int

const (
	// Naive stamps carry wall-clock fields with no zone
	Naive Awareness = iota
	// Aware stamps are absolute instants
	Aware
	// Normalized stamps have already passed through a Normalizer
	Normalized
)

// Stamp is a timestamp tagged with its awareness. Naive stamps store their
// wall-clock fields in time.UTC.
type Stamp struct {
	T         time.Time
	Awareness Awareness
}

// NaiveStamp wraps wall-clock fields that carry no zone
func NaiveStamp(t time.Time) Stamp {
	return Stamp{T: wall(t, time.UTC), Awareness: Naive}
}

// AwareStamp wraps an absolute instant
func AwareStamp(t time.Time) Stamp {
	return Stamp{T: t, Awareness: Aware}
}

// Policy is the timezone policy applied to every timestamp in a refresh
type Policy struct {
	// AssumeNaiveUTC attaches UTC to naive input, otherwise naive input is
	// read as Location civil time.
	AssumeNaiveUTC bool
	// OffsetMinutes is added after zone resolution to compensate for drift
	OffsetMinutes int
	// NaiveLocal shifts the result to Location civil time and drops the zone
	NaiveLocal bool
	// Location is the civil timezone; nil means time.Local
	Location *time.Location
	// Trace logs every conversion decision at debug level
	Trace bool
}

// Normalizer applies one Policy
type Normalizer struct {
	policy Policy
	loc    *time.Location
	clock  func() time.Time
	log    zerolog.Logger
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithClock replaces time.Now, for tests and replays
func WithClock(clock func() time.Time) Option {
	return func(n *Normalizer) { n.clock = clock }
}

// WithLogger sets the logger used for conversion traces
func WithLogger(l zerolog.Logger) Option {
	return func(n *Normalizer) { n.log = l }
}

// NewNormalizer creates a normalizer for policy
func NewNormalizer(policy Policy, opts ...Option) *Normalizer {
	loc := policy.Location
	if loc == nil {
		loc = time.Local
	}
	n := &Normalizer{
		policy: policy,
		loc:    loc,
		clock:  time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Policy returns the policy in force
func (n *Normalizer) Policy() Policy {
	return n.policy
}

// Location returns the civil timezone used by the policy
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Normalize resolves s onto the policy timeline. Normalized input is returned
// unchanged, so applying it twice is a no-op.
func (n *Normalizer) Normalize(s Stamp) Stamp {
	if s.Awareness == Normalized {
		return s
	}

	t := s.T
	if s.Awareness == Naive {
		if n.policy.AssumeNaiveUTC {
			t = wall(t, time.UTC)
		} else {
			t = wall(t, n.loc)
		}
	}
	if n.policy.OffsetMinutes != 0 {
		t = t.Add(time.Duration(n.policy.OffsetMinutes) * time.Minute)
	}
	if n.policy.NaiveLocal {
		t = wall(t.In(n.loc), time.UTC)
	} else {
		t = t.UTC()
	}

	out := Stamp{T: t, Awareness: Normalized}
	if n.policy.Trace {
		n.log.Debug().
			Time("in", s.T).
			Str("awareness", s.Awareness.String()).
			Bool("assume_utc", n.policy.AssumeNaiveUTC).
			Int("offset_min", n.policy.OffsetMinutes).
			Bool("naive_local", n.policy.NaiveLocal).
			Time("out", out.T).
			Msg("normalized timestamp")
	}
	return out
}

// Time normalizes s and returns the resulting instant
func (n *Normalizer) Time(s Stamp) time.Time {
	return n.Normalize(s).T
}

// Now returns the current time on the policy timeline
func (n *Normalizer) Now() time.Time {
	return n.Time(AwareStamp(n.clock()))
}

// Instant maps an absolute instant onto the policy timeline
func (n *Normalizer) Instant(t time.Time) time.Time {
	return n.Time(AwareStamp(t))
}

// TimeOfDay returns how far a normalized time is past civil midnight
func (n *Normalizer) TimeOfDay(t time.Time) time.Duration {
	if !n.policy.NaiveLocal {
		t = t.In(n.loc)
	}
	h, m, sec := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second + time.Duration(t.Nanosecond())
}

// Parse reads a timestamp from a string or epoch-milliseconds number
func (n *Normalizer) Parse(v any) (time.Time, error) {
	s, err := ParseStamp(v)
	if err != nil {
		return time.Time{}, err
	}
	return n.Time(s), nil
}

// RecordTime finds and normalizes a record's timestamp. String fields are
// preferred over epoch fields, as the upstream API fills them more reliably.
func (n *Normalizer) RecordTime(rec models.Record) (time.Time, error) {
	for _, key := range []string{"created_at", "timestamp", "dateString", "sysTime"} {
		if s, ok := rec.String(key); ok {
			if t, err := n.Parse(s); err == nil {
				return t, nil
			}
		}
	}
	if ms, ok := rec.Number("mills", "date"); ok && ms > 0 {
		return n.Time(FromMillis(int64(ms))), nil
	}
	return time.Time{}, fmt.Errorf("no usable timestamp: %w", models.ErrMalformedRecord)
}

var awareLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseStamp reads a timestamp without applying any policy
func ParseStamp(v any) (Stamp, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range awareLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return AwareStamp(t), nil
			}
		}
		for _, layout := range naiveLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return NaiveStamp(t), nil
			}
		}
		return Stamp{}, fmt.Errorf("unparseable timestamp %q: %w", s, models.ErrMalformedRecord)
	case float64:
		return FromMillis(int64(x)), nil
	case int64:
		return FromMillis(x), nil
	case int:
		return FromMillis(int64(x)), nil
	case time.Time:
		return AwareStamp(x), nil
	}
	return Stamp{}, fmt.Errorf("unsupported timestamp %T: %w", v, models.ErrMalformedRecord)
}

// ParsePosition reads a time that is already on a normalized timeline, such
// as a cursor position taken from a snapshot. No policy is applied.
func ParsePosition(v any) (time.Time, error) {
	s, err := ParseStamp(v)
	if err != nil {
		return time.Time{}, err
	}
	return s.T.UTC(), nil
}

// FromMillis wraps an epoch-milliseconds value
func FromMillis(ms int64) Stamp {
	return AwareStamp(time.UnixMilli(ms).UTC())
}

func (a Awareness) String() string {
	switch a {
	case Naive:
		return "naive"
	case Aware:
		return "aware"
	case Normalized:
		return "normalized"
	}
	return "unknown"
}

func wall(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
