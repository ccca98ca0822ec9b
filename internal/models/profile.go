package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ScheduleEntry is one basal segment, starting at Offset after local midnight
type ScheduleEntry struct {
	Offset time.Duration `json:"offset"`
	Rate   float64       `json:"rate"` // U/h
}

// ProfileSchedule is a daily basal schedule. Offsets are strictly increasing
// and the last entry holds until the midnight wrap.
type ProfileSchedule struct {
	entries []ScheduleEntry
}

// NewProfileSchedule validates entries and builds a schedule
func NewProfileSchedule(entries []ScheduleEntry) (*ProfileSchedule, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("empty basal schedule: %w", ErrMalformedRecord)
	}
	for i, e := range entries {
		if e.Offset < 0 || e.Offset >= day {
			return nil, fmt.Errorf("basal offset %s out of range: %w", e.Offset, ErrMalformedRecord)
		}
		if e.Rate < 0 {
			return nil, fmt.Errorf("negative basal rate %.3f: %w", e.Rate, ErrMalformedRecord)
		}
		if i > 0 && e.Offset <= entries[i-1].Offset {
			return nil, fmt.Errorf("basal offsets not strictly increasing at %s: %w", e.Offset, ErrMalformedRecord)
		}
	}
	return &ProfileSchedule{entries: append([]ScheduleEntry(nil), entries...)}, nil
}

// Entries returns a copy of the schedule entries
func (p *ProfileSchedule) Entries() []ScheduleEntry {
	return append([]ScheduleEntry(nil), p.entries...)
}

// RateAt returns the scheduled rate at a time-of-day offset. Offsets before the
// first entry belong to the last entry of the previous day.
func (p *ProfileSchedule) RateAt(sinceMidnight time.Duration) float64 {
	sinceMidnight %= day
	if sinceMidnight < 0 {
		sinceMidnight += day
	}
	i := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].Offset > sinceMidnight
	})
	if i == 0 {
		return p.entries[len(p.entries)-1].Rate
	}
	return p.entries[i-1].Rate
}

// Profile is the subset of the Nightscout profile document the chart uses
type Profile struct {
	Schedule   *ProfileSchedule
	Units      Unit
	TargetLow  float64 // mmol/L
	TargetHigh float64 // mmol/L
	HasTarget  bool
	Timezone   string
}

// ParseProfile reads the default profile out of a profile.json document
func ParseProfile(doc Record) (*Profile, error) {
	storeName, _ := doc.String("defaultProfile")
	stores, ok := doc.Map("store")
	if !ok {
		return nil, fmt.Errorf("profile has no store: %w", ErrMalformedRecord)
	}
	store, ok := stores.Map(storeName)
	if !ok {
		return nil, fmt.Errorf("profile store %q missing: %w", storeName, ErrMalformedRecord)
	}

	entries, err := parseBasal(store["basal"])
	if err != nil {
		return nil, err
	}
	schedule, err := NewProfileSchedule(entries)
	if err != nil {
		return nil, err
	}

	prof := &Profile{Schedule: schedule, Units: UnitMgdl}
	if u, ok := store.String("units"); ok {
		if unit, ok := ParseUnit(u); ok {
			prof.Units = unit
		}
	} else if u, ok := doc.String("units"); ok {
		if unit, ok := ParseUnit(u); ok {
			prof.Units = unit
		}
	}
	prof.Timezone, _ = store.String("timezone")

	low, okLow := firstTargetValue(store, "low", "target_low", "targets", "targetLower")
	high, okHigh := firstTargetValue(store, "high", "target_high", "targetUpper")
	if okLow && okHigh {
		prof.TargetLow = InMmol(low, prof.Units)
		prof.TargetHigh = InMmol(high, prof.Units)
		prof.HasTarget = true
	}
	return prof, nil
}

func parseBasal(raw any) ([]ScheduleEntry, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("profile has no basal list: %w", ErrMalformedRecord)
	}
	entries := make([]ScheduleEntry, 0, len(list))
	for _, item := range list {
		seg, ok := asRecord(item)
		if !ok {
			return nil, fmt.Errorf("basal segment is not an object: %w", ErrMalformedRecord)
		}
		rate, ok := seg.Number("value", "rate")
		if !ok {
			return nil, fmt.Errorf("basal segment without value: %w", ErrMalformedRecord)
		}
		offset, err := segmentOffset(seg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ScheduleEntry{Offset: offset, Rate: rate})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return entries, nil
}

func segmentOffset(seg Record) (time.Duration, error) {
	if secs, ok := seg.Number("timeAsSeconds"); ok {
		return time.Duration(secs) * time.Second, nil
	}
	hhmm, ok := seg.String("time")
	if !ok {
		return 0, fmt.Errorf("basal segment without start time: %w", ErrMalformedRecord)
	}
	h, m, found := strings.Cut(hhmm, ":")
	hours, errH := strconv.Atoi(h)
	minutes := 0
	var errM error
	if found {
		minutes, errM = strconv.Atoi(m)
	}
	if errH != nil || errM != nil {
		return 0, fmt.Errorf("basal time %q: %w", hhmm, ErrMalformedRecord)
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
}

// firstTargetValue reads the first element of a target list; elements may be
// bare numbers or {value} objects. A combined "target" list of {low, high} is
// consulted last using field.
func firstTargetValue(store Record, field string, keys ...string) (float64, bool) {
	for _, k := range keys {
		list, ok := store[k].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		if seg, ok := asRecord(list[0]); ok {
			if v, ok := seg.Number("value"); ok {
				return v, true
			}
			continue
		}
		if v, ok := toNumber(list[0]); ok {
			return v, true
		}
	}
	if list, ok := store["target"].([]any); ok && len(list) > 0 {
		if seg, ok := asRecord(list[0]); ok {
			return seg.Number(field)
		}
	}
	return 0, false
}

func asRecord(v any) (Record, bool) {
	switch m := v.(type) {
	case Record:
		return m, true
	case map[string]any:
		return Record(m), true
	}
	return nil, false
}
