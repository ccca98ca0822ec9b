package models

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Record is a decoded upstream JSON object. Vendors nest fields differently,
// so values are probed by key rather than bound to a fixed struct.
type Record map[string]any

// Number returns the first key holding a numeric value. Numeric strings are
// accepted, with a decimal comma treated as a decimal point.
func (r Record) Number(keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok {
			if f, ok := toNumber(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// String returns the first key holding a non-empty string.
func (r Record) String(keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := r[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Map returns the first key holding a nested object.
func (r Record) Map(keys ...string) (Record, bool) {
	for _, k := range keys {
		switch m := r[k].(type) {
		case Record:
			return m, true
		case map[string]any:
			return Record(m), true
		}
	}
	return nil, false
}

// Strings returns the string elements of a list-valued key.
func (r Record) Strings(key string) []string {
	list, ok := r[key].([]any)
	if !ok {
		if ss, ok := r[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// FindNumber walks nested objects and lists, checking each level before descending, and
// returns the first numeric value under any of the given keys (compared
// case-insensitively, siblings visited in key order). Search stops below maxDepth.
func (r Record) FindNumber(maxDepth int, keys ...string) (float64, bool) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[strings.ToLower(k)] = struct{}{}
	}
	return findNumber(map[string]any(r), want, 0, maxDepth)
}

func findNumber(v any, want map[string]struct{}, depth, maxDepth int) (float64, bool) {
	if depth > maxDepth {
		return 0, false
	}
	switch node := v.(type) {
	case Record:
		return findNumber(map[string]any(node), want, depth, maxDepth)
	case map[string]any:
		keys := slices.Sorted(maps.Keys(node))
		for _, k := range keys {
			if _, ok := want[strings.ToLower(k)]; !ok {
				continue
			}
			if f, ok := toNumber(node[k]); ok {
				return f, true
			}
		}
		for _, k := range keys {
			if f, ok := findNumber(node[k], want, depth+1, maxDepth); ok {
				return f, true
			}
		}
	case []any:
		for _, child := range node {
			if f, ok := findNumber(child, want, depth+1, maxDepth); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(n, ",", "."))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}
