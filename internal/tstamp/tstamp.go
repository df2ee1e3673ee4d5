// Package tstamp converts between the document store's structured
// timestamp representation and time.Time.
//
// A structured timestamp is stored inside a document as
// {"seconds": N, "nanos": N}. Legacy documents may still carry date
// fields as RFC3339 strings; readers tolerate both, and the store's
// date-field migration rewrites the stragglers.
package tstamp

import (
	"encoding/json"
	"time"
)

// Timestamp is the store-native point-in-time representation.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

func FromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

// Fields returns the document representation of the timestamp.
func (ts Timestamp) Fields() map[string]any {
	return map[string]any{
		"seconds": ts.Seconds,
		"nanos":   int64(ts.Nanos),
	}
}

// Coerce attempts to interpret an arbitrary document value as a
// timestamp. It accepts structured maps (as decoded from JSON),
// Timestamp values, time.Time, and date strings. It reports false for
// anything it cannot interpret and never panics.
func Coerce(value any) (Timestamp, bool) {
	switch v := value.(type) {
	case nil:
		return Timestamp{}, false
	case Timestamp:
		return v, true
	case *Timestamp:
		if v == nil {
			return Timestamp{}, false
		}
		return *v, true
	case time.Time:
		return FromTime(v), true
	case *time.Time:
		if v == nil {
			return Timestamp{}, false
		}
		return FromTime(*v), true
	case map[string]any:
		seconds, ok := asInt64(v["seconds"])
		if !ok {
			return Timestamp{}, false
		}
		nanos, _ := asInt64(v["nanos"])
		return Timestamp{Seconds: seconds, Nanos: int32(nanos)}, true
	case string:
		if t, err := parseDateString(v); err == nil {
			return FromTime(t), true
		}
		return Timestamp{}, false
	default:
		return Timestamp{}, false
	}
}

// IsStructured reports whether a document value already holds the
// structured timestamp shape. String and other legacy representations
// report false.
func IsStructured(value any) bool {
	switch v := value.(type) {
	case Timestamp, *Timestamp:
		return true
	case map[string]any:
		_, ok := asInt64(v["seconds"])
		return ok
	default:
		return false
	}
}

// ToTime materializes a required date field. Missing or
// uninterpretable values default to the current time.
func ToTime(value any) time.Time {
	if ts, ok := Coerce(value); ok {
		return ts.Time()
	}
	return time.Now().UTC()
}

// ToTimeOpt materializes an optional date field. Missing or
// uninterpretable values stay nil.
func ToTimeOpt(value any) *time.Time {
	ts, ok := Coerce(value)
	if !ok {
		return nil
	}
	t := ts.Time()
	return &t
}

// ToRemote converts a native date or date-like value into the
// structured representation for a write. Uninterpretable input falls
// back to the current time so a write never carries a malformed date.
func ToRemote(value any) Timestamp {
	if ts, ok := Coerce(value); ok {
		return ts
	}
	return FromTime(time.Now().UTC())
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDateString(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	default:
		return 0, false
	}
}
