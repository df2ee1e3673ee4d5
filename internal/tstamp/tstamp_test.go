package tstamp

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   any
	}{
		{name: "native time", in: time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)},
		{name: "iso string", in: "2025-06-01T10:30:00Z"},
		{name: "iso string with millis", in: "2025-06-01T10:30:00.000Z"},
		{name: "date only string", in: "2025-06-01"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote := ToRemote(tc.in)
			got := ToTime(remote.Fields())

			want, ok := Coerce(tc.in)
			if !ok {
				t.Fatalf("Coerce(%v) failed", tc.in)
			}
			if !got.Equal(want.Time()) {
				t.Fatalf("round trip = %v, want %v", got, want.Time())
			}
		})
	}
}

func TestRoundTripThroughJSON(t *testing.T) {
	// JSONB reads come back as map[string]any with float64 numbers.
	orig := time.Date(2025, 3, 12, 16, 10, 0, 0, time.UTC)
	raw, err := json.Marshal(FromTime(orig).Fields())
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	got := ToTime(decoded)
	if !got.Equal(orig) {
		t.Fatalf("json round trip = %v, want %v", got, orig)
	}
	if !IsStructured(decoded) {
		t.Fatal("decoded structured timestamp not recognized")
	}
}

func TestMissingAndMalformedNeverPanic(t *testing.T) {
	inputs := []any{
		nil,
		"",
		"not a date",
		42,
		true,
		[]string{"2025-06-01"},
		map[string]any{"unrelated": "value"},
	}

	for _, in := range inputs {
		before := time.Now()
		got := ToTime(in)
		if got.Before(before.Add(-time.Second)) {
			t.Fatalf("ToTime(%v) = %v, expected approximately now", in, got)
		}
		if opt := ToTimeOpt(in); opt != nil {
			t.Fatalf("ToTimeOpt(%v) = %v, want nil", in, *opt)
		}
	}
}

func TestToTimeOpt(t *testing.T) {
	when := time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC)
	got := ToTimeOpt(FromTime(when).Fields())
	if got == nil || !got.Equal(when) {
		t.Fatalf("ToTimeOpt = %v, want %v", got, when)
	}
}

func TestIsStructured(t *testing.T) {
	if IsStructured("2025-06-01T10:30:00Z") {
		t.Fatal("string should not count as structured")
	}
	if IsStructured(nil) {
		t.Fatal("nil should not count as structured")
	}
	if !IsStructured(FromTime(time.Now()).Fields()) {
		t.Fatal("Fields() output should count as structured")
	}
	if !IsStructured(map[string]any{"seconds": float64(1700000000), "nanos": float64(0)}) {
		t.Fatal("float-decoded map should count as structured")
	}
}

func TestToRemoteAlwaysStructured(t *testing.T) {
	for _, in := range []any{nil, "garbage", 7} {
		ts := ToRemote(in)
		if ts.Seconds == 0 {
			t.Fatalf("ToRemote(%v) produced zero timestamp", in)
		}
	}
}
