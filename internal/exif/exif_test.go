package exif

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// bareJPEG is the smallest well-framed JPEG: SOI followed by EOI. The
// timestamp machinery only touches segment structure, not pixel data.
var bareJPEG = []byte{0xFF, 0xD8, 0xFF, 0xD9}

func stamped(t *testing.T, ts time.Time, loc *time.Location) []byte {
	t.Helper()
	data, _, err := Ensure(bareJPEG, "noise.jpg", ts, loc, "test/cam0")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return data
}

func TestIsComplete(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"well framed", bareJPEG, true},
		{"truncated", []byte{0xFF, 0xD8, 0xFF}, false},
		{"missing eoi", []byte{0xFF, 0xD8, 0x00, 0x00}, false},
		{"not jpeg", []byte{0x89, 0x50, 0xFF, 0xD9}, false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsComplete(tt.data); got != tt.want {
				t.Errorf("IsComplete = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnsureRoundTrip(t *testing.T) {
	loc := time.FixedZone("-08:00", -8*3600)
	capture := time.Date(2026, 3, 21, 14, 30, 0, 0, time.UTC)

	data, ts, err := Ensure(bareJPEG, "noise.jpg", capture, loc, "kspb/cam0")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !ts.Equal(capture) {
		t.Errorf("returned ts = %v, want %v", ts, capture)
	}

	// The written timestamp reads back as the same instant
	got, ok := ReadTimestamp(data)
	if !ok {
		t.Fatal("stamped frame has no readable timestamp")
	}
	if !got.Equal(capture) {
		t.Errorf("read back %v, want %v", got, capture)
	}

	// The frame stays well formed
	if !IsComplete(data) {
		t.Error("stamping broke JPEG framing")
	}
}

func TestEnsureKeepsExistingTimestamp(t *testing.T) {
	capture := time.Date(2026, 3, 21, 14, 30, 0, 0, time.UTC)
	data := stamped(t, capture, time.UTC)

	// A second Ensure with a contradictory fallback must not restamp
	other := capture.Add(6 * time.Hour)
	again, ts, err := Ensure(data, "20991231235959.jpg", other, time.UTC, "kspb/cam0")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(capture) {
		t.Errorf("ts = %v, want original %v", ts, capture)
	}
	if !bytes.Equal(again, data) {
		t.Error("existing EXIF rewritten")
	}
}

func TestEnsureDerivesFromFilename(t *testing.T) {
	_, ts, err := Ensure(bareJPEG, "north_20260321_143000.jpg", time.Time{}, time.UTC, "kspb/cam0")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 21, 14, 30, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("ts = %v, want %v", ts, want)
	}
}

func TestEnsureNoSourceFails(t *testing.T) {
	if _, _, err := Ensure(bareJPEG, "upload.jpg", time.Time{}, time.UTC, "kspb/cam0"); err == nil {
		t.Error("expected error with no timestamp source")
	}
}

func TestValidateTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 21, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		ts     time.Time
		valid  bool
		reason string
	}{
		{"fresh", now.Add(-10 * time.Minute), true, ""},
		{"slight future inside skew", now.Add(30 * time.Minute), true, ""},
		{"too far future", now.Add(2 * time.Hour), false, "future"},
		{"older than a day", now.Add(-25 * time.Hour), false, "max_age"},
		{"dead rtc year", time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC), false, "bad_year"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ValidateTimestamp(stamped(t, tt.ts, time.UTC), now)
			if v.Valid != tt.valid {
				t.Fatalf("Valid = %v, want %v (reason %q)", v.Valid, tt.valid, v.Reason)
			}
			if !tt.valid && v.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", v.Reason, tt.reason)
			}
		})
	}
}

func TestValidateTimestampMissing(t *testing.T) {
	v := ValidateTimestamp(bareJPEG, time.Now())
	if v.Valid || v.Reason != "missing" {
		t.Errorf("v = %+v", v)
	}
}

func TestNormalizeToUTC(t *testing.T) {
	pacific := time.FixedZone("-08:00", -8*3600)
	capture := time.Date(2026, 3, 21, 6, 30, 0, 0, pacific)

	data := stamped(t, capture, pacific)

	normalized, utc, err := NormalizeToUTC(data, pacific)
	if err != nil {
		t.Fatalf("NormalizeToUTC: %v", err)
	}
	if !utc.Equal(capture) {
		t.Errorf("utc = %v, want same instant as %v", utc, capture)
	}

	// After normalization the embedded wall time is UTC
	got, ok := ReadTimestamp(normalized)
	if !ok {
		t.Fatal("normalized frame unreadable")
	}
	if got.Format("15:04") != "14:30" {
		t.Errorf("embedded wall time = %s, want 14:30", got.Format("15:04"))
	}
}

func TestCheckDrift(t *testing.T) {
	base := time.Date(2026, 3, 21, 12, 0, 0, 0, time.UTC)

	if err := CheckDrift(base, base.Add(90*time.Minute)); err != nil {
		t.Errorf("90m drift rejected: %v", err)
	}
	err := CheckDrift(base, base.Add(3*time.Hour))
	if err == nil {
		t.Fatal("3h drift accepted")
	}
	if !strings.Contains(err.Error(), "timestamp_drift") {
		t.Errorf("err = %v", err)
	}
	// Symmetric in either direction
	if CheckDrift(base.Add(3*time.Hour), base) == nil {
		t.Error("forward drift accepted")
	}
}

func TestTimestampFromFilename(t *testing.T) {
	tests := []struct {
		name string
		file string
		want time.Time
		ok   bool
	}{
		{"compact", "IMG_20260321143000.jpg", time.Date(2026, 3, 21, 14, 30, 0, 0, time.UTC), true},
		{"split", "north_20260321_143000.jpg", time.Date(2026, 3, 21, 14, 30, 0, 0, time.UTC), true},
		{"epoch", "1774103400.jpg", time.Unix(1774103400, 0).UTC(), true},
		{"implausible year", "19700101000000.jpg", time.Time{}, false},
		{"no digits", "snapshot.jpg", time.Time{}, false},
		{"short runs", "cam2_shot1.jpg", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TimestampFromFilename(tt.file)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (got %v)", ok, tt.ok, got)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("ts = %v, want %v", got, tt.want)
			}
		})
	}
}
