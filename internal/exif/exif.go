// Package exif validates, derives, and normalizes capture timestamps
// embedded in JPEG frames. Downstream code treats every capture
// timestamp as UTC; this package is where that discipline is enforced.
package exif

import (
	"fmt"
	"time"
)

// Timestamp sanity bounds. Cameras with dead RTC batteries produce
// years like 1970 or 2000; anything outside these bounds is a camera
// fault, not a capture.
const (
	MinYear   = 2020
	MaxYear   = 2100
	MaxFuture = time.Hour      // Clock skew allowance
	MaxAge    = 24 * time.Hour // Older frames are stale, not fresh captures

	// MaxMtimeDrift bounds |EXIF - upload mtime| for push uploads.
	// A larger gap means the camera clock is wrong or the file is a
	// re-upload of old imagery.
	MaxMtimeDrift = 2 * time.Hour
)

// DerivedMarker is written into UserComment when the timestamp was
// synthesized rather than read from the camera.
const DerivedMarker = "AirfieldWX"

// EXIF tag IDs
const (
	tagDateTime           = 0x0132
	tagExifOffset         = 0x8769
	tagDateTimeOriginal   = 0x9003
	tagOffsetTimeOriginal = 0x9011
	tagUserComment        = 0x9286
)

const exifTimeLayout = "2006:01:02 15:04:05"

// Validation is the outcome of a timestamp check
type Validation struct {
	Valid     bool
	Reason    string // "missing", "unparseable", "bad_year", "future", "max_age"
	Timestamp time.Time
}

// ReadTimestamp reads DateTimeOriginal (falling back to DateTime) and
// the OffsetTimeOriginal zone suffix if present. The returned time
// carries the embedded offset, or UTC when none is recorded.
func ReadTimestamp(data []byte) (time.Time, bool) {
	if !isJPEG(data) {
		return time.Time{}, false
	}

	tiff := findSegment(data)
	if tiff == nil {
		return time.Time{}, false
	}

	value := findTag(tiff, tagDateTimeOriginal)
	if value == "" {
		value = findTag(tiff, tagDateTime)
	}
	if value == "" {
		return time.Time{}, false
	}

	loc := time.UTC
	if offset := findTag(tiff, tagOffsetTimeOriginal); offset != "" {
		if l, ok := parseOffset(offset); ok {
			loc = l
		}
	}

	t, err := time.ParseInLocation(exifTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// ValidateTimestamp applies the freshness and sanity gates
func ValidateTimestamp(data []byte, now time.Time) Validation {
	ts, ok := ReadTimestamp(data)
	if !ok {
		return Validation{Reason: "missing"}
	}

	year := ts.UTC().Year()
	if year < MinYear || year > MaxYear {
		return Validation{Reason: "bad_year", Timestamp: ts}
	}
	if ts.After(now.Add(MaxFuture)) {
		return Validation{Reason: "future", Timestamp: ts}
	}
	if now.Sub(ts) > MaxAge {
		return Validation{Reason: "max_age", Timestamp: ts}
	}

	return Validation{Valid: true, Timestamp: ts}
}

// Ensure guarantees the frame carries a capture timestamp. Existing
// EXIF wins; otherwise the time is derived from the filename, then
// from the fallback (the acquisition instant), and written in the
// airport's local zone with an explicit offset. Returns the possibly
// rewritten bytes and the capture time in UTC.
func Ensure(data []byte, filename string, fallback time.Time, loc *time.Location, context string) ([]byte, time.Time, error) {
	if ts, ok := ReadTimestamp(data); ok {
		return data, ts.UTC(), nil
	}

	source := "fallback"
	ts := time.Time{}
	if derived, ok := TimestampFromFilename(filename); ok {
		ts = derived
		source = "filename"
	} else if !fallback.IsZero() {
		ts = fallback
	}
	if ts.IsZero() {
		return nil, time.Time{}, fmt.Errorf("no usable timestamp source for %s", context)
	}

	local := ts.In(loc)
	marker := fmt.Sprintf("%s:derived:%s:%s", DerivedMarker, source, context)
	stamped, err := inject(data, buildSegment(local, marker))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stamp exif: %w", err)
	}

	return stamped, ts.UTC(), nil
}

// NormalizeToUTC rewrites DateTimeOriginal as the UTC-equivalent time
// with a +00:00 offset. Frames without a recorded offset are assumed
// to be in loc (the airport's zone).
func NormalizeToUTC(data []byte, loc *time.Location) ([]byte, time.Time, error) {
	tiff := findSegment(data)
	if tiff == nil {
		return nil, time.Time{}, fmt.Errorf("no exif segment")
	}

	value := findTag(tiff, tagDateTimeOriginal)
	if value == "" {
		value = findTag(tiff, tagDateTime)
	}
	if value == "" {
		return nil, time.Time{}, fmt.Errorf("no datetime tag")
	}

	zone := loc
	if offset := findTag(tiff, tagOffsetTimeOriginal); offset != "" {
		if l, ok := parseOffset(offset); ok {
			zone = l
		}
	}

	t, err := time.ParseInLocation(exifTimeLayout, value, zone)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse datetime %q: %w", value, err)
	}

	utc := t.UTC()
	normalized, err := inject(data, buildSegment(utc, ""))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("rewrite exif: %w", err)
	}

	return normalized, utc, nil
}

// CheckDrift enforces the push-upload bound between EXIF time and
// filesystem mtime.
func CheckDrift(exifTime, mtime time.Time) error {
	drift := exifTime.Sub(mtime)
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxMtimeDrift {
		return fmt.Errorf("timestamp_drift: exif=%s mtime=%s drift=%s",
			exifTime.UTC().Format(time.RFC3339), mtime.UTC().Format(time.RFC3339), drift)
	}
	return nil
}

// TimestampFromFilename recognizes common camera upload name patterns
func TimestampFromFilename(name string) (time.Time, bool) {
	digits := extractDigits(name)

	// 14-digit YYYYMMDDHHMMSS
	for _, run := range digits {
		if len(run) == 14 {
			if t, err := time.Parse("20060102150405", run); err == nil && plausible(t) {
				return t.UTC(), true
			}
		}
	}
	// 10-digit unix epoch
	for _, run := range digits {
		if len(run) == 10 {
			var secs int64
			if _, err := fmt.Sscanf(run, "%d", &secs); err == nil {
				t := time.Unix(secs, 0).UTC()
				if plausible(t) {
					return t, true
				}
			}
		}
	}
	// Split date + time runs, e.g. 20240101_120000
	for i := 0; i+1 < len(digits); i++ {
		if len(digits[i]) == 8 && len(digits[i+1]) == 6 {
			if t, err := time.Parse("20060102150405", digits[i]+digits[i+1]); err == nil && plausible(t) {
				return t.UTC(), true
			}
		}
	}

	return time.Time{}, false
}

func plausible(t time.Time) bool {
	return t.Year() >= MinYear && t.Year() <= MaxYear
}

func extractDigits(s string) []string {
	var runs []string
	run := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			run += string(r)
		} else if run != "" {
			runs = append(runs, run)
			run = ""
		}
	}
	if run != "" {
		runs = append(runs, run)
	}
	return runs
}

func parseOffset(s string) (*time.Location, bool) {
	var sign rune
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%c%02d:%02d", &sign, &hh, &mm); err != nil {
		return nil, false
	}
	secs := hh*3600 + mm*60
	if sign == '-' {
		secs = -secs
	} else if sign != '+' {
		return nil, false
	}
	return time.FixedZone(s, secs), true
}

func isJPEG(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8
}

// IsComplete checks the JPEG SOI/EOI framing
func IsComplete(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] != 0xFF || data[1] != 0xD8 {
		return false
	}
	return data[len(data)-2] == 0xFF && data[len(data)-1] == 0xD9
}
