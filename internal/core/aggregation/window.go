package aggregation

import (
	"fmt"
	"time"
)

// WindowSpec represents a parsed and validated window size.
type WindowSpec struct {
	Size time.Duration
}

// ParseWindowSize parses a duration string into a WindowSpec.
// Supports Go duration syntax (e.g., "10s", "1m", "1h") plus "Xd" for days.
func ParseWindowSize(s string) (WindowSpec, error) {
	if s == "" {
		return WindowSpec{}, fmt.Errorf("window_size must not be empty")
	}

	// Handle "d" suffix (days) — not supported by time.ParseDuration.
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return WindowSpec{}, fmt.Errorf("invalid window_size %q: %w", s, err)
		}
		if days <= 0 {
			return WindowSpec{}, fmt.Errorf("window_size must be positive, got %q", s)
		}
		return WindowSpec{Size: time.Duration(days) * 24 * time.Hour}, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return WindowSpec{}, fmt.Errorf("invalid window_size %q: %w", s, err)
	}
	if d <= 0 {
		return WindowSpec{}, fmt.Errorf("window_size must be positive, got %q", s)
	}
	return WindowSpec{Size: d}, nil
}

// BucketFor truncates a timestamp to the nearest granularity boundary.
// This is the atomic unit of aggregation storage.
// Example: BucketFor(10:35:42, 1*time.Minute) → 10:35:00
func BucketFor(t time.Time, granularity time.Duration) time.Time {
	return t.Truncate(granularity)
}

// Granularity selects how bucket partials are merged into output windows.
type Granularity string

const (
	GranularityTotal  Granularity = "total"
	GranularityBucket Granularity = "bucket"
	GranularityHour   Granularity = "1h"
	GranularityDay    Granularity = "1d"
)

// ParseGranularity accepts "", total, bucket, 1h/hour and 1d/day. Empty means total.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "", "total":
		return GranularityTotal, nil
	case "bucket":
		return GranularityBucket, nil
	case "1h", "hour":
		return GranularityHour, nil
	case "1d", "day":
		return GranularityDay, nil
	default:
		return "", fmt.Errorf("unsupported granularity %q (use total, bucket, 1h or 1d)", s)
	}
}

// WindowFor returns the output window containing a bucket that starts at
// bucketStart. bucketSize is the rule's window size; rangeStart and rangeEnd
// bound the total window.
func (g Granularity) WindowFor(bucketStart time.Time, bucketSize time.Duration, rangeStart, rangeEnd time.Time) (time.Time, time.Time) {
	switch g {
	case GranularityBucket:
		return bucketStart, bucketStart.Add(bucketSize)
	case GranularityHour:
		h := bucketStart.Truncate(time.Hour)
		return h, h.Add(time.Hour)
	case GranularityDay:
		d := TruncateToDay(bucketStart)
		return d, d.Add(24 * time.Hour)
	default:
		return rangeStart, rangeEnd
	}
}

// TruncateToDay truncates a timestamp to the start of its day in its own location.
func TruncateToDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
