// Package biztime centralizes time handling for billing. All storage and
// metadata timestamps are UTC; billing period boundaries are computed with
// calendar arithmetic so a monthly period ending Jan 31 rolls correctly.
package biztime

import (
	"fmt"
	"time"
)

// NowUTC returns current time in UTC.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// FormatMetadataTime formats a UTC time for storage in metadata maps.
// ISO 8601 with offset, the SDK-wide serialization for timestamps.
func FormatMetadataTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseMetadataTime parses a timestamp produced by FormatMetadataTime.
func ParseMetadataTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid metadata timestamp format %q: %w", s, err)
	}
	return t.UTC(), nil
}

// AddBillingPeriod advances t by one billing period.
// Supported periods: daily, weekly, monthly, yearly.
func AddBillingPeriod(t time.Time, period string) (time.Time, error) {
	switch period {
	case "daily":
		return t.AddDate(0, 0, 1), nil
	case "weekly":
		return t.AddDate(0, 0, 7), nil
	case "monthly":
		return t.AddDate(0, 1, 0), nil
	case "yearly":
		return t.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown billing period %q", period)
	}
}
