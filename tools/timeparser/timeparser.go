package timeparser

import (
	"fmt"
	"strconv"
	"time"
)

// ParseEventTimestamp attempts to parse a tap notification timestamp with multiple formats
func ParseEventTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,      // Standard RFC3339 with optional fraction
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"2006-01-02 15:04:05", // controller local format
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	// Kegboard firmware reports unix seconds
	if secs, err := strconv.ParseInt(dateStr, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsWithinTolerance checks if the event timestamp is within tolerance of received time
func IsWithinTolerance(eventTime, receivedTime time.Time, toleranceMinutes int) bool {
	diff := eventTime.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}

// ResolveEventTime returns the parsed event time, falling back to receivedAt
// when the timestamp is missing, malformed, or outside the tolerance window.
func ResolveEventTime(dateStr string, receivedAt time.Time, toleranceMinutes int) (time.Time, bool) {
	if dateStr == "" {
		return receivedAt.UTC(), false
	}
	t, err := ParseEventTimestamp(dateStr)
	if err != nil {
		return receivedAt.UTC(), false
	}
	if !IsWithinTolerance(t, receivedAt, toleranceMinutes) {
		return receivedAt.UTC(), false
	}
	return t, true
}
