// Package dateparse parses the relative and absolute dates accepted by
// `callsync calls --since` into the start of a time range.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSince returns the instant input refers to, looking backwards from now.
//
// Supported formats:
//   - Exact dates: "2024-03-15" (midnight, local to now)
//   - Relative offsets: "90m", "6h", "7d", "2w", "1mo" with an optional leading "-"
//   - Day names: "monday", "tuesday", etc. (most recent, today excluded)
//   - Keywords: "today", "yesterday", "this-week", "this-month"
func ParseSince(input string) (time.Time, error) {
	return ParseSinceFrom(input, time.Now())
}

// ParseSinceFrom parses input relative to the given reference time.
// This variant enables deterministic testing with a fixed "now".
func ParseSinceFrom(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return time.Time{}, fmt.Errorf("empty date input")
	}

	// Exact date: YYYY-MM-DD
	if t, err := time.ParseInLocation("2006-01-02", input, now.Location()); err == nil {
		return t, nil
	}

	today := midnight(now)
	switch input {
	case "today":
		return today, nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	case "this-week":
		// Back to Monday
		back := (int(now.Weekday()) - int(time.Monday) + 7) % 7
		return today.AddDate(0, 0, -back), nil
	case "this-month":
		year, month, _ := now.Date()
		return time.Date(year, month, 1, 0, 0, 0, 0, now.Location()), nil
	}

	if t, ok, err := parseOffset(strings.TrimPrefix(input, "-"), now); ok {
		return t, err
	}

	dayMap := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	if target, ok := dayMap[input]; ok {
		back := (int(now.Weekday()) - int(target) + 7) % 7
		if back == 0 {
			back = 7 // today is not "last monday"
		}
		return today.AddDate(0, 0, -back), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized date format: %q", input)
}

// parseOffset handles "<n><unit>". ok is false when input is not shaped
// like an offset at all.
func parseOffset(input string, now time.Time) (time.Time, bool, error) {
	i := strings.IndexFunc(input, func(r rune) bool { return r < '0' || r > '9' })
	if i <= 0 {
		return time.Time{}, false, nil
	}
	n, err := strconv.Atoi(input[:i])
	if err != nil {
		return time.Time{}, true, fmt.Errorf("offset %q: %w", input, err)
	}
	switch unit := input[i:]; unit {
	case "m", "min":
		return now.Add(-time.Duration(n) * time.Minute), true, nil
	case "h":
		return now.Add(-time.Duration(n) * time.Hour), true, nil
	case "d":
		return now.AddDate(0, 0, -n), true, nil
	case "w":
		return now.AddDate(0, 0, -7*n), true, nil
	case "mo":
		return now.AddDate(0, -n, 0), true, nil
	default:
		return time.Time{}, true, fmt.Errorf("unknown unit %q in %q (use m, h, d, w or mo)", unit, input)
	}
}

func midnight(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
