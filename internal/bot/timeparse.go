package bot

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrBadTime = errors.New("unrecognized time")

var absoluteLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"02.01.2006 15:04",
}

// ParseFireTime reads a publication time typed by a user:
//
//	2026-03-01 18:30   absolute, in loc
//	18:30              today in loc, or tomorrow when already past
//	+45m, +2h, +1h30m, +1d
//
// It does not check that the result lies in the future.
func ParseFireTime(input string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.Join(strings.Fields(input), " ")
	if s == "" {
		return time.Time{}, ErrBadTime
	}
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)

	if rest, ok := strings.CutPrefix(s, "+"); ok {
		d, err := parseRelative(rest)
		if err != nil || d <= 0 {
			return time.Time{}, ErrBadTime
		}
		return now.Add(d).Truncate(time.Second), nil
	}

	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	if clock, err := time.Parse("15:04", s); err == nil {
		t := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	return time.Time{}, ErrBadTime
}

// parseRelative accepts Go durations plus a leading whole-day "d" term,
// e.g. "1d", "1d2h".
func parseRelative(s string) (time.Duration, error) {
	var days time.Duration
	if i := strings.IndexByte(s, 'd'); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil || n < 0 {
			return 0, ErrBadTime
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return days + d, nil
}
