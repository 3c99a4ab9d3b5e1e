// Package schedule resolves weekly time blocks to pin limits and parses
// tick cadence specs.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rule is one weekly time block: on Day, between [Start,End) minutes of the
// local day, up to Limit collections may be pinned.
//
// Blocks do not wrap past midnight; a rule whose End is not after its Start
// is invalid and contributes nothing.
type Rule struct {
	Day   time.Weekday
	Start int // minutes since local midnight, inclusive
	End   int // minutes since local midnight, exclusive
	Limit int
}

func (r Rule) Valid() bool {
	return r.Start >= 0 && r.End <= 24*60 && r.End > r.Start && r.Limit >= 0
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d limit=%d",
		r.Day, r.Start/60, r.Start%60, r.End/60, r.End%60, r.Limit)
}

// ParseRule builds a Rule from config fields.
// Day accepts full names, three-letter abbreviations, or 0-6 (0=Sunday).
// Times are "HH:MM" wall clock.
func ParseRule(day, start, end string, limit int) (Rule, error) {
	d, err := ParseDay(day)
	if err != nil {
		return Rule{}, err
	}
	sh, sm, err := parseHHMM(start)
	if err != nil {
		return Rule{}, fmt.Errorf("start: %w", err)
	}
	eh, em, err := parseHHMM(end)
	if err != nil {
		return Rule{}, fmt.Errorf("end: %w", err)
	}
	r := Rule{Day: d, Start: sh*60 + sm, End: eh*60 + em, Limit: limit}
	if limit < 0 {
		return Rule{}, fmt.Errorf("limit must be >= 0, got %d", limit)
	}
	if r.End <= r.Start {
		return Rule{}, fmt.Errorf("block %q-%q is empty or wraps midnight (not supported)", start, end)
	}
	return r, nil
}

// ParseDay parses a day-of-week config value.
func ParseDay(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("day number %d out of range 0-6 (0=Sunday)", n)
		}
		return time.Weekday(n), nil
	}
	switch v {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("invalid day %q", s)
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// ActiveLimit returns the pin capacity at the given local time: the sum of
// limits of every valid rule whose day matches and whose [Start,End) window
// contains now's time of day.
//
// Overlapping blocks each contribute their own capacity; this summation is
// intentional. No matching rule means a limit of 0, which is a normal "do
// nothing this tick" outcome, not an error.
func ActiveLimit(now time.Time, rules []Rule) int {
	day := now.Weekday()
	minute := now.Hour()*60 + now.Minute()

	total := 0
	for _, r := range rules {
		if !r.Valid() {
			continue
		}
		if r.Day != day {
			continue
		}
		if minute >= r.Start && minute < r.End {
			total += r.Limit
		}
	}
	return total
}
