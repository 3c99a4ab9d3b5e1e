package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CadenceKind describes the normalized kind of a tick cadence string.
//
// We intentionally keep this small: either a cron expression (robfig/cron)
// or a fixed interval.
type CadenceKind int

const (
	CadenceCron CadenceKind = iota
	CadenceInterval
)

// Cadence represents a parsed tick cadence.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/30 * * * *", "0 6 * * 1", "@hourly"
//   - Interval duration: "30m", "2h30m"
//   - Interval HH:MM: "00:30" (30 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Cadence struct {
	Kind  CadenceKind
	Cron  string
	Every time.Duration
}

// CronParser accepts both 5-field and 6-field (with seconds) specs.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseCadence parses a cadence string into either a cron expression or an
// interval duration. Cron expressions are validated at parse time so a bad
// spec is rejected by config validation instead of at tick registration.
func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Cadence{}, fmt.Errorf("cadence required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Cadence{}, fmt.Errorf("cron cadence required after 'cron:'")
		}
		return cronCadence(expr)
	}
	if strings.HasPrefix(low, "interval:") {
		return intervalCadence(strings.TrimSpace(s[len("interval:"):]))
	}
	if strings.HasPrefix(low, "every:") {
		return intervalCadence(strings.TrimSpace(s[len("every:"):]))
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronCadence(s)
	}

	// - HH:MM => interval duration
	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return Cadence{}, err
		}
		return Cadence{Kind: CadenceInterval, Every: d}, nil
	}

	// - Go duration => interval duration
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Cadence{}, fmt.Errorf("interval must be > 0")
		}
		return Cadence{Kind: CadenceInterval, Every: d}, nil
	}

	return Cadence{}, fmt.Errorf(
		"invalid cadence %q (use cron like '*/30 * * * *', HH:MM like '00:30', or duration like '30m')",
		raw,
	)
}

func cronCadence(expr string) (Cadence, error) {
	if _, err := CronParser.Parse(expr); err != nil {
		return Cadence{}, fmt.Errorf("invalid cron cadence %q: %w", expr, err)
	}
	return Cadence{Kind: CadenceCron, Cron: expr}, nil
}

func intervalCadence(v string) (Cadence, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Cadence{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return Cadence{}, err
		}
		return Cadence{Kind: CadenceInterval, Every: d}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '30m'/'2h30m')", v)
	}
	if d <= 0 {
		return Cadence{}, fmt.Errorf("interval must be > 0")
	}
	return Cadence{Kind: CadenceInterval, Every: d}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
