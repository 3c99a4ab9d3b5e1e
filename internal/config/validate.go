package config

import (
	"fmt"
	"strings"
	"time"

	"dynamix/internal/schedule"
)

// Defaults applied by Normalize.
const (
	DefaultCadence       = "30m"
	DefaultRetentionDays = 3
	DefaultMinItems      = 1
	DefaultTickTimeout   = 2 * time.Minute
)

// Normalize fills in defaults. It never errors; Validate does the rejecting.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Pinning.Cadence) == "" {
		c.Pinning.Cadence = DefaultCadence
	}
	if c.Pinning.RetentionDays <= 0 {
		c.Pinning.RetentionDays = DefaultRetentionDays
	}
	if c.Pinning.MinItems <= 0 {
		c.Pinning.MinItems = DefaultMinItems
	}
	if c.Storage == nil {
		c.Storage = &StorageConfig{Driver: "file", Path: "./dynamix_store"}
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the scheduler cannot run with. Individual
// malformed blocks are errors here (the watcher refuses to commit them);
// at runtime an invalid rule that slipped through is skipped per tick.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Plex.URL) == "" {
		return fmt.Errorf("plex.url is required")
	}
	if strings.TrimSpace(c.Plex.Token) == "" {
		return fmt.Errorf("plex.token is required")
	}
	if _, err := ParseDurationField("plex.timeout", c.Plex.Timeout); err != nil {
		return err
	}
	if c.Plex.RatePerSec < 0 {
		return fmt.Errorf("plex.rate_per_sec must be >= 0")
	}

	if _, err := schedule.ParseCadence(c.Pinning.Cadence); err != nil {
		return fmt.Errorf("pinning.cadence: %w", err)
	}
	if tz := strings.TrimSpace(c.Pinning.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("pinning.timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("pinning.tick_timeout", c.Pinning.TickTimeout); err != nil {
		return err
	}
	if c.Pinning.AlwaysPin != nil && c.Pinning.AlwaysPin.Enabled &&
		strings.TrimSpace(c.Pinning.AlwaysPin.Title) == "" {
		return fmt.Errorf("pinning.always_pin.title is required when enabled")
	}

	if len(c.Pinning.Libraries) == 0 {
		return fmt.Errorf("pinning.libraries: at least one library is required")
	}
	seen := map[string]bool{}
	for i, lib := range c.Pinning.Libraries {
		name := strings.TrimSpace(lib.Name)
		if name == "" {
			return fmt.Errorf("pinning.libraries[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("pinning.libraries[%d]: duplicate library %q", i, name)
		}
		seen[name] = true
		if _, err := lib.CompileRules(); err != nil {
			return fmt.Errorf("pinning.libraries[%d] (%s): %w", i, name, err)
		}
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// CompileRules turns the library's config blocks into resolver rules.
func (l LibraryConfig) CompileRules() ([]schedule.Rule, error) {
	rules := make([]schedule.Rule, 0, len(l.Blocks))
	for i, b := range l.Blocks {
		r, err := schedule.ParseRule(b.Day, b.Start, b.End, b.Limit)
		if err != nil {
			return nil, fmt.Errorf("blocks[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Retention returns the configured retention window as a duration.
func (p PinningConfig) Retention() time.Duration {
	days := p.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// TickTimeoutDuration returns the per-tick deadline.
func (p PinningConfig) TickTimeoutDuration() time.Duration {
	d, err := ParseDurationOrDefault("pinning.tick_timeout", p.TickTimeout, DefaultTickTimeout)
	if err != nil {
		return DefaultTickTimeout
	}
	return d
}

// Location resolves the configured timezone, falling back to local time.
func (p PinningConfig) Location() *time.Location {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
