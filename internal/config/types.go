package config

// Config is the whole daemon configuration. It is read once per tick;
// changes committed by the watcher take effect on the next tick.
type Config struct {
	Plex    PlexConfig     `json:"plex"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Pinning PinningConfig  `json:"pinning"`
}

// PlexConfig points at the media server.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type PlexConfig struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	// Timeout bounds each catalog HTTP request. Default "15s".
	Timeout string `json:"timeout,omitempty"`
	// RatePerSec caps outbound catalog requests. Default 5.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./dynamix_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PinningConfig drives the rotation scheduler.
type PinningConfig struct {
	// Cadence between reconciliation ticks: a Go duration ("30m"),
	// HH:MM ("00:30"), or a cron expression ("*/30 * * * *").
	Cadence string `json:"cadence"`
	// Timezone for cron cadences and time-block matching ("Europe/Berlin").
	// Empty means the host's local time.
	Timezone string `json:"timezone,omitempty"`
	// RetentionDays is how long a pinned collection stays excluded from
	// re-selection. Default 3.
	RetentionDays int `json:"retention_days,omitempty"`
	// MinItems filters out collections with fewer items. Default 1.
	MinItems int `json:"min_items,omitempty"`
	// TickTimeout bounds one whole reconciliation tick per library so a
	// stalled server cannot stall the loop. Default "2m".
	TickTimeout string `json:"tick_timeout,omitempty"`

	AlwaysPin *AlwaysPinConfig `json:"always_pin,omitempty"`

	Libraries []LibraryConfig `json:"libraries"`
}

// AlwaysPinConfig keeps one collection (by title) permanently pinned while
// enabled and permanently unpinned while disabled. It never counts against
// time-block limits and never enters the ledger.
type AlwaysPinConfig struct {
	Title   string `json:"title"`
	Enabled bool   `json:"enabled"`
}

// LibraryConfig is one library's rotation settings. A library with no
// blocks resolves to limit 0 on every tick (nothing is pinned or unpinned).
type LibraryConfig struct {
	Name   string        `json:"name"`
	Blocks []BlockConfig `json:"blocks,omitempty"`
}

// BlockConfig is one weekly time block in config form.
type BlockConfig struct {
	Day   string `json:"day"`   // "monday", "mon", or 0-6 (0=Sunday)
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM", must be after start (no midnight wrap)
	Limit int    `json:"limit"`
}
