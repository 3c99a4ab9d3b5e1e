package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalJSON = `{
  "plex": {"url": "http://localhost:32400", "token": "secret"},
  "pinning": {
    "libraries": [
      {"name": "Movies", "blocks": [
        {"day": "monday", "start": "06:00", "end": "12:00", "limit": 3}
      ]}
    ]
  }
}`

func writeConfig(t *testing.T, name, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseMinimalAppliesDefaults(t *testing.T) {
	m := writeConfig(t, "config.json", minimalJSON)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Pinning.Cadence != DefaultCadence {
		t.Fatalf("Cadence = %q, want default %q", cfg.Pinning.Cadence, DefaultCadence)
	}
	if cfg.Pinning.RetentionDays != DefaultRetentionDays {
		t.Fatalf("RetentionDays = %d, want %d", cfg.Pinning.RetentionDays, DefaultRetentionDays)
	}
	if cfg.Pinning.MinItems != DefaultMinItems {
		t.Fatalf("MinItems = %d, want %d", cfg.Pinning.MinItems, DefaultMinItems)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("Storage = %+v, want file default", cfg.Storage)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate on minimal config: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	bad := strings.Replace(minimalJSON, `"pinning"`, `"pinnning"`, 1)
	m := writeConfig(t, "config.json", bad)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for misspelled top-level key")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := writeConfig(t, "config.json", minimalJSON+"\n{}")
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for concatenated JSON documents")
	}
}

func TestParseYAML(t *testing.T) {
	m := writeConfig(t, "config.yaml", `
plex:
  url: http://localhost:32400
  token: secret
pinning:
  cadence: "15m"
  timezone: UTC
  libraries:
    - name: Movies
      blocks:
        - day: monday
          start: "06:00"
          end: "12:00"
          limit: 3
`)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse yaml: %v", err)
	}
	if cfg.Pinning.Cadence != "15m" {
		t.Fatalf("Cadence = %q, want 15m", cfg.Pinning.Cadence)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseYAMLUnknownFieldStillRejected(t *testing.T) {
	m := writeConfig(t, "config.yaml", `
plex:
  url: http://localhost:32400
  token: secret
  bogus_field: true
pinning:
  libraries:
    - name: Movies
`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("yaml path must keep strict field checking")
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		return &Config{
			Plex: PlexConfig{URL: "http://localhost:32400", Token: "secret"},
			Pinning: PinningConfig{
				Cadence: "30m",
				Libraries: []LibraryConfig{{
					Name: "Movies",
					Blocks: []BlockConfig{
						{Day: "monday", Start: "06:00", End: "12:00", Limit: 3},
					},
				}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.Plex.URL = "" }},
		{"missing token", func(c *Config) { c.Plex.Token = "" }},
		{"bad plex timeout", func(c *Config) { c.Plex.Timeout = "fast" }},
		{"negative rate", func(c *Config) { c.Plex.RatePerSec = -1 }},
		{"bad cadence", func(c *Config) { c.Pinning.Cadence = "whenever" }},
		{"bad timezone", func(c *Config) { c.Pinning.Timezone = "Mars/Olympus" }},
		{"no libraries", func(c *Config) { c.Pinning.Libraries = nil }},
		{"unnamed library", func(c *Config) { c.Pinning.Libraries[0].Name = " " }},
		{"duplicate library", func(c *Config) {
			c.Pinning.Libraries = append(c.Pinning.Libraries, c.Pinning.Libraries[0])
		}},
		{"bad block day", func(c *Config) { c.Pinning.Libraries[0].Blocks[0].Day = "funday" }},
		{"inverted block", func(c *Config) {
			c.Pinning.Libraries[0].Blocks[0].Start = "14:00"
		}},
		{"always pin without title", func(c *Config) {
			c.Pinning.AlwaysPin = &AlwaysPinConfig{Enabled: true}
		}},
		{"unknown storage driver", func(c *Config) {
			c.Storage = &StorageConfig{Driver: "etcd"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
}

func TestLibraryWithoutBlocksIsValid(t *testing.T) {
	cfg := &Config{
		Plex: PlexConfig{URL: "http://localhost:32400", Token: "secret"},
		Pinning: PinningConfig{
			Cadence:   "30m",
			Libraries: []LibraryConfig{{Name: "Music"}},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("blockless library should be valid (limit 0 everywhere): %v", err)
	}
	rules, err := cfg.Pinning.Libraries[0].CompileRules()
	if err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("rules = %v, want none", rules)
	}
}

func TestPinningHelpers(t *testing.T) {
	p := PinningConfig{RetentionDays: 5, TickTimeout: "90s", Timezone: "UTC"}
	if got := p.Retention(); got != 5*24*time.Hour {
		t.Fatalf("Retention = %v", got)
	}
	if got := p.TickTimeoutDuration(); got != 90*time.Second {
		t.Fatalf("TickTimeoutDuration = %v", got)
	}
	if got := p.Location(); got != time.UTC {
		t.Fatalf("Location = %v", got)
	}

	var zero PinningConfig
	if got := zero.Retention(); got != DefaultRetentionDays*24*time.Hour {
		t.Fatalf("default Retention = %v", got)
	}
	if got := zero.TickTimeoutDuration(); got != DefaultTickTimeout {
		t.Fatalf("default TickTimeoutDuration = %v", got)
	}
}

func TestManagerCommitAndGet(t *testing.T) {
	m := writeConfig(t, "config.json", minimalJSON)
	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	m := writeConfig(t, "config.json", minimalJSON)
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}

	// A full buffer drops the oldest in favor of the newest.
	older, newer := &Config{}, &Config{}
	m.publish(older)
	m.publish(newer)
	if got := <-ch; got != newer {
		t.Fatal("expected the newest config after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}
