package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json snapshot + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and the scheduler runs
// with in-memory state only (nothing survives a restart).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Exemption marks a collection the user has permanently forbidden from
// selection. Exemptions never expire and survive ledger resets.
type Exemption struct {
	Library    string    `json:"library"`
	Collection string    `json:"collection"`
	Reason     string    `json:"reason,omitempty"`
	AddedAt    time.Time `json:"added_at,omitzero"`
}

// AuditEntry records one reconciliation tick outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	Library  string
	Limit    int
	Chosen   int
	Pinned   int
	Unpinned int
	Failures int
	Reset    bool
	TookMS   int64
	Error    string
}
