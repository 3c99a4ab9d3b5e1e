package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "dynamix/pkg/logx"
)

// Store is the persistence API used by the ledger and the rotation driver.
//
// All exclusion reads filter nothing: expiry interpretation belongs to the
// caller (the ledger), so compaction can never change observable behavior.
type Store interface {
	PutExclusion(ctx context.Context, library, collection string, until time.Time) error
	GetExclusion(ctx context.Context, library, collection string) (until time.Time, ok bool, err error)
	ListExclusions(ctx context.Context, library string) (map[string]time.Time, error)
	ResetExclusions(ctx context.Context, library string) (dropped int, err error)
	PruneExpired(ctx context.Context, now time.Time) error

	PutExemption(ctx context.Context, e Exemption) error
	DeleteExemption(ctx context.Context, library, collection string) error
	GetExemption(ctx context.Context, library, collection string) (Exemption, bool, error)
	ListExemptions(ctx context.Context, library string) ([]Exemption, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
