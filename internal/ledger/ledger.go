// Package ledger tracks recently pinned collections (with a retention
// window) and permanent user exemptions.
//
// Both types fail open: if the backing store is missing or erroring, reads
// degrade to "not excluded" / "not exempt" with a warning. Over-exclusion is
// cosmetic and under-exclusion merely risks an immediate repeat, so neither
// is worth blocking the scheduler for.
package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dynamix/internal/storage"
	logx "dynamix/pkg/logx"
)

// Ledger is the exclusion ledger: one active entry per (library, collection)
// marking it ineligible for re-selection until the entry expires.
//
// With a nil store the ledger keeps entries in memory only; that is the
// configured fallback when storage is disabled, not an error state.
type Ledger struct {
	store storage.Store
	log   logx.Logger

	retention atomic.Int64 // nanoseconds

	mu  sync.Mutex
	mem map[string]map[string]time.Time // library -> collection -> expiry
}

func New(store storage.Store, retention time.Duration, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{store: store, log: log}
	if store == nil {
		l.mem = map[string]map[string]time.Time{}
	}
	l.retention.Store(int64(retention))
	return l
}

// SetRetention updates the retention window. Existing entries keep the
// expiry they were recorded with; only new Record calls see the change.
func (l *Ledger) SetRetention(d time.Duration) { l.retention.Store(int64(d)) }

func (l *Ledger) Retention() time.Duration { return time.Duration(l.retention.Load()) }

// IsExcluded reports whether the collection has a non-expired entry.
func (l *Ledger) IsExcluded(ctx context.Context, library, collection string, now time.Time) bool {
	if l.store == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		until, ok := l.mem[library][collection]
		return ok && until.After(now)
	}
	until, ok, err := l.store.GetExclusion(ctx, library, collection)
	if err != nil {
		l.log.Warn("exclusion read failed; treating as not excluded",
			logx.String("library", library), logx.String("collection", collection), logx.Err(err))
		return false
	}
	return ok && until.After(now)
}

// Record inserts or overwrites the entry for the collection with
// expiry = now + retention. Overwriting on re-pin is intentional: the
// retention window restarts.
func (l *Ledger) Record(ctx context.Context, library, collection string, now time.Time) {
	until := now.Add(l.Retention())
	if l.store == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		lib := l.mem[library]
		if lib == nil {
			lib = map[string]time.Time{}
			l.mem[library] = lib
		}
		lib[collection] = until
		return
	}
	if err := l.store.PutExclusion(ctx, library, collection, until); err != nil {
		l.log.Warn("exclusion write failed",
			logx.String("library", library), logx.String("collection", collection), logx.Err(err))
	}
}

// Active returns the non-expired entries for a library. Fail-open: storage
// errors yield an empty map.
func (l *Ledger) Active(ctx context.Context, library string, now time.Time) map[string]time.Time {
	var all map[string]time.Time
	if l.store == nil {
		l.mu.Lock()
		all = make(map[string]time.Time, len(l.mem[library]))
		for id, until := range l.mem[library] {
			all[id] = until
		}
		l.mu.Unlock()
	} else {
		var err error
		all, err = l.store.ListExclusions(ctx, library)
		if err != nil {
			l.log.Warn("exclusion list failed; treating as empty",
				logx.String("library", library), logx.Err(err))
			return map[string]time.Time{}
		}
	}
	for id, until := range all {
		if !until.After(now) {
			delete(all, id)
		}
	}
	return all
}

// Reset clears every entry for the library and returns how many were
// dropped. Exemptions are a separate concern and are never touched here.
func (l *Ledger) Reset(ctx context.Context, library string) int {
	if l.store == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		dropped := len(l.mem[library])
		delete(l.mem, library)
		return dropped
	}
	dropped, err := l.store.ResetExclusions(ctx, library)
	if err != nil {
		l.log.Warn("exclusion reset failed", logx.String("library", library), logx.Err(err))
		return 0
	}
	return dropped
}

// PurgeExpired compacts expired entries. Optional: all reads already filter
// by expiry, so skipping this never changes behavior.
func (l *Ledger) PurgeExpired(ctx context.Context, now time.Time) {
	if l.store == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		for lib, m := range l.mem {
			for id, until := range m {
				if !until.After(now) {
					delete(m, id)
				}
			}
			if len(m) == 0 {
				delete(l.mem, lib)
			}
		}
		return
	}
	if err := l.store.PruneExpired(ctx, now); err != nil {
		l.log.Debug("exclusion prune failed", logx.Err(err))
	}
}
