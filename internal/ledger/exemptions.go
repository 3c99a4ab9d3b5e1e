package ledger

import (
	"context"
	"sync"
	"time"

	"dynamix/internal/storage"
	logx "dynamix/pkg/logx"
)

// Exemptions is the set of collections the user has permanently forbidden
// from selection. Pure membership, no expiry, and explicitly untouched by
// ledger resets.
type Exemptions struct {
	store storage.Store
	log   logx.Logger

	mu  sync.Mutex
	mem map[string]map[string]storage.Exemption
}

func NewExemptions(store storage.Store, log logx.Logger) *Exemptions {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Exemptions{store: store, log: log}
	if store == nil {
		e.mem = map[string]map[string]storage.Exemption{}
	}
	return e
}

func (e *Exemptions) IsExempt(ctx context.Context, library, collection string) bool {
	if e.store == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, ok := e.mem[library][collection]
		return ok
	}
	_, ok, err := e.store.GetExemption(ctx, library, collection)
	if err != nil {
		e.log.Warn("exemption read failed; treating as not exempt",
			logx.String("library", library), logx.String("collection", collection), logx.Err(err))
		return false
	}
	return ok
}

func (e *Exemptions) Add(ctx context.Context, library, collection, reason string) error {
	rec := storage.Exemption{
		Library:    library,
		Collection: collection,
		Reason:     reason,
		AddedAt:    time.Now(),
	}
	if e.store == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		lib := e.mem[library]
		if lib == nil {
			lib = map[string]storage.Exemption{}
			e.mem[library] = lib
		}
		lib[collection] = rec
		return nil
	}
	return e.store.PutExemption(ctx, rec)
}

func (e *Exemptions) Remove(ctx context.Context, library, collection string) error {
	if e.store == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.mem[library], collection)
		return nil
	}
	return e.store.DeleteExemption(ctx, library, collection)
}

func (e *Exemptions) List(ctx context.Context, library string) []storage.Exemption {
	if e.store == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		out := make([]storage.Exemption, 0, len(e.mem[library]))
		for _, rec := range e.mem[library] {
			out = append(out, rec)
		}
		return out
	}
	out, err := e.store.ListExemptions(ctx, library)
	if err != nil {
		e.log.Warn("exemption list failed; treating as empty",
			logx.String("library", library), logx.Err(err))
		return nil
	}
	return out
}
