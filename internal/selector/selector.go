// Package selector picks which collections to pin for one tick.
package selector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"dynamix/internal/catalog"
	logx "dynamix/pkg/logx"
)

// ExclusionLedger is the slice of the ledger the selector needs.
type ExclusionLedger interface {
	IsExcluded(ctx context.Context, library, collection string, now time.Time) bool
	Record(ctx context.Context, library, collection string, now time.Time)
	Reset(ctx context.Context, library string) int
}

// ExemptionSet answers permanent user exemptions.
type ExemptionSet interface {
	IsExempt(ctx context.Context, library, collection string) bool
}

// Result is the outcome of one selection.
type Result struct {
	Chosen []catalog.Collection
	// Reset reports that the ledger fallback fired because every candidate
	// was exclusion-blocked.
	Reset        bool
	ResetDropped int
}

// Selector chooses up to limit collections uniformly at random from the
// eligible candidates.
//
// Eligibility has two layers:
//   - structural: not exempt and meeting the minimum item count; these
//     filters survive a ledger reset
//   - recency: no active exclusion entry; this layer is what the reset
//     fallback clears when it has exhausted every candidate
//
// Every chosen collection is recorded in the ledger before the caller issues
// any pin intent, so a failed pin still counts against the retention window.
type Selector struct {
	led ExclusionLedger
	ex  ExemptionSet
	log logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a Selector. rng is injected so tests can supply a fixed seed;
// nil means a time-seeded source.
func New(led ExclusionLedger, ex ExemptionSet, rng *rand.Rand, log logx.Logger) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{led: led, ex: ex, rng: rng, log: log}
}

// Select picks up to limit collections for the library from candidates.
// minItems filters out collections that are too small to feature.
//
// Fewer eligible candidates than the limit is a degraded but valid outcome.
// Zero eligible candidates (with a non-empty candidate list) triggers the
// ledger reset fallback; exemptions and the min-items filter are permanent
// and survive the reset. Zero candidates after the reset means the library
// is simply exhausted: empty result, no error.
func (s *Selector) Select(ctx context.Context, library string, candidates []catalog.Collection, limit int, minItems int, now time.Time) Result {
	var res Result
	if limit <= 0 || len(candidates) == 0 {
		return res
	}

	structural := make([]catalog.Collection, 0, len(candidates))
	for _, c := range candidates {
		if c.Items < minItems {
			continue
		}
		if s.ex.IsExempt(ctx, library, c.ID) {
			continue
		}
		structural = append(structural, c)
	}

	eligible := make([]catalog.Collection, 0, len(structural))
	for _, c := range structural {
		if s.led.IsExcluded(ctx, library, c.ID, now) {
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 && len(structural) > 0 {
		// Retention windows can legitimately exhaust a small library.
		// Clearing the ledger is the documented fallback; it is never
		// silent (callers publish a reset event from the result).
		res.Reset = true
		res.ResetDropped = s.led.Reset(ctx, library)
		s.log.Warn("no eligible collections; exclusion ledger reset",
			logx.String("library", library),
			logx.Int("dropped", res.ResetDropped),
			logx.Int("candidates", len(candidates)))
		eligible = structural
	}
	if len(eligible) == 0 {
		return res
	}

	res.Chosen = s.sample(eligible, limit)
	for _, c := range res.Chosen {
		s.led.Record(ctx, library, c.ID, now)
	}
	return res
}

// sample picks n distinct elements uniformly at random, or all of them when
// there are not enough.
func (s *Selector) sample(pool []catalog.Collection, n int) []catalog.Collection {
	if len(pool) <= n {
		out := make([]catalog.Collection, len(pool))
		copy(out, pool)
		return out
	}
	s.mu.Lock()
	perm := s.rng.Perm(len(pool))
	s.mu.Unlock()

	out := make([]catalog.Collection, 0, n)
	for _, idx := range perm[:n] {
		out = append(out, pool[idx])
	}
	return out
}
