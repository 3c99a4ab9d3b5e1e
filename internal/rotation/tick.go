package rotation

import (
	"context"
	"strings"
	"time"

	"dynamix/internal/catalog"
	"dynamix/internal/config"
	"dynamix/internal/eventbus"
	"dynamix/internal/schedule"
	"dynamix/internal/storage"
	logx "dynamix/pkg/logx"
)

// phase names one step of the per-library cycle, for logs and errors.
type phase string

const (
	phaseResolving phase = "resolving"
	phaseSelecting phase = "selecting"
	phaseApplying  phase = "applying"
)

// tick runs one full reconciliation cycle for a single library:
// Idle -> Resolving -> Selecting -> Applying -> Idle.
//
// Configuration is read once at tick start; edits take effect next tick.
// The whole cycle runs under one deadline so a stalled catalog cannot stall
// the loop. A timeout in Applying leaves the ledger update committed and
// simply skips the remaining intents; the next tick re-resolves against
// current pinned state and self-corrects.
func (s *Service) tick(ctx context.Context, library string) {
	cfg := s.mgr.Get()
	if cfg == nil {
		return
	}
	pin := cfg.Pinning

	libCfg, ok := findLibrary(cfg, library)
	if !ok {
		// Library was removed from config; the next Apply() drops this worker.
		return
	}

	start := s.now()
	now := start.In(pin.Location())
	log := s.log.With(logx.String("library", library))

	s.led.SetRetention(pin.Retention())

	tctx, cancel := context.WithTimeout(ctx, pin.TickTimeoutDuration())
	defer cancel()

	// Resolving.
	rules, err := libCfg.CompileRules()
	if err != nil {
		// Malformed rules skip this library for the tick; the rest of the
		// process keeps running.
		log.Warn("invalid time blocks; skipping library this tick", logx.Err(err))
		s.finishTick(tctx, start, eventbus.TickEvent{Library: library, Error: err.Error()})
		return
	}
	limit := schedule.ActiveLimit(now, rules)
	outcome := eventbus.TickEvent{Library: library, Limit: limit}
	if limit == 0 {
		// Outside every configured window: nothing to do, and no catalog
		// calls are made.
		log.Debug("no active time block; idle tick", logx.String("phase", string(phaseResolving)))
		s.finishTick(tctx, start, outcome)
		return
	}
	log.Debug("resolved active limit", logx.Int("limit", limit))

	// Opportunistic compaction; never observable.
	s.led.PurgeExpired(tctx, now)

	// Selecting, against a snapshot taken once at tick start.
	cols, err := s.cat.Collections(tctx, library)
	if err != nil {
		log.Warn("catalog snapshot failed; skipping tick", logx.Err(err))
		outcome.Error = err.Error()
		s.finishTick(tctx, start, outcome)
		return
	}

	candidates, alwaysIntent := splitAlwaysPin(cols, pin.AlwaysPin)

	currently := make([]catalog.Collection, 0, limit)
	pool := make([]catalog.Collection, 0, len(candidates))
	for _, c := range candidates {
		if c.Pinned {
			currently = append(currently, c)
		} else {
			pool = append(pool, c)
		}
	}

	// A pinned collection stays pinned while its ledger entry is active and
	// it remains structurally eligible; this is what makes back-to-back
	// ticks idempotent. Once the entry expires the collection rotates out.
	keep := make([]catalog.Collection, 0, limit)
	for _, c := range currently {
		if len(keep) >= limit {
			break
		}
		if c.Items < pin.MinItems {
			continue
		}
		if s.ex.IsExempt(tctx, library, c.ID) {
			continue
		}
		if !s.led.IsExcluded(tctx, library, c.ID, now) {
			continue
		}
		keep = append(keep, c)
	}

	res := s.sel.Select(tctx, library, pool, limit-len(keep), pin.MinItems, now)
	if res.Reset {
		outcome.Reset = true
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeLedgerReset,
			Data: eventbus.ResetEvent{Library: library, Dropped: res.ResetDropped},
		})
	}
	outcome.Chosen = len(keep) + len(res.Chosen)
	log.Debug("selection complete",
		logx.String("phase", string(phaseSelecting)),
		logx.Int("kept", len(keep)),
		logx.Int("fresh", len(res.Chosen)),
		logx.Bool("reset", res.Reset))

	// Applying. Each intent is independent; one failure never blocks the
	// others, and a partially applied tick heals on the next cycle.
	keepIDs := make(map[string]bool, len(keep))
	for _, c := range keep {
		keepIDs[c.ID] = true
	}

	for _, c := range res.Chosen {
		if s.applyIntent(tctx, log, library, c, true) {
			outcome.Pinned++
		} else {
			outcome.Failures++
		}
	}
	for _, c := range currently {
		if keepIDs[c.ID] {
			continue
		}
		if s.applyIntent(tctx, log, library, c, false) {
			outcome.Unpinned++
		} else {
			outcome.Failures++
		}
	}
	if alwaysIntent != nil {
		if s.applyIntent(tctx, log, library, alwaysIntent.col, alwaysIntent.pin) {
			if alwaysIntent.pin {
				outcome.Pinned++
			} else {
				outcome.Unpinned++
			}
		} else {
			outcome.Failures++
		}
	}

	// Operator-facing rendering of the outcome happens in the event log
	// subscriber; here we only publish.
	s.finishTick(tctx, start, outcome)
}

// applyIntent issues one pin or unpin intent and publishes its event.
// Returns whether the intent applied.
func (s *Service) applyIntent(ctx context.Context, log logx.Logger, library string, c catalog.Collection, pin bool) bool {
	var err error
	if pin {
		err = s.cat.Pin(ctx, library, c.ID)
	} else {
		err = s.cat.Unpin(ctx, library, c.ID)
	}

	ev := eventbus.IntentEvent{Library: library, Collection: c.ID, Title: c.Title}
	verb := "pin"
	typeOK, typeFail := eventbus.TypePinApplied, eventbus.TypePinFailed
	if !pin {
		verb = "unpin"
		typeOK, typeFail = eventbus.TypeUnpinApplied, eventbus.TypeUnpinFailed
	}

	if err != nil {
		// The failing target is skipped for this tick. If the selector
		// already recorded its ledger entry, the entry stands: the
		// collection simply won't show as pinned and gets retried once its
		// exclusion expires.
		ev.Error = err.Error()
		s.bus.Publish(eventbus.Event{Type: typeFail, Data: ev})
		log.Debug(verb+" intent failed",
			logx.String("phase", string(phaseApplying)),
			logx.String("collection", c.Title),
			logx.Err(err))
		return false
	}
	s.bus.Publish(eventbus.Event{Type: typeOK, Data: ev})
	log.Debug(verb+" applied", logx.String("collection", c.Title))
	return true
}

// finishTick publishes the tick outcome and appends the audit row.
func (s *Service) finishTick(ctx context.Context, start time.Time, outcome eventbus.TickEvent) {
	outcome.Took = time.Since(start)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTickFinished, Data: outcome})

	if s.store == nil {
		return
	}
	err := s.store.AppendAudit(ctx, storage.AuditEntry{
		At:       start,
		Library:  outcome.Library,
		Limit:    outcome.Limit,
		Chosen:   outcome.Chosen,
		Pinned:   outcome.Pinned,
		Unpinned: outcome.Unpinned,
		Failures: outcome.Failures,
		Reset:    outcome.Reset,
		TookMS:   outcome.Took.Milliseconds(),
		Error:    outcome.Error,
	})
	if err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}

type alwaysPinIntent struct {
	col catalog.Collection
	pin bool
}

// splitAlwaysPin removes the always-pin collection from the candidate list
// and, when its pinned state disagrees with the flag, returns the corrective
// intent. The collection never competes for time-block capacity and never
// enters the ledger.
func splitAlwaysPin(cols []catalog.Collection, ap *config.AlwaysPinConfig) ([]catalog.Collection, *alwaysPinIntent) {
	if ap == nil || strings.TrimSpace(ap.Title) == "" {
		return cols, nil
	}
	candidates := make([]catalog.Collection, 0, len(cols))
	var intent *alwaysPinIntent
	for _, c := range cols {
		if !strings.EqualFold(c.Title, ap.Title) {
			candidates = append(candidates, c)
			continue
		}
		if ap.Enabled && !c.Pinned {
			intent = &alwaysPinIntent{col: c, pin: true}
		} else if !ap.Enabled && c.Pinned {
			intent = &alwaysPinIntent{col: c, pin: false}
		}
	}
	return candidates, intent
}

func findLibrary(cfg *config.Config, name string) (config.LibraryConfig, bool) {
	for _, l := range cfg.Pinning.Libraries {
		if l.Name == name {
			return l, true
		}
	}
	return config.LibraryConfig{}, false
}
