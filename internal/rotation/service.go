// Package rotation runs the reconciliation loop: once per tick and per
// library it resolves the active pin limit, selects collections, and diffs
// the result against the catalog's current pinned state.
package rotation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dynamix/internal/catalog"
	"dynamix/internal/config"
	"dynamix/internal/eventbus"
	"dynamix/internal/ledger"
	"dynamix/internal/schedule"
	"dynamix/internal/selector"
	"dynamix/internal/storage"
	logx "dynamix/pkg/logx"
)

// Service drives one worker goroutine per configured library. A library's
// ticks are serialized by construction (single goroutine); libraries run
// concurrently and share no mutable state beyond the store, which serializes
// its own writes.
type Service struct {
	mgr   *config.Manager
	cat   catalog.Catalog
	led   *ledger.Ledger
	ex    *ledger.Exemptions
	sel   *selector.Selector
	store storage.Store // audit sink; may be nil
	bus   eventbus.Bus
	log   logx.Logger

	mu        sync.Mutex
	parentCtx context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	c         *cron.Cron
	workers   map[string]*worker
	runKey    string // cadence+tz+libraries fingerprint of the running loop

	// now is swappable so tests can pin the clock.
	now func() time.Time
}

type worker struct {
	library string
	trigger chan struct{}
}

func New(mgr *config.Manager, cat catalog.Catalog, led *ledger.Ledger, ex *ledger.Exemptions, sel *selector.Selector, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		mgr:   mgr,
		cat:   cat,
		led:   led,
		ex:    ex,
		sel:   sel,
		store: store,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// Start launches the per-library workers and the tick trigger. The first
// tick for every library fires immediately.
func (s *Service) Start(ctx context.Context) error {
	cfg := s.mgr.Get()
	if cfg == nil {
		return fmt.Errorf("rotation: no config loaded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel != nil {
		return nil // already running
	}
	s.parentCtx = ctx
	return s.startLocked(ctx, cfg)
}

func (s *Service) startLocked(ctx context.Context, cfg *config.Config) error {
	cad, err := schedule.ParseCadence(cfg.Pinning.Cadence)
	if err != nil {
		return fmt.Errorf("rotation: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.runKey = runKey(cfg)
	s.workers = map[string]*worker{}

	var every time.Duration
	if cad.Kind == schedule.CadenceInterval {
		every = cad.Every
	}

	for _, lib := range cfg.Pinning.Libraries {
		w := &worker{library: lib.Name, trigger: make(chan struct{}, 1)}
		s.workers[lib.Name] = w
		s.wg.Add(1)
		go s.runWorker(runCtx, w, every)
	}

	if cad.Kind == schedule.CadenceCron {
		loc := cfg.Pinning.Location()
		c := cron.New(cron.WithParser(schedule.CronParser), cron.WithLocation(loc))
		workers := s.workers
		if _, err := c.AddFunc(cad.Cron, func() {
			for _, w := range workers {
				select {
				case w.trigger <- struct{}{}:
				default:
					// previous tick still running; skip rather than queue up
				}
			}
		}); err != nil {
			cancel()
			s.runCancel = nil
			return fmt.Errorf("rotation: register cron cadence: %w", err)
		}
		c.Start()
		s.c = c
	}

	s.log.Info("rotation started",
		logx.String("cadence", cfg.Pinning.Cadence),
		logx.Int("libraries", len(cfg.Pinning.Libraries)))
	return nil
}

// Stop halts the trigger and waits for in-flight ticks to finish or ctx to
// expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.runCancel
	c := s.c
	s.runCancel = nil
	s.c = nil
	s.workers = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	if c != nil {
		<-c.Stop().Done()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("rotation stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply reacts to a committed config change. Settings that shape the loop
// itself (cadence, timezone, library set) require a restart of the workers;
// everything else is read fresh at each tick anyway.
func (s *Service) Apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	running := s.runCancel != nil
	unchanged := s.runKey == runKey(cfg)
	parent := s.parentCtx
	s.mu.Unlock()

	if !running || unchanged {
		return
	}
	s.log.Info("rotation cadence or library set changed; restarting loop")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_ = s.Stop(stopCtx)
	cancel()

	if parent == nil || parent.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(parent, cfg); err != nil {
		s.log.Error("rotation restart failed", logx.Err(err))
	}
}

func runKey(cfg *config.Config) string {
	names := make([]string, 0, len(cfg.Pinning.Libraries))
	for _, l := range cfg.Pinning.Libraries {
		names = append(names, l.Name)
	}
	sort.Strings(names)
	return cfg.Pinning.Cadence + "|" + cfg.Pinning.Timezone + "|" + strings.Join(names, ",")
}

func (s *Service) runWorker(ctx context.Context, w *worker, every time.Duration) {
	defer s.wg.Done()

	// Immediate first tick so a restart doesn't wait a full interval.
	s.safeTick(ctx, w.library)

	var tickC <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tickC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
			s.safeTick(ctx, w.library)
		case <-tickC:
			s.safeTick(ctx, w.library)
		}
	}
}

// safeTick keeps a panic in one library's cycle from taking down the loop
// or the sibling libraries.
func (s *Service) safeTick(ctx context.Context, library string) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in rotation tick",
				logx.String("library", library),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	s.tick(ctx, library)
}
