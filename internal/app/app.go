// Package app wires configuration, logging, storage, the Plex catalog and
// the rotation service into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"

	"dynamix/internal/catalog/plex"
	"dynamix/internal/config"
	"dynamix/internal/eventbus"
	"dynamix/internal/ledger"
	"dynamix/internal/rotation"
	"dynamix/internal/selector"
	"dynamix/internal/storage"
	logx "dynamix/pkg/logx"
)

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	store  storage.Store
	bus    eventbus.Bus
	rot    *rotation.Service

	mu        sync.Mutex
	cancelBG  context.CancelFunc
	cfgCh     chan *config.Config
	unsubBus  func()
	bgWG      sync.WaitGroup
	startedOK bool
}

// New loads and validates the config, then builds the full service graph.
// Persistence failures are downgraded to in-memory state (fail-open); a bad
// config or unreachable-by-construction Plex settings are the only fatal
// outcomes.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log)
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		return c.Validate()
	})

	var store storage.Store
	if cfg.Storage != nil {
		busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log)
		if err != nil {
			// Over-exclusion is cosmetic, under-exclusion risks a repeat;
			// neither justifies refusing to start.
			log.Warn("storage unavailable; running with in-memory state", logx.Err(err))
		} else {
			store = st
		}
	}

	led := ledger.New(store, cfg.Pinning.Retention(), log)
	ex := ledger.NewExemptions(store, log)
	sel := selector.New(led, ex, nil, log)

	timeout, err := config.ParseDurationField("plex.timeout", cfg.Plex.Timeout)
	if err != nil {
		return nil, err
	}
	cat, err := plex.New(plex.Config{
		URL:        cfg.Plex.URL,
		Token:      cfg.Plex.Token,
		Timeout:    timeout,
		RatePerSec: cfg.Plex.RatePerSec,
	}, log)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	rot := rotation.New(mgr, cat, led, ex, sel, store, bus, log)

	return &App{
		mgr:    mgr,
		logSvc: logSvc,
		log:    log,
		store:  store,
		bus:    bus,
		rot:    rot,
	}, nil
}

// Ledger access for auxiliary tooling (exemption management commands).
func (a *App) Manager() *config.Manager { return a.mgr }
func (a *App) Store() storage.Store     { return a.store }
func (a *App) Logger() logx.Logger      { return a.log }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startedOK {
		return nil
	}

	bgCtx, cancel := context.WithCancel(ctx)
	a.cancelBG = cancel

	// Event log subscriber: the single operator-facing rendering of
	// rotation outcomes.
	evCh, unsub := a.bus.Subscribe(64)
	a.unsubBus = unsub
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		a.logEvents(bgCtx, evCh)
	}()

	// Config file watch + reload fanout.
	cfgCh := a.mgr.Subscribe(4)
	a.cfgCh = cfgCh
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		_ = a.mgr.Watch(bgCtx)
	}()
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		for {
			select {
			case <-bgCtx.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok || cfg == nil {
					return
				}
				a.log.Info("config reloaded")
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.rot.Apply(cfg)
			}
		}
	}()

	if err := a.rot.Start(ctx); err != nil {
		cancel()
		return err
	}
	a.startedOK = true

	// Best-effort; no-op outside systemd.
	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyReady)
	a.log.Info("dynamix started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)

	a.mu.Lock()
	cancel := a.cancelBG
	cfgCh := a.cfgCh
	unsub := a.unsubBus
	a.cancelBG = nil
	a.cfgCh = nil
	a.unsubBus = nil
	a.startedOK = false
	a.mu.Unlock()

	err := a.rot.Stop(ctx)

	if cancel != nil {
		cancel()
	}
	if cfgCh != nil {
		a.mgr.Unsubscribe(cfgCh)
	}
	if unsub != nil {
		unsub()
	}
	a.bgWG.Wait()

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("dynamix stopped")
	_ = a.logSvc.Close()
	return err
}
