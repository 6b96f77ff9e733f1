// Package app wires the engine together: config, logging, storage, the
// chat adapter, and the reminder/intake services, with ordered startup and
// reverse-order shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"heimdall/internal/config"
	"heimdall/internal/intake"
	"heimdall/internal/notify"
	"heimdall/internal/reminder"
	"heimdall/internal/rsvp"
	"heimdall/internal/source"
	"heimdall/internal/storage"
	"heimdall/internal/transport"
	telegram "heimdall/internal/transport/telegram"
	logx "heimdall/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter transport.Messenger
	src     *source.PG

	disp     *notify.Dispatcher
	rsvps    *rsvp.Handler
	sched    *reminder.Service
	webhook  *intake.WebhookServer
	listener *intake.Listener

	watchCancel context.CancelFunc
	reloads     chan *config.Config
	lastLog     logx.Config
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg := logxConfigFrom(cfg)
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	// Delivery ledger (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("ledger enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("ledger disabled; reminders repeat after restarts")
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	src := source.NewPG(log.With(logx.String("comp", "source")))
	disp := notify.NewDispatcher(notify.Config{}, ad, src, log.With(logx.String("comp", "dispatch")))
	rsvps := rsvp.NewHandler(store, ad, log)
	sched := reminder.NewService(cfgm, src, store, disp, rsvps, log)
	intakeSvc := intake.NewService(cfgm, disp, rsvps, src, log)

	a := &App{
		cfgm:     cfgm,
		lastLog:  logCfg,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		src:      src,
		disp:     disp,
		rsvps:    rsvps,
		sched:    sched,
		listener: intake.NewListener(cfgm, src, intakeSvc, log),
	}
	if cfg.Webhook.Enabled {
		a.webhook = intake.NewWebhookServer(cfgm, intakeSvc, log)
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.rsvps.Load(ctx); err != nil {
		a.log.Warn("rsvp restore failed", logx.Err(err))
	}
	if err := a.adapter.Start(ctx, a.rsvps.Callback(ctx)); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.listener.Start(ctx)
	if a.webhook != nil {
		a.webhook.Start(ctx)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.reloads = a.cfgm.Subscribe(1)
	go func() {
		for snap := range a.reloads {
			a.applyReload(snap)
		}
	}()
	go func() {
		if err := a.cfgm.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("started", logx.Int("tenants", len(a.cfgm.Get().Tenants)))
	return nil
}

// Stop tears the app down in reverse start order: stop taking new work,
// drain the scheduler, then release the adapter and backends.
func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.cfgm.Unsubscribe(a.reloads)
	if a.webhook != nil {
		if err := a.webhook.Stop(ctx); err != nil {
			a.log.Warn("webhook shutdown", logx.Err(err))
		}
	}
	a.listener.Stop()
	a.sched.Stop(ctx)
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter shutdown", logx.Err(err))
	}
	a.src.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("ledger close", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// applyReload pushes a fresh config snapshot into the live components:
// logging sinks/level swap in place, and the push listener reconciles its
// per-tenant subscriptions. The scheduler and webhook read the manager's
// current snapshot on every request, so they need no push.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if next := logxConfigFrom(cfg); next != a.lastLog {
		a.logs.Apply(next)
		a.lastLog = next
		a.log.Info("logging reconfigured", logx.String("level", next.Level))
	}
	if a.listener != nil {
		a.listener.Apply(cfg)
	}
}

func logxConfigFrom(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(cfg.Storage.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}
