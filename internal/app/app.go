// Package app assembles the daemon: config, logging, storage, the alarm
// scheduler, the delivery pipeline, and the admin API.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"alarmd/internal/alarm"
	"alarmd/internal/config"
	"alarmd/internal/eventbus"
	"alarmd/internal/notify"
	"alarmd/internal/runtime/supervisor"
	"alarmd/internal/sched"
	"alarmd/internal/server"
	"alarmd/internal/storage"
	"alarmd/internal/wake"
	logx "alarmd/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	storeCfg storage.Config
	timers   *wake.Timers
	sched    *sched.Service
	notif    *notify.Service
	api      *server.Service

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfigFrom(cfg))
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

// Logger exposes the root logger for callers that report fatal errors.
func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	a.storeCfg = storageConfigFrom(cfg)
	st, err := storage.Open(a.storeCfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.bus = eventbus.New()

	// The wake registry fires into the scheduler; the scheduler doesn't exist
	// yet when the registry is built, so the closure binds late.
	a.timers = wake.NewTimers(a.log.With(logx.String("comp", "wake")), func(key alarm.Key, at time.Time) {
		a.sched.HandleWake(key, at)
	})

	a.sched = sched.New(schedConfigFrom(cfg), st, a.timers,
		a.log.With(logx.String("comp", "sched")), a.bus)
	a.notif = notify.New(notifyConfigFrom(cfg), st,
		a.log.With(logx.String("comp", "notify")), a.bus)
	a.sched.SetFiredHandler(a.notif.HandleFired)
	a.api = server.New(serverConfigFrom(cfg), st, a.sched,
		a.log.With(logx.String("comp", "http")))

	a.notif.Start(ctx)
	if a.sched.Enabled() {
		a.sched.Start(ctx)
	}
	if err := a.api.Start(ctx); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	sub := a.cfgMgr.Subscribe(4)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(ctx, c)
			}
		}
	})
	a.startWatchdog()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("readiness notified to systemd")
	}

	a.log.Info("alarmd started")
	return nil
}

// applyConfig hot-reloads the pieces that can change at runtime. Storage
// driver changes need a restart; the validator accepted them, so just log.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logConfigFrom(cfg))

	if nc := storageConfigFrom(cfg); nc.Driver != a.storeCfg.Driver || nc.Path != a.storeCfg.Path {
		a.log.Warn("storage config changed; restart required to take effect")
	}

	a.sched.Reconfigure(schedConfigFrom(cfg))
	if a.sched.Enabled() {
		a.sched.Start(ctx)
	} else {
		a.sched.Stop(ctx)
	}

	a.notif.Apply(notifyConfigFrom(cfg))
	if a.notif.Enabled() {
		a.notif.Start(ctx)
	} else {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
	a.log.Info("configuration applied")
}

// startWatchdog feeds the systemd watchdog at half its interval when one is
// configured on the unit.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.api != nil {
		a.api.Stop(ctx)
	}
	if a.notif != nil {
		a.notif.Stop(ctx)
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.timers != nil {
		a.timers.Close()
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("alarmd stopped")
	_ = a.logSvc.Close()
	return nil
}
