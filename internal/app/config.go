package app

import (
	"strings"
	"time"

	"alarmd/internal/config"
	"alarmd/internal/notify"
	"alarmd/internal/sched"
	"alarmd/internal/server"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// The functions below translate the on-disk config (duration strings,
// optional sections) into each component's runtime config. Validation has
// already run, so duration parse failures fall back to defaults here.

func logConfigFrom(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfigFrom(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}
	}
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	driver := strings.TrimSpace(strings.ToLower(cfg.Storage.Driver))
	if driver == "" {
		driver = "memory"
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func schedConfigFrom(cfg *config.Config) sched.Config {
	sweep, _ := config.ParseDurationField("scheduler.sweep_interval", cfg.Scheduler.SweepInterval)
	return sched.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      cfg.Scheduler.Timezone,
		SweepInterval: sweep,
		HistorySize:   cfg.Scheduler.HistorySize,
	}
}

func notifyConfigFrom(cfg *config.Config) notify.Config {
	n := cfg.Notifier
	if n == nil {
		// Omitted section: enabled, log sink only.
		return notify.Config{Enabled: true}
	}
	retryBase, _ := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	retryMax, _ := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	window, _ := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	return notify.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
		DedupWindow:   window,
		WebhookURL:    n.WebhookURL,
	}
}

func serverConfigFrom(cfg *config.Config) server.Config {
	s := cfg.Server
	if s == nil {
		return server.Config{}
	}
	read, _ := config.ParseDurationField("server.read_timeout", s.ReadTimeout)
	write, _ := config.ParseDurationField("server.write_timeout", s.WriteTimeout)
	idle, _ := config.ParseDurationField("server.idle_timeout", s.IdleTimeout)
	return server.Config{
		Enabled:      s.Enabled,
		Addr:         s.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		CORSOrigins:  s.CORSOrigins,
	}
}
