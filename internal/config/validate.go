package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks cross-field constraints before a config is committed:
// duration strings parse, the timezone loads, and the storage driver is one
// we ship.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if _, err := ParseDurationField("scheduler.sweep_interval", cfg.Scheduler.SweepInterval); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.TrimSpace(strings.ToLower(st.Driver)) {
		case "", "memory", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
	}

	if n := cfg.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	if s := cfg.Server; s != nil {
		for _, f := range []struct{ path, raw string }{
			{"server.read_timeout", s.ReadTimeout},
			{"server.write_timeout", s.WriteTimeout},
			{"server.idle_timeout", s.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}
	return nil
}
