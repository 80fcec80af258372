package sched

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/storage"
	"alarmd/internal/wake"
	logx "alarmd/pkg/logx"

	"github.com/robfig/cron/v3"
)

func New(cfg Config, store storage.Store, wk wake.Scheduler, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		store: store,
		wk:    wk,
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
		armed: map[string]map[alarm.Key]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Reconfigure may run
// concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// SetFiredHandler installs the delivery hook. Call before Start.
func (s *Service) SetFiredHandler(fn FiredFunc) { s.onFired = fn }

// Start restores pending wake events from the persisted alarm set and starts
// the maintenance sweep.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	cfg := s.cfg
	s.c = cron.New(cron.WithLocation(loc))
	if cfg.SweepInterval > 0 {
		spec := fmt.Sprintf("@every %s", cfg.SweepInterval.String())
		_, err := s.c.AddFunc(spec, func() { s.sweep(context.Background()) })
		if err != nil {
			s.log.Error("sweep register failed", logx.Err(err))
		}
	}
	s.c.Start()
	s.mu.Unlock()

	// Re-arm everything active. The wake registry is empty after a restart,
	// so this is the only thing standing between the store and silence.
	s.rearmAll(ctx)
	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Duration("sweep", cfg.SweepInterval))
}

// Stop stops the sweep. Pending wake events are owned by the wake registry
// and are torn down with it.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("scheduler stopped")
}

// Reconfigure applies a new config. A timezone change restarts the sweep
// cron with the new location.
func (s *Service) Reconfigure(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	oldSweep := s.cfg.SweepInterval
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		s.mu.Unlock()
		return
	}
	if oldTZ != newTZ || oldSweep != cfg.SweepInterval {
		c := s.c
		loc := s.loadLocationLocked()
		s.loc = loc
		s.c = cron.New(cron.WithLocation(loc))
		if cfg.SweepInterval > 0 {
			spec := fmt.Sprintf("@every %s", cfg.SweepInterval.String())
			_, _ = s.c.AddFunc(spec, func() { s.sweep(context.Background()) })
		}
		s.c.Start()
		s.mu.Unlock()
		<-c.Stop().Done()
		s.log.Info("scheduler reconfigured", logx.String("tz", loc.String()))
		return
	}
	s.mu.Unlock()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	if loc == nil {
		return time.Local
	}
	return loc
}

// rearmAll re-applies every active alarm from the store.
func (s *Service) rearmAll(ctx context.Context) {
	alarms, err := s.store.All(ctx)
	if err != nil {
		s.log.Error("alarm listing failed", logx.Err(err))
		return
	}
	armed := 0
	for _, a := range alarms {
		if !a.Active {
			continue
		}
		if err := s.Apply(ctx, a); err != nil {
			s.log.Warn("alarm re-arm failed", logx.String("id", a.ID), logx.Err(err))
			continue
		}
		armed++
	}
	s.log.Info("alarms restored", logx.Int("total", len(alarms)), logx.Int("armed", armed))
}

// sweep is the periodic self-heal pass: re-apply all active alarms and log
// the next pending trigger.
func (s *Service) sweep(ctx context.Context) {
	s.rearmAll(ctx)
	snap := s.Snapshot(ctx)
	if !snap.NextAlarm.IsZero() {
		s.log.Debug("sweep complete",
			logx.Time("next_alarm", snap.NextAlarm),
			logx.String("next_alarm_id", snap.NextAlarmID))
	} else {
		s.log.Debug("sweep complete; nothing armed")
	}
}
