package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

func (s *Service) idLock(id string) *sync.Mutex {
	s.amu.Lock()
	defer s.amu.Unlock()
	m := s.locks[id]
	if m == nil {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// trackedKeys returns a copy of the keys currently tracked for an alarm id.
func (s *Service) trackedKeys(id string) map[alarm.Key]time.Time {
	s.amu.Lock()
	defer s.amu.Unlock()
	out := make(map[alarm.Key]time.Time, len(s.armed[id]))
	for k, at := range s.armed[id] {
		out[k] = at
	}
	return out
}

func (s *Service) track(id string, key alarm.Key, at time.Time) {
	s.amu.Lock()
	defer s.amu.Unlock()
	m := s.armed[id]
	if m == nil {
		m = map[alarm.Key]time.Time{}
		s.armed[id] = m
	}
	m[key] = at
}

func (s *Service) untrack(id string, key alarm.Key) {
	s.amu.Lock()
	defer s.amu.Unlock()
	if m := s.armed[id]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(s.armed, id)
		}
	}
}

// Apply brings the pending wake events for one alarm in line with its
// declarative state.
//
// Active with a non-empty day set: one wake event per selected weekday.
// Inactive (or empty day set): every key this alarm could hold is canceled,
// both the keys tracked since start and the full all-weekday set, so day-set
// edits made before deactivation don't leak orphaned requests.
//
// Per-weekday registration failures don't roll back the days that succeeded;
// the joined error is surfaced and the caller decides what to do with it.
func (s *Service) Apply(ctx context.Context, a alarm.Alarm) error {
	if err := a.Validate(); err != nil {
		return err
	}

	lock := s.idLock(a.ID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now().In(s.location())
	tracked := s.trackedKeys(a.ID)

	if !a.Active || a.Days.Empty() {
		return s.cancelAllLocked(a, tracked)
	}

	occs := alarm.ProjectWeeklyOccurrences(a, now)

	// One-shot weekdays that already fired stay terminal. Without this check
	// the sweep and the restart path would re-arm them a week out.
	if !a.Repeat {
		if fired := s.firedDays(ctx, a); !fired.Empty() {
			kept := occs[:0]
			for _, o := range occs {
				if !fired.Has(o.Day) {
					kept = append(kept, o)
				}
			}
			occs = kept
		}
	}

	desired := make(map[alarm.Key]bool, len(occs))
	for _, o := range occs {
		desired[o.Key] = true
	}

	var errs []error

	// Drop requests left behind by day/time edits while active.
	for k := range tracked {
		if desired[k] {
			continue
		}
		if err := s.wk.Cancel(k); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", k, err))
			continue
		}
		s.untrack(a.ID, k)
	}

	armed := 0
	var next time.Time
	for _, o := range occs {
		if err := s.wk.RequestAt(o.At, o.Key); err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", o.Key, err))
			continue
		}
		s.track(a.ID, o.Key, o.At)
		armed++
		if next.IsZero() || o.At.Before(next) {
			next = o.At
		}
	}

	if armed > 0 {
		s.log.Debug("alarm armed",
			logx.String("id", a.ID),
			logx.Int("days", armed),
			logx.Time("next", next))
		s.publish(eventbus.TypeAlarmArmed, armedEvent{ID: a.ID, Days: armed, Next: next})
	}
	return errors.Join(errs...)
}

// Delete tears down every pending wake event for an alarm and removes it
// from the store.
func (s *Service) Delete(ctx context.Context, a alarm.Alarm) error {
	lock := s.idLock(a.ID)
	lock.Lock()
	defer lock.Unlock()

	cancelErr := s.cancelAllLocked(a, s.trackedKeys(a.ID))
	s.clearFired(ctx, a.ID)
	if err := s.store.Delete(ctx, a.ID); err != nil {
		return errors.Join(cancelErr, err)
	}
	return cancelErr
}

// firedKey names the persisted marker for one fired one-shot weekday. It
// shares the store's key/deadline ledger with the notify dedup entries;
// distinct prefixes keep the namespaces apart.
func firedKey(id string, d time.Weekday) string {
	return fmt.Sprintf("fired|%s|%s", id, alarm.DayTag(d))
}

// markFired persists a fired one-shot weekday so sweeps and restarts treat it
// as terminal. The marker outlives any realistic process lifetime; user edits
// clear it explicitly.
func (s *Service) markFired(ctx context.Context, id string, d time.Weekday) {
	until := s.now().AddDate(100, 0, 0)
	if err := s.store.PutDedup(ctx, firedKey(id, d), until); err != nil {
		s.log.Error("fired-day persist failed",
			logx.String("id", id),
			logx.String("day", alarm.DayTag(d)),
			logx.Err(err))
	}
}

// firedDays reads the terminal weekdays for a one-shot alarm. Store read
// failures count as not fired; re-arming beats going silent.
func (s *Service) firedDays(ctx context.Context, a alarm.Alarm) alarm.DaySet {
	var fired alarm.DaySet
	now := s.now()
	for _, d := range a.Days.List() {
		until, ok, err := s.store.GetDedup(ctx, firedKey(a.ID, d))
		if err != nil {
			s.log.Warn("fired-day read failed", logx.String("id", a.ID), logx.Err(err))
			continue
		}
		if ok && until.After(now) {
			fired = fired.With(d)
		}
	}
	return fired
}

// ResetFired forgets the terminal state of every weekday for an alarm. Called
// on user edits so an explicitly re-saved one-shot arms afresh.
func (s *Service) ResetFired(ctx context.Context, id string) {
	s.clearFired(ctx, id)
}

func (s *Service) clearFired(ctx context.Context, id string) {
	now := s.now()
	expired := now.Add(-time.Minute)
	for d := time.Sunday; d <= time.Saturday; d++ {
		key := firedKey(id, d)
		until, ok, err := s.store.GetDedup(ctx, key)
		if err != nil || !ok || !until.After(now) {
			continue
		}
		if err := s.store.PutDedup(ctx, key, expired); err != nil {
			s.log.Warn("fired-day clear failed", logx.String("id", id), logx.Err(err))
		}
	}
}

// cancelAllLocked cancels tracked keys plus the full all-weekday key set for
// the alarm's current time. Call with the per-id lock held.
func (s *Service) cancelAllLocked(a alarm.Alarm, tracked map[alarm.Key]time.Time) error {
	targets := make(map[alarm.Key]bool, len(tracked)+7)
	for k := range tracked {
		targets[k] = true
	}
	for _, k := range alarm.AllKeys(a.ID, a.Time) {
		targets[k] = true
	}

	var errs []error
	canceled := 0
	for k := range targets {
		if err := s.wk.Cancel(k); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", k, err))
			continue
		}
		s.untrack(a.ID, k)
		canceled++
	}
	if canceled > 0 {
		s.log.Debug("alarm disarmed", logx.String("id", a.ID))
		s.publish(eventbus.TypeAlarmCanceled, canceledEvent{ID: a.ID})
	}
	return errors.Join(errs...)
}

// HandleWake is the wake registry's fire callback.
//
// Repeat alarms re-arm the fired weekday exactly one week out; one-shot
// alarms leave that weekday terminal while any other weekdays stay armed.
func (s *Service) HandleWake(key alarm.Key, at time.Time) {
	id := key.AlarmID()
	day, ok := key.Day()
	if id == "" || !ok {
		s.log.Warn("wake fire with malformed key", logx.String("key", string(key)))
		return
	}

	lock := s.idLock(id)
	lock.Lock()

	s.untrack(id, key)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a, err := s.store.Get(ctx, id)
	cancel()
	if err != nil {
		lock.Unlock()
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted between arming and firing; nothing to do.
			s.log.Debug("wake fire for missing alarm", logx.String("key", string(key)))
		} else {
			s.log.Error("alarm lookup failed on fire", logx.String("id", id), logx.Err(err))
		}
		return
	}

	fired := FiredAlarm{Alarm: a, Key: key, Day: day, At: at}
	s.recordFired(fired)

	if a.Repeat && a.Active && a.Days.Has(day) {
		now := s.now().In(s.location())
		occ := alarm.NextOccurrenceOn(a, day, now)
		if err := s.wk.RequestAt(occ.At, occ.Key); err != nil {
			s.log.Error("re-arm failed", logx.String("key", string(occ.Key)), logx.Err(err))
		} else {
			s.track(id, occ.Key, occ.At)
		}
	} else if !a.Repeat {
		mctx, mcancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.markFired(mctx, id, day)
		mcancel()
	}
	lock.Unlock()

	s.log.Info("alarm fired",
		logx.String("id", a.ID),
		logx.String("label", a.Label),
		logx.String("day", alarm.DayTag(day)),
		logx.Time("at", at),
		logx.Bool("repeat", a.Repeat))
	s.publish(eventbus.TypeAlarmFired, fired)

	// Delivery hook runs outside the per-id lock so sinks can call back into
	// the service.
	if s.onFired != nil {
		s.onFired(fired)
	}
}

func (s *Service) recordFired(f FiredAlarm) {
	s.amu.Lock()
	defer s.amu.Unlock()
	limit := s.cfg.HistorySize
	if limit <= 0 {
		limit = 100
	}
	s.history = append(s.history, f)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

type armedEvent struct {
	ID   string    `json:"id"`
	Days int       `json:"days"`
	Next time.Time `json:"next"`
}

type canceledEvent struct {
	ID string `json:"id"`
}
