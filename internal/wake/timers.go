package wake

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"alarmd/internal/alarm"
	logx "alarmd/pkg/logx"
)

// Timers is the in-process Scheduler backed by per-key time.Timers.
//
// Each key carries a version stamp: re-registering bumps the version, and a
// timer callback that observes a stale version ignores itself. That makes
// overwrite-vs-duplicate races harmless without stopping timers mid-flight.
type Timers struct {
	log    logx.Logger
	onFire FireFunc

	mu     sync.Mutex
	closed bool
	timers map[alarm.Key]*time.Timer
	armed  map[alarm.Key]time.Time
	ver    map[alarm.Key]uint64
}

var _ Scheduler = (*Timers)(nil)

func NewTimers(log logx.Logger, onFire FireFunc) *Timers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Timers{
		log:    log,
		onFire: onFire,
		timers: map[alarm.Key]*time.Timer{},
		armed:  map[alarm.Key]time.Time{},
		ver:    map[alarm.Key]uint64{},
	}
}

func (t *Timers) RequestAt(at time.Time, key alarm.Key) error {
	if at.IsZero() {
		return fmt.Errorf("%w: zero instant for %s", ErrSchedulingFailed, key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: registry closed", ErrSchedulingFailed)
	}

	// Upsert: stop any existing timer under this key.
	if old, ok := t.timers[key]; ok {
		_ = old.Stop()
	}
	ver := t.ver[key] + 1
	t.ver[key] = ver
	t.armed[key] = at

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	localKey := key
	localAt := at
	localVer := ver
	t.timers[key] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.closed || t.ver[localKey] != localVer {
			t.mu.Unlock()
			return
		}
		delete(t.timers, localKey)
		delete(t.armed, localKey)
		delete(t.ver, localKey)
		fire := t.onFire
		t.mu.Unlock()

		if fire != nil {
			fire(localKey, localAt)
		}
	})

	t.log.Debug("wake event armed", logx.String("key", string(key)), logx.Time("at", at))
	return nil
}

func (t *Timers) Cancel(key alarm.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: registry closed", ErrSchedulingFailed)
	}
	tm, ok := t.timers[key]
	if !ok {
		return nil
	}
	_ = tm.Stop()
	delete(t.timers, key)
	delete(t.armed, key)
	delete(t.ver, key)
	t.log.Debug("wake event canceled", logx.String("key", string(key)))
	return nil
}

// Pending returns the keys with a pending wake event, sorted.
func (t *Timers) Pending() []alarm.Key {
	t.mu.Lock()
	keys := make([]alarm.Key, 0, len(t.timers))
	for k := range t.timers {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// PendingAt reports the armed instant for a key, if any.
func (t *Timers) PendingAt(key alarm.Key) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.armed[key]
	return at, ok
}

// Close stops all pending timers. Fired callbacks already in flight may still
// run; new requests are rejected.
func (t *Timers) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, tm := range t.timers {
		_ = tm.Stop()
	}
	t.timers = map[alarm.Key]*time.Timer{}
	t.armed = map[alarm.Key]time.Time{}
	t.ver = map[alarm.Key]uint64{}
}
