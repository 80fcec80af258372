package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"alarmd/internal/alarm"
)

// memStore keeps everything in process memory. Used as the default backend
// and as the base for tests.
type memStore struct {
	mu     sync.Mutex
	closed bool
	alarms map[string]alarm.Alarm
	dedup  map[string]int64 // unix milli
}

func newMemory() *memStore {
	return &memStore{
		alarms: map[string]alarm.Alarm{},
		dedup:  map[string]int64{},
	}
}

func (s *memStore) Get(ctx context.Context, id string) (alarm.Alarm, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return alarm.Alarm{}, ErrClosed
	}
	a, ok := s.alarms[id]
	if !ok {
		return alarm.Alarm{}, ErrNotFound
	}
	return a, nil
}

func (s *memStore) All(ctx context.Context) ([]alarm.Alarm, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]alarm.Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Put(ctx context.Context, a alarm.Alarm) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.alarms[a.ID] = a
	return nil
}

func (s *memStore) Create(ctx context.Context, a alarm.Alarm) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.alarms[a.ID]; ok {
		return ErrExists
	}
	s.alarms[a.ID] = a
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.alarms, id)
	return nil
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until.UnixMilli()
	return nil
}

func (s *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
