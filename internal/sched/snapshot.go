package sched

import (
	"context"
	"sort"
	"time"

	"alarmd/internal/alarm"
	logx "alarmd/pkg/logx"
)

// Snapshot reports every alarm in the store together with its pending wake
// events. Store failures degrade to an empty alarm list rather than erroring;
// the status surface should stay up even when the store hiccups.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	s.mu.Unlock()

	snap := Snapshot{Enabled: enabled, Timezone: tz}

	alarms, err := s.store.All(ctx)
	if err != nil {
		s.log.Warn("store read failed for snapshot", logx.Err(err))
		return snap
	}

	for _, a := range alarms {
		st := AlarmStatus{
			ID:     a.ID,
			Label:  a.Label,
			Time:   a.Time.String(),
			Days:   a.Days.String(),
			Active: a.Active,
			Repeat: a.Repeat,
			State:  "idle",
		}
		for k, at := range s.trackedKeys(a.ID) {
			st.Keys = append(st.Keys, string(k))
			if st.NextAt.IsZero() || at.Before(st.NextAt) {
				st.NextAt = at
			}
		}
		sort.Strings(st.Keys)
		if len(st.Keys) > 0 {
			st.State = "armed"
		}
		if !st.NextAt.IsZero() && (snap.NextAlarm.IsZero() || st.NextAt.Before(snap.NextAlarm)) {
			snap.NextAlarm = st.NextAt
			snap.NextAlarmID = a.ID
		}
		snap.Alarms = append(snap.Alarms, st)
	}

	snap.History = s.firedHistory()
	return snap
}

// NextTrigger returns the soonest pending wake instant across all armed
// alarms, or false when nothing is armed.
func (s *Service) NextTrigger() (id string, at time.Time, ok bool) {
	s.amu.Lock()
	defer s.amu.Unlock()
	for aid, keys := range s.armed {
		for _, t := range keys {
			if !ok || t.Before(at) {
				id, at, ok = aid, t, true
			}
		}
	}
	return id, at, ok
}

// PendingKeys returns the tracked wake keys for one alarm, sorted.
func (s *Service) PendingKeys(id string) []alarm.Key {
	s.amu.Lock()
	defer s.amu.Unlock()
	keys := make([]alarm.Key, 0, len(s.armed[id]))
	for k := range s.armed[id] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (s *Service) firedHistory() []FiredAlarm {
	s.amu.Lock()
	defer s.amu.Unlock()
	out := make([]FiredAlarm, len(s.history))
	copy(out, s.history)
	return out
}
