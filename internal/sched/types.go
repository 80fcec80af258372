package sched

import (
	"sync"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/storage"
	"alarmd/internal/wake"
	logx "alarmd/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the arming service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "America/Santiago"

	// SweepInterval re-applies every active alarm from the store on a cron
	// cadence (self-heal after clock drift or missed timers). 0 disables.
	SweepInterval time.Duration

	// HistorySize bounds the in-memory fired history. 0 keeps a default.
	HistorySize int
}

// FiredAlarm describes one wake event that fired.
type FiredAlarm struct {
	Alarm alarm.Alarm
	Key   alarm.Key
	Day   time.Weekday
	At    time.Time
}

// FiredFunc receives fired alarms (the delivery pipeline hook).
type FiredFunc func(f FiredAlarm)

// Service owns the alarm state machine: it translates declarative alarm
// records into pending wake events and keeps both sides consistent.
//
// Mutations for the same alarm id are serialized through a per-id lock;
// callers may invoke Apply concurrently for different ids.
type Service struct {
	mu  sync.Mutex // guards cfg, loc, cron
	cfg Config
	loc *time.Location
	c   *cron.Cron

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	wk    wake.Scheduler

	onFired FiredFunc

	now func() time.Time // injectable clock

	// amu guards per-id locks, armed tracking and fired history.
	amu     sync.Mutex
	locks   map[string]*sync.Mutex
	armed   map[string]map[alarm.Key]time.Time // alarm id -> key -> instant
	history []FiredAlarm
}

// AlarmStatus is the per-alarm view in a Snapshot.
type AlarmStatus struct {
	ID     string    `json:"id"`
	Label  string    `json:"label,omitempty"`
	Time   string    `json:"time"`
	Days   string    `json:"days"`
	Active bool      `json:"active"`
	Repeat bool      `json:"repeat"`
	State  string    `json:"state"` // "idle" | "armed"
	NextAt time.Time `json:"next_at,omitzero"`
	Keys   []string  `json:"keys,omitempty"`
}

// Snapshot is a point-in-time view for /api/status and the sweep log line.
type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Timezone string        `json:"timezone"`
	Alarms   []AlarmStatus `json:"alarms"`
	// NextAlarm is the soonest pending trigger across all alarms
	// (zero when nothing is armed).
	NextAlarm   time.Time    `json:"next_alarm,omitzero"`
	NextAlarmID string       `json:"next_alarm_id,omitempty"`
	History     []FiredAlarm `json:"-"`
}
