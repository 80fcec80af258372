package storage

import (
	"context"
	"errors"
	"time"

	"alarmd/internal/alarm"
)

var (
	ErrNotFound = errors.New("alarm not found")
	ErrExists   = errors.New("alarm already exists")
	ErrClosed   = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): in-process only
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scheduler and notify pipeline.
// The scheduler only needs get-by-id, get-all, put, delete.
type Store interface {
	Get(ctx context.Context, id string) (alarm.Alarm, error)
	All(ctx context.Context) ([]alarm.Alarm, error)
	Put(ctx context.Context, a alarm.Alarm) error
	// Create inserts only when the id is free; ErrExists otherwise. The check
	// and the insert are one atomic step per driver.
	Create(ctx context.Context, a alarm.Alarm) error
	Delete(ctx context.Context, id string) error

	// Dedup window state for fired-alarm delivery.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// alarmRecord is the schema-stable wire form shared by the file and sqlite
// drivers (days as canonical tags, time as HH:MM).
type alarmRecord struct {
	ID      string   `json:"id"`
	Time    string   `json:"time"`
	Days    []string `json:"days,omitempty"`
	Active  bool     `json:"active"`
	Label   string   `json:"label,omitempty"`
	Repeat  bool     `json:"repeat"`
	Deleted bool     `json:"deleted,omitempty"` // journal tombstone
}

func recordFromAlarm(a alarm.Alarm) alarmRecord {
	var tags []string
	for _, d := range a.Days.List() {
		tags = append(tags, alarm.DayTag(d))
	}
	return alarmRecord{
		ID:     a.ID,
		Time:   a.Time.String(),
		Days:   tags,
		Active: a.Active,
		Label:  a.Label,
		Repeat: a.Repeat,
	}
}

func (r alarmRecord) toAlarm() (alarm.Alarm, error) {
	tod, err := alarm.ParseTimeOfDay(r.Time)
	if err != nil {
		return alarm.Alarm{}, err
	}
	days, err := alarm.ParseDays(r.Days)
	if err != nil {
		return alarm.Alarm{}, err
	}
	return alarm.Alarm{
		ID:     r.ID,
		Time:   tod,
		Days:   days,
		Active: r.Active,
		Label:  r.Label,
		Repeat: r.Repeat,
	}, nil
}
