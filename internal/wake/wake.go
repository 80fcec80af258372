// Package wake defines the wake-event primitive: a registry of one-shot
// future notifications addressed by stable request keys.
//
// Contract:
//   - RequestAt with an existing key overwrites the pending request
//     (never duplicates).
//   - Cancel of an unknown key is a no-op.
//   - Implementations report permission problems distinctly from other
//     failures so callers can prompt for access instead of retrying.
package wake

import (
	"errors"
	"time"

	"alarmd/internal/alarm"
)

var (
	// ErrPermissionDenied means the platform refuses precise wake
	// scheduling. Not retried automatically.
	ErrPermissionDenied = errors.New("precise wake scheduling not permitted")

	// ErrSchedulingFailed covers any other registration/cancellation failure.
	ErrSchedulingFailed = errors.New("wake scheduling failed")
)

// Scheduler registers and cancels wake events. Implementations must be safe
// for concurrent use.
type Scheduler interface {
	RequestAt(at time.Time, key alarm.Key) error
	Cancel(key alarm.Key) error
}

// FireFunc is invoked when a wake event fires. at is the instant the event
// was armed for (the actual callback may run marginally later).
type FireFunc func(key alarm.Key, at time.Time)
