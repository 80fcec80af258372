package notify

import (
	"time"
)

// Config controls the delivery pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow suppresses a second delivery of the same wake event within
	// the window. The ledger lives in the store, so a restart inside the
	// window doesn't double-deliver. 0 disables.
	DedupWindow time.Duration

	// WebhookURL, when set, adds a webhook sink next to the log sink.
	WebhookURL string
}

// Message is one fired alarm on its way to the sinks.
type Message struct {
	AlarmID string    `json:"alarm_id"`
	Label   string    `json:"label,omitempty"`
	Key     string    `json:"key"`
	Day     string    `json:"day"`
	At      time.Time `json:"at"`
	Text    string    `json:"text"`
}

// DeliveredEvent is the bus payload for a completed (or failed) delivery.
type DeliveredEvent struct {
	AlarmID string    `json:"alarm_id"`
	Key     string    `json:"key"`
	Sink    string    `json:"sink"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
