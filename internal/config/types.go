package config

// Config is the daemon's on-disk configuration. YAML and JSON are both
// accepted; unknown keys are rejected so typos surface at load time.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Server    *ServerConfig   `json:"server,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer. Nil means in-memory only
// (alarms are lost on restart).
//
// Example:
//
//	"storage": { "driver": "file", "path": "./alarmd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls arming and the maintenance sweep.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// SweepInterval re-applies all active alarms periodically as a self-heal
	// against missed timers. "0s" disables.
	SweepInterval string `json:"sweep_interval,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// NotifierConfig controls the async delivery pipeline. If the section is
// omitted, the notifier defaults to enabled with the log sink only.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
}

// ServerConfig controls the admin HTTP API.
//
// Prefer binding to localhost (e.g. "127.0.0.1:8094"); the API carries no
// auth of its own.
type ServerConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr,omitempty"`
	ReadTimeout  string   `json:"read_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
	IdleTimeout  string   `json:"idle_timeout,omitempty"`
	CORSOrigins  []string `json:"cors_origins,omitempty"`
}
