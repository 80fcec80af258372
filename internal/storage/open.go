package storage

import (
	"errors"
	"strings"

	logx "alarmd/pkg/logx"
)

// Open initializes the configured store. An empty driver falls back to the
// in-memory backend so the daemon always has somewhere to keep alarms.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return newMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
