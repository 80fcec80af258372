// Package storage persists alarm records keyed by id, plus the notify
// pipeline's dedup window state (so delivery dedup survives restarts).
//
// Drivers:
//   - "memory": process-local, lost on restart (default)
//   - "file": dependency-free JSONL journal + snapshot
//   - "sqlite": SQLite database file (optional build tag)
package storage
