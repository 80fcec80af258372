package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"alarmd/internal/alarm"
	logx "alarmd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.alarms.snapshot.json  (periodic snapshot, id -> record)
//   - <prefix>.alarms.journal.jsonl  (append-only journal, tombstones for deletes)
//   - <prefix>.dedup.snapshot.json   (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl   (append-only journal)
//
// Journals are periodically compacted into their snapshots.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	alarmSnapshotPath string
	alarmJournalFile  *os.File
	alarms            map[string]alarmRecord
	alarmWrites       int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	alarmSnapPath := prefix + ".alarms.snapshot.json"
	alarmJournalPath := prefix + ".alarms.journal.jsonl"
	dedupSnapPath := prefix + ".dedup.snapshot.json"
	dedupJournalPath := prefix + ".dedup.journal.jsonl"

	// Load alarms from snapshot + journal replay.
	alarms := map[string]alarmRecord{}
	_ = loadAlarmSnapshot(alarmSnapPath, alarms)
	_ = replayAlarmJournal(alarmJournalPath, alarms)

	aj, err := os.OpenFile(alarmJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	// Load dedup the same way.
	dedup := map[string]int64{}
	_ = loadDedupSnapshot(dedupSnapPath, dedup)
	_ = replayDedupJournal(dedupJournalPath, dedup)
	pruneExpiredDedup(dedup)

	dj, err := os.OpenFile(dedupJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = aj.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		alarmSnapshotPath: alarmSnapPath,
		alarmJournalFile:  aj,
		alarms:            alarms,
		dedupSnapshotPath: dedupSnapPath,
		dedupJournalFile:  dj,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.alarmJournalFile != nil {
		// Best-effort final compaction keeps reopen cheap.
		_ = s.compactAlarmsLocked()
		err1 = s.alarmJournalFile.Close()
		s.alarmJournalFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) Get(ctx context.Context, id string) (alarm.Alarm, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.alarms[id]
	if !ok {
		return alarm.Alarm{}, ErrNotFound
	}
	return r.toAlarm()
}

func (s *fileStore) All(ctx context.Context) ([]alarm.Alarm, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alarm.Alarm, 0, len(s.alarms))
	for _, r := range s.alarms {
		a, err := r.toAlarm()
		if err != nil {
			// Skip corrupt records instead of failing the whole listing.
			s.log.Warn("skipping corrupt alarm record", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) Put(ctx context.Context, a alarm.Alarm) error {
	_ = ctx
	r := recordFromAlarm(a)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alarmJournalFile == nil {
		return ErrClosed
	}
	s.alarms[r.ID] = r
	return s.appendAlarmJournalLocked(r)
}

func (s *fileStore) Create(ctx context.Context, a alarm.Alarm) error {
	_ = ctx
	r := recordFromAlarm(a)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alarmJournalFile == nil {
		return ErrClosed
	}
	if _, ok := s.alarms[r.ID]; ok {
		return ErrExists
	}
	s.alarms[r.ID] = r
	return s.appendAlarmJournalLocked(r)
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alarmJournalFile == nil {
		return ErrClosed
	}
	delete(s.alarms, id)
	return s.appendAlarmJournalLocked(alarmRecord{ID: id, Deleted: true})
}

func (s *fileStore) appendAlarmJournalLocked(r alarmRecord) error {
	enc := json.NewEncoder(s.alarmJournalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.alarmWrites++
	if s.alarmWrites%200 == 0 {
		if err := s.compactAlarmsLocked(); err != nil {
			s.log.Debug("alarm journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrClosed
	}
	s.dedup[key] = ms

	enc := json.NewEncoder(s.dedupJournalFile)
	if err := enc.Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactAlarmsLocked() error {
	if err := writeSnapshot(s.alarmSnapshotPath, s.alarms); err != nil {
		return err
	}
	return truncateJournal(s.alarmJournalFile)
}

func (s *fileStore) compactDedupLocked() error {
	pruneExpiredDedup(s.dedup)
	if err := writeSnapshot(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	return truncateJournal(s.dedupJournalFile)
}

func writeSnapshot(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncateJournal(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, 2)
	return err
}

func loadAlarmSnapshot(path string, out map[string]alarmRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]alarmRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayAlarmJournal(path string, out map[string]alarmRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r alarmRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		if r.Deleted {
			delete(out, r.ID)
			continue
		}
		out[r.ID] = r
	}
	return sc.Err()
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
