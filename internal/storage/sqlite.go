//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"alarmd/internal/alarm"
	logx "alarmd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (alarm.Alarm, error) {
	var r alarmRecord
	var days string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, time, days, active, label, repeat FROM alarms WHERE id = ?`, id,
	).Scan(&r.ID, &r.Time, &days, &r.Active, &r.Label, &r.Repeat)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Alarm{}, ErrNotFound
	}
	if err != nil {
		return alarm.Alarm{}, err
	}
	r.Days = splitDays(days)
	return r.toAlarm()
}

func (s *sqliteStore) All(ctx context.Context) ([]alarm.Alarm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time, days, active, label, repeat FROM alarms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.Alarm
	for rows.Next() {
		var r alarmRecord
		var days string
		if err := rows.Scan(&r.ID, &r.Time, &days, &r.Active, &r.Label, &r.Repeat); err != nil {
			return nil, err
		}
		r.Days = splitDays(days)
		a, err := r.toAlarm()
		if err != nil {
			s.log.Warn("skipping corrupt alarm row", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Put(ctx context.Context, a alarm.Alarm) error {
	r := recordFromAlarm(a)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms(id, time, days, active, label, repeat, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   time=excluded.time, days=excluded.days, active=excluded.active,
		   label=excluded.label, repeat=excluded.repeat, updated_at=excluded.updated_at`,
		r.ID, r.Time, strings.Join(r.Days, ","), r.Active, r.Label, r.Repeat,
		time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Create(ctx context.Context, a alarm.Alarm) error {
	r := recordFromAlarm(a)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms(id, time, days, active, label, repeat, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Time, strings.Join(r.Days, ","), r.Active, r.Label, r.Repeat,
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func splitDays(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}
