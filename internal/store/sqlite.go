// Package store persists jobs, job items and settings in SQLite.
//
// One writer connection is enough here: every item row is written by exactly
// one worker at a time (ownership is transferred through the work queue), so
// contention is limited to the sqlite driver level.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskherd/internal/engine"
	logx "taskherd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store implements engine.TaskStore and trigger.ConfigStore on one SQLite
// database file.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug("database ready", logx.String("path", cfg.Path))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- engine.TaskStore ----

func (s *Store) CreateJob(ctx context.Context, kind string) (int64, error) {
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(kind, status, created_at, updated_at) VALUES(?,?,?,?)`,
		kind, string(engine.JobPending), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) BulkInsertItems(ctx context.Context, jobID int64, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Format(time.RFC3339Nano)
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_items(job_id, payload, status, updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range payloads {
		if _, err := stmt.ExecContext(ctx, jobID, p, string(engine.ItemPending), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID int64, status engine.JobStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Format(time.RFC3339Nano), jobID,
	)
	return err
}

func (s *Store) UpdateItemStatus(ctx context.Context, itemID int64, status engine.ItemStatus, result []byte, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_items SET status = ?, result = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), result, nullStr(errMsg), time.Now().Format(time.RFC3339Nano), itemID,
	)
	return err
}

func (s *Store) ListPendingOrFailedItems(ctx context.Context, jobID int64) ([]engine.JobItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, payload, status, result, error_message
		 FROM job_items
		 WHERE job_id = ? AND status IN (?, ?)
		 ORDER BY id`,
		jobID, string(engine.ItemPending), string(engine.ItemFailed),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []engine.JobItem
	for rows.Next() {
		var it engine.JobItem
		var status string
		var errMsg sql.NullString
		if err := rows.Scan(&it.ID, &it.JobID, &it.Payload, &status, &it.Result, &errMsg); err != nil {
			return nil, err
		}
		it.Status = engine.ItemStatus(status)
		it.ErrorMessage = errMsg.String
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) CountItems(ctx context.Context, jobID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_items WHERE job_id = ?`, jobID).Scan(&n)
	return n, err
}

// GetJob returns one job row. Used by diagnostics and tests.
func (s *Store) GetJob(ctx context.Context, jobID int64) (engine.Job, error) {
	var j engine.Job
	var status, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, created_at FROM jobs WHERE id = ?`, jobID,
	).Scan(&j.ID, &j.Kind, &status, &createdAt)
	if err != nil {
		return engine.Job{}, err
	}
	j.Status = engine.JobStatus(status)
	if ts, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		j.CreatedAt = ts
	}
	return j, nil
}

// ---- trigger.ConfigStore ----

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
