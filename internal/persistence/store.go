package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store wraps a single-connection SQLite database. All access serializes on
// the one connection; concurrent writers are handled with the driver's busy
// timeout plus retryOnBusy.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and initializes the
// schema. busyTimeoutMS feeds the driver-level busy handler.
func Open(path string, busyTimeoutMS int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for the audit recorder.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id      TEXT PRIMARY KEY,
			user_id      INTEGER NOT NULL,
			chat_id      INTEGER NOT NULL,
			message_id   INTEGER,
			kind         TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			status       TEXT NOT NULL,
			result_json  TEXT,
			error_text   TEXT,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_chat ON tasks(user_id, chat_id);`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id    INTEGER PRIMARY KEY,
			is_allowed INTEGER NOT NULL DEFAULT 0,
			is_admin   INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			ts          INTEGER NOT NULL,
			user_id     INTEGER,
			action      TEXT NOT NULL,
			detail_json TEXT,
			error_text  TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_ts ON audit_logs(ts);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          INTEGER NOT NULL,
			chat_id          INTEGER NOT NULL,
			role             TEXT NOT NULL,
			content          TEXT NOT NULL,
			memory_type      TEXT NOT NULL DEFAULT 'generic',
			salience         REAL NOT NULL DEFAULT 0,
			is_instructional INTEGER NOT NULL DEFAULT 0,
			safety_flag      TEXT NOT NULL DEFAULT 'normal',
			created_at       INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_chat ON memories(user_id, chat_id, id);`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL,
			chat_id    INTEGER NOT NULL,
			pref_key   TEXT NOT NULL,
			pref_value TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			source     TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			UNIQUE(user_id, chat_id, pref_key)
		);`,
		`CREATE TABLE IF NOT EXISTS long_term_memories (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          INTEGER NOT NULL,
			chat_id          INTEGER NOT NULL,
			summary          TEXT NOT NULL,
			source_memory_id INTEGER NOT NULL DEFAULT 0,
			updated_at       INTEGER NOT NULL,
			UNIQUE(user_id, chat_id)
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			job_id            TEXT PRIMARY KEY,
			user_id           INTEGER NOT NULL,
			chat_id           INTEGER NOT NULL,
			schedule_type     TEXT NOT NULL,
			run_at            INTEGER,
			time_of_day       TEXT,
			weekday           INTEGER,
			every_minutes     INTEGER,
			timezone          TEXT NOT NULL DEFAULT 'UTC',
			task_kind         TEXT NOT NULL,
			task_payload_json TEXT NOT NULL,
			enabled           INTEGER NOT NULL DEFAULT 1,
			notify_on_success INTEGER NOT NULL DEFAULT 1,
			notify_on_failure INTEGER NOT NULL DEFAULT 1,
			last_run_at       INTEGER,
			next_run_at       INTEGER,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due ON scheduled_jobs(enabled, next_run_at);`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
