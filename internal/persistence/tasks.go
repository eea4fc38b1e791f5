package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCanceled, TaskStatusTimeout:
		return true
	}
	return false
}

type Task struct {
	TaskID      string
	UserID      int64
	ChatID      int64
	Kind        string
	PayloadJSON string
	Status      TaskStatus
	ResultJSON  sql.NullString
	ErrorText   sql.NullString
	CreatedAt   int64
	UpdatedAt   int64
}

// CreateTask enqueues a task and returns its id.
func (s *Store) CreateTask(ctx context.Context, userID, chatID int64, kind, payloadJSON string) (string, error) {
	taskID := uuid.NewString()
	now := nowUnix()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (task_id, user_id, chat_id, message_id, kind, payload_json, status, result_json, error_text, created_at, updated_at)
			VALUES (?, ?, ?, NULL, ?, ?, 'queued', NULL, NULL, ?, ?);
		`, taskID, userID, chatID, kind, payloadJSON, now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return taskID, nil
}

// ClaimNextTask picks the oldest queued task and atomically flips it to
// running. Returns nil when the queue is empty or the claim raced with a
// cancel; the caller just polls again.
func (s *Store) ClaimNextTask(ctx context.Context) (*Task, error) {
	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		task = nil
		row := s.db.QueryRowContext(ctx, `
			SELECT task_id, user_id, chat_id, kind, payload_json, status, result_json, error_text, created_at, updated_at
			FROM tasks
			WHERE status = 'queued'
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1;
		`)
		candidate, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'running', updated_at = ?
			WHERE task_id = ? AND status = 'queued';
		`, nowUnix(), candidate.TaskID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Lost the race; another writer moved the row first.
			return nil
		}
		candidate.Status = TaskStatusRunning
		task = candidate
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return task, nil
}

// UpdateTaskSuccess moves a running task to succeeded. The status guard means
// a task canceled mid-flight keeps its canceled status; the late result is
// dropped.
func (s *Store) UpdateTaskSuccess(ctx context.Context, taskID, resultJSON string) (bool, error) {
	return s.finishTask(ctx, taskID, TaskStatusSucceeded, &resultJSON, nil)
}

// UpdateTaskFailure moves a running task to failed with the given error text.
func (s *Store) UpdateTaskFailure(ctx context.Context, taskID, errorText string) (bool, error) {
	return s.finishTask(ctx, taskID, TaskStatusFailed, nil, &errorText)
}

func (s *Store) finishTask(ctx context.Context, taskID string, to TaskStatus, resultJSON, errorText *string) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				result_json = ?,
				error_text = ?,
				updated_at = ?
			WHERE task_id = ? AND status = 'running';
		`, string(to), nullable(resultJSON), nullable(errorText), nowUnix(), taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("finish task %s: %w", taskID, err)
	}
	return changed, nil
}

// CancelTasks cancels all queued and running tasks for a (user, chat) pair in
// a single statement and returns the number of rows affected.
func (s *Store) CancelTasks(ctx context.Context, userID, chatID int64) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'canceled',
				error_text = COALESCE(error_text, 'Canceled by user'),
				updated_at = ?
			WHERE user_id = ? AND chat_id = ? AND status IN ('queued', 'running');
		`, nowUnix(), userID, chatID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cancel tasks: %w", err)
	}
	return affected, nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT task_id, user_id, chat_id, kind, payload_json, status, result_json, error_text, created_at, updated_at
			FROM tasks WHERE task_id = ? LIMIT 1;
		`, taskID)
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *Store) CountTasksByStatus(ctx context.Context, status TaskStatus) (int, error) {
	var count int
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM tasks WHERE status = ?;`, string(status)).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// RecentSucceededTasks returns a chat's newest succeeded tasks, newest
// first. The intent router renders these as execution context.
func (s *Store) RecentSucceededTasks(ctx context.Context, userID, chatID int64, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 1
	}
	var tasks []Task
	err := retryOnBusy(ctx, 5, func() error {
		tasks = tasks[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT task_id, user_id, chat_id, kind, payload_json, status, result_json, error_text, created_at, updated_at
			FROM tasks
			WHERE user_id = ? AND chat_id = ? AND status = 'succeeded'
			ORDER BY updated_at DESC
			LIMIT ?;
		`, userID, chatID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t Task
			if err := rows.Scan(&t.TaskID, &t.UserID, &t.ChatID, &t.Kind, &t.PayloadJSON,
				&t.Status, &t.ResultJSON, &t.ErrorText, &t.CreatedAt, &t.UpdatedAt); err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("recent succeeded tasks: %w", err)
	}
	return tasks, nil
}

// OldestRunningTaskAgeSeconds returns 0 when nothing is running.
func (s *Store) OldestRunningTaskAgeSeconds(ctx context.Context) (int64, error) {
	var minCreated sql.NullInt64
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT MIN(created_at) FROM tasks WHERE status = 'running';`).Scan(&minCreated)
	})
	if err != nil {
		return 0, fmt.Errorf("oldest running age: %w", err)
	}
	if !minCreated.Valid {
		return 0, nil
	}
	age := nowUnix() - minCreated.Int64
	if age < 0 {
		age = 0
	}
	return age, nil
}

// TimeoutStaleRunning marks running tasks older than timeoutSeconds as timed
// out and returns the ids affected.
func (s *Store) TimeoutStaleRunning(ctx context.Context, timeoutSeconds int64) ([]string, error) {
	cutoff := nowUnix() - timeoutSeconds
	var ids []string
	err := retryOnBusy(ctx, 5, func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT task_id FROM tasks WHERE status = 'running' AND updated_at < ?;`, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if _, err := s.db.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'timeout',
					error_text = COALESCE(error_text, 'Task timed out'),
					updated_at = ?
				WHERE task_id = ? AND status = 'running';
			`, nowUnix(), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("timeout stale running: %w", err)
	}
	return ids, nil
}

// InsertAuditRow records one audit entry. userID may be nil for system events.
func (s *Store) InsertAuditRow(ctx context.Context, userID *int64, action string, detailJSON, errorText *string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_logs (ts, user_id, action, detail_json, error_text)
			VALUES (?, ?, ?, ?, ?);
		`, nowUnix(), nullableInt(userID), action, nullable(detailJSON), nullable(errorText))
		return err
	})
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// IsUserAllowed consults the allowlist table.
func (s *Store) IsUserAllowed(ctx context.Context, userID int64) bool {
	var allowed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT is_allowed FROM users WHERE user_id = ?;`, userID).Scan(&allowed)
	if err != nil {
		return false
	}
	return allowed == 1
}

// UpsertUser seeds or updates an allowlist entry.
func (s *Store) UpsertUser(ctx context.Context, userID int64, allowed, admin bool) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (user_id, is_allowed, is_admin, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET is_allowed = excluded.is_allowed, is_admin = excluded.is_admin;
		`, userID, boolInt(allowed), boolInt(admin), nowUnix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status string
	if err := row.Scan(&t.TaskID, &t.UserID, &t.ChatID, &t.Kind, &t.PayloadJSON,
		&status, &t.ResultJSON, &t.ErrorText, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	return &t, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
