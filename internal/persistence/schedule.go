package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

type ScheduledJob struct {
	JobID           string
	UserID          int64
	ChatID          int64
	ScheduleType    string
	RunAt           sql.NullInt64
	TimeOfDay       sql.NullString
	Weekday         sql.NullInt64
	EveryMinutes    sql.NullInt64
	Timezone        string
	TaskKind        string
	TaskPayloadJSON string
	Enabled         bool
	NotifyOnSuccess bool
	NotifyOnFailure bool
	LastRunAt       sql.NullInt64
	NextRunAt       sql.NullInt64
	CreatedAt       int64
	UpdatedAt       int64
}

func (s *Store) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	now := nowUnix()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_jobs (
				job_id, user_id, chat_id, schedule_type, run_at, time_of_day, weekday,
				every_minutes, timezone, task_kind, task_payload_json, enabled,
				notify_on_success, notify_on_failure, last_run_at, next_run_at,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?);
		`, job.JobID, job.UserID, job.ChatID, job.ScheduleType,
			job.RunAt, job.TimeOfDay, job.Weekday, job.EveryMinutes,
			job.Timezone, job.TaskKind, job.TaskPayloadJSON, boolInt(job.Enabled),
			boolInt(job.NotifyOnSuccess), boolInt(job.NotifyOnFailure),
			job.NextRunAt, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("create scheduled job: %w", err)
	}
	return nil
}

// ListScheduledJobs returns up to limit jobs for a (user, chat), newest first.
func (s *Store) ListScheduledJobs(ctx context.Context, userID, chatID int64, limit int) ([]ScheduledJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []ScheduledJob
	err := retryOnBusy(ctx, 5, func() error {
		jobs = jobs[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT job_id, user_id, chat_id, schedule_type, run_at, time_of_day, weekday,
			       every_minutes, timezone, task_kind, task_payload_json, enabled,
			       notify_on_success, notify_on_failure, last_run_at, next_run_at,
			       created_at, updated_at
			FROM scheduled_jobs
			WHERE user_id = ? AND chat_id = ?
			ORDER BY created_at DESC
			LIMIT ?;
		`, userID, chatID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanScheduledJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	return jobs, nil
}

// DeleteScheduledJob removes one owned job; returns false when absent.
func (s *Store) DeleteScheduledJob(ctx context.Context, jobID string, userID, chatID int64) (bool, error) {
	var deleted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM scheduled_jobs WHERE job_id = ? AND user_id = ? AND chat_id = ?;
		`, jobID, userID, chatID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete scheduled job: %w", err)
	}
	return deleted, nil
}

// DeleteAllScheduledJobs removes every job for a (user, chat) and reports how
// many went away.
func (s *Store) DeleteAllScheduledJobs(ctx context.Context, userID, chatID int64) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM scheduled_jobs WHERE user_id = ? AND chat_id = ?;
		`, userID, chatID)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete all scheduled jobs: %w", err)
	}
	return deleted, nil
}

// SetScheduledJobEnabled pauses or resumes one owned job.
func (s *Store) SetScheduledJobEnabled(ctx context.Context, jobID string, userID, chatID int64, enabled bool) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET enabled = ?, updated_at = ?
			WHERE job_id = ? AND user_id = ? AND chat_id = ?;
		`, boolInt(enabled), nowUnix(), jobID, userID, chatID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("set scheduled job enabled: %w", err)
	}
	return changed, nil
}

// SetAllScheduledJobsEnabled pauses or resumes every job for a (user, chat)
// and reports how many rows changed.
func (s *Store) SetAllScheduledJobsEnabled(ctx context.Context, userID, chatID int64, enabled bool) (int64, error) {
	var changed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs SET enabled = ?, updated_at = ?
			WHERE user_id = ? AND chat_id = ?;
		`, boolInt(enabled), nowUnix(), userID, chatID)
		if err != nil {
			return err
		}
		changed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("set all scheduled jobs enabled: %w", err)
	}
	return changed, nil
}

// DueScheduledJobs returns up to limit enabled jobs whose next_run_at has
// passed, soonest first.
func (s *Store) DueScheduledJobs(ctx context.Context, now int64, limit int) ([]ScheduledJob, error) {
	if limit <= 0 {
		limit = 16
	}
	var jobs []ScheduledJob
	err := retryOnBusy(ctx, 5, func() error {
		jobs = jobs[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT job_id, user_id, chat_id, schedule_type, run_at, time_of_day, weekday,
			       every_minutes, timezone, task_kind, task_payload_json, enabled,
			       notify_on_success, notify_on_failure, last_run_at, next_run_at,
			       created_at, updated_at
			FROM scheduled_jobs
			WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
			ORDER BY next_run_at ASC
			LIMIT ?;
		`, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanScheduledJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("due scheduled jobs: %w", err)
	}
	return jobs, nil
}

// AdvanceScheduledJob records a fire. nextRun nil disables the job (one-shot
// schedules). The priorNextRun guard keeps a concurrent edit from being
// clobbered.
func (s *Store) AdvanceScheduledJob(ctx context.Context, jobID string, firedAt int64, nextRun *int64, priorNextRun int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		if nextRun != nil {
			_, err := s.db.ExecContext(ctx, `
				UPDATE scheduled_jobs
				SET last_run_at = ?, next_run_at = ?, updated_at = ?
				WHERE job_id = ? AND next_run_at = ?;
			`, firedAt, *nextRun, firedAt, jobID, priorNextRun)
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_jobs
			SET enabled = 0, last_run_at = ?, next_run_at = NULL, updated_at = ?
			WHERE job_id = ? AND next_run_at = ?;
		`, firedAt, firedAt, jobID, priorNextRun)
		return err
	})
	if err != nil {
		return fmt.Errorf("advance scheduled job: %w", err)
	}
	return nil
}

func scanScheduledJob(rows *sql.Rows) (*ScheduledJob, error) {
	var job ScheduledJob
	var enabled, notifySuccess, notifyFailure int
	if err := rows.Scan(&job.JobID, &job.UserID, &job.ChatID, &job.ScheduleType,
		&job.RunAt, &job.TimeOfDay, &job.Weekday, &job.EveryMinutes,
		&job.Timezone, &job.TaskKind, &job.TaskPayloadJSON, &enabled,
		&notifySuccess, &notifyFailure, &job.LastRunAt, &job.NextRunAt,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Enabled = enabled == 1
	job.NotifyOnSuccess = notifySuccess == 1
	job.NotifyOnFailure = notifyFailure == 1
	return &job, nil
}
