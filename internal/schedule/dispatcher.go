package schedule

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/basket/clawd/internal/persistence"
)

const dueBatchLimit = 16

// Dispatcher fires due scheduled jobs back into the task queue.
type Dispatcher struct {
	log   *slog.Logger
	store *persistence.Store

	now func() time.Time
}

func NewDispatcher(log *slog.Logger, store *persistence.Store) *Dispatcher {
	return &Dispatcher{log: log, store: store, now: time.Now}
}

// Run ticks once a second until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Error("schedule dispatch tick failed", "err", err)
			}
		}
	}
}

// Tick enqueues a task for every due job and advances its next run. One-shot
// jobs are disabled after firing.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now().Unix()
	due, err := d.store.DueScheduledJobs(ctx, now, dueBatchLimit)
	if err != nil {
		return err
	}
	for _, job := range due {
		payload := triggeredPayload(job.TaskPayloadJSON, job.JobID)
		taskID, err := d.store.CreateTask(ctx, job.UserID, job.ChatID, job.TaskKind, payload)
		if err != nil {
			d.log.Error("enqueue scheduled task failed", "job_id", job.JobID, "err", err)
			continue
		}
		d.log.Info("scheduled job fired", "job_id", job.JobID, "task_id", taskID, "kind", job.TaskKind)

		var next *int64
		if ts, ok := computeNextRun(job.ScheduleType, job.TimeOfDay.String,
			job.Weekday.Int64, job.EveryMinutes.Int64, job.Timezone, now); ok {
			next = &ts
		}
		if err := d.store.AdvanceScheduledJob(ctx, job.JobID, now, next, job.NextRunAt.Int64); err != nil {
			d.log.Error("advance scheduled job failed", "job_id", job.JobID, "err", err)
		}
	}
	return nil
}

// triggeredPayload marks the task payload as schedule-triggered so the worker
// can notify the originating chat with the result.
func triggeredPayload(payloadJSON, jobID string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &m); err != nil || m == nil {
		m = map[string]any{}
	}
	m["schedule_triggered"] = true
	m["schedule_job_id"] = jobID
	b, _ := json.Marshal(m)
	return string(b)
}
