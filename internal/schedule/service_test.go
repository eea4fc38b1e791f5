package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/persistence"
)

type stubLLM struct {
	reply   string
	err     error
	prompts []string
}

func (s *stubLLM) Complete(ctx context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func testService(t *testing.T, client *stubLLM) (*Service, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "schedule.db"), 500)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := config.ScheduleConfig{Timezone: "UTC", Locale: "en-US", I18nDir: "configs/i18n"}
	svc := NewService(slog.New(slog.DiscardHandler), store, client, nil, config.MemoryConfig{}, cfg, t.TempDir())
	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return svc, store
}

func intentJSON(t *testing.T, intent IntentOutput) string {
	t.Helper()
	b, err := json.Marshal(intent)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestParseIntentFilters(t *testing.T) {
	svc, _ := testService(t, &stubLLM{reply: `{"kind":"none"}`})
	if got := svc.ParseIntent(context.Background(), 1, 1, "t-1", "hello"); got != nil {
		t.Fatalf("none intent returned %+v", got)
	}

	svc2, _ := testService(t, &stubLLM{reply: `{"kind":"create","confidence":0.3}`})
	if got := svc2.ParseIntent(context.Background(), 1, 1, "t-1", "remind me"); got != nil {
		t.Fatalf("low-confidence guess returned %+v", got)
	}

	svc3, _ := testService(t, &stubLLM{err: errors.New("down")})
	if got := svc3.ParseIntent(context.Background(), 1, 1, "t-1", "remind me"); got != nil {
		t.Fatalf("llm failure returned %+v", got)
	}

	svc4, _ := testService(t, &stubLLM{reply: `prose {"kind":"list","confidence":0.9} tail`})
	if got := svc4.ParseIntent(context.Background(), 1, 1, "t-1", "show my jobs"); got == nil || got.Kind != "list" {
		t.Fatalf("wrapped JSON not parsed: %+v", got)
	}
}

func TestTryHandleNonScheduleRequest(t *testing.T) {
	svc, _ := testService(t, &stubLLM{reply: `{"kind":"none"}`})
	reply, handled, err := svc.TryHandle(context.Background(), 1, 1, "t-1", "what is the weather")
	if err != nil || handled || reply != "" {
		t.Fatalf("reply=%q handled=%v err=%v", reply, handled, err)
	}
}

func TestTryHandleCreateInterval(t *testing.T) {
	intent := IntentOutput{
		Kind:       "create",
		Schedule:   IntentPlan{Type: "interval", EveryMinutes: 30},
		Task:       IntentTask{Kind: "ask", Payload: json.RawMessage(`{}`)},
		Confidence: 0.9,
	}
	svc, store := testService(t, &stubLLM{reply: intentJSON(t, intent)})
	reply, handled, err := svc.TryHandle(context.Background(), 1, 1, "t-1", "check feeds every 30 minutes")
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if !strings.Contains(reply, "job_") {
		t.Fatalf("reply = %q", reply)
	}

	jobs, err := store.ListScheduledJobs(context.Background(), 1, 1, 20)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs=%d err=%v", len(jobs), err)
	}
	job := jobs[0]
	if job.ScheduleType != "interval" || job.EveryMinutes.Int64 != 30 {
		t.Fatalf("job = %+v", job)
	}
	if job.NextRunAt.Int64 != 1_700_000_000+30*60 {
		t.Fatalf("next_run_at = %d", job.NextRunAt.Int64)
	}
	// The ask payload text defaults to the original request.
	var payload map[string]any
	if err := json.Unmarshal([]byte(job.TaskPayloadJSON), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["text"] != "check feeds every 30 minutes" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestTryHandleCreateOnce(t *testing.T) {
	intent := IntentOutput{
		Kind:       "create",
		Schedule:   IntentPlan{Type: "once", RunAt: "2040-01-02 15:04"},
		Task:       IntentTask{Kind: "ask", Payload: json.RawMessage(`{"text":"happy new year"}`)},
		Confidence: 0.9,
	}
	svc, store := testService(t, &stubLLM{reply: intentJSON(t, intent)})
	_, handled, err := svc.TryHandle(context.Background(), 1, 1, "t-1", "remind me in 2040")
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	jobs, _ := store.ListScheduledJobs(context.Background(), 1, 1, 20)
	want, _ := parseLocalDateTime("2040-01-02 15:04", time.UTC)
	if jobs[0].RunAt.Int64 != want || jobs[0].NextRunAt.Int64 != want {
		t.Fatalf("job = %+v, want run_at=%d", jobs[0], want)
	}
}

func TestTryHandleCreateRejections(t *testing.T) {
	tests := []struct {
		name   string
		intent IntentOutput
		want   string
	}{
		{
			name: "bad task kind",
			intent: IntentOutput{Kind: "create",
				Schedule: IntentPlan{Type: "interval", EveryMinutes: 5},
				Task:     IntentTask{Kind: "shell"}, Confidence: 0.9},
			want: "task.kind",
		},
		{
			name: "cron unsupported",
			intent: IntentOutput{Kind: "create",
				Schedule: IntentPlan{Type: "cron", Cron: "0 9 * * *"},
				Task:     IntentTask{Kind: "ask"}, Confidence: 0.9},
			want: "0 9 * * *",
		},
		{
			name: "once in the past",
			intent: IntentOutput{Kind: "create",
				Schedule: IntentPlan{Type: "once", RunAt: "2001-01-01 00:00"},
				Task:     IntentTask{Kind: "ask"}, Confidence: 0.9},
			want: "晚于当前时间",
		},
		{
			name: "once invalid run_at",
			intent: IntentOutput{Kind: "create",
				Schedule: IntentPlan{Type: "once", RunAt: "tomorrow-ish"},
				Task:     IntentTask{Kind: "ask"}, Confidence: 0.9},
			want: "run_at",
		},
		{
			name: "daily without time",
			intent: IntentOutput{Kind: "create",
				Schedule: IntentPlan{Type: "daily"},
				Task:     IntentTask{Kind: "ask"}, Confidence: 0.9},
			want: "无法计算下次执行时间",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := testService(t, &stubLLM{reply: intentJSON(t, tc.intent)})
			reply, handled, err := svc.TryHandle(context.Background(), 1, 1, "t-1", "schedule something")
			if err != nil || !handled {
				t.Fatalf("handled=%v err=%v", handled, err)
			}
			if !strings.Contains(reply, tc.want) {
				t.Fatalf("reply = %q, want substring %q", reply, tc.want)
			}
			if jobs, _ := store.ListScheduledJobs(context.Background(), 1, 1, 20); len(jobs) != 0 {
				t.Fatalf("rejected create still stored %d jobs", len(jobs))
			}
		})
	}
}

func seedJob(t *testing.T, store *persistence.Store, jobID string, userID, chatID int64) {
	t.Helper()
	err := store.CreateScheduledJob(context.Background(), &persistence.ScheduledJob{
		JobID:           jobID,
		UserID:          userID,
		ChatID:          chatID,
		ScheduleType:    "interval",
		EveryMinutes:    sql.NullInt64{Int64: 15, Valid: true},
		Timezone:        "UTC",
		TaskKind:        "ask",
		TaskPayloadJSON: `{"text":"ping"}`,
		Enabled:         true,
		NextRunAt:       sql.NullInt64{Int64: 1_700_000_900, Valid: true},
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestTryHandleList(t *testing.T) {
	intent := IntentOutput{Kind: "list", Confidence: 0.9}
	svc, store := testService(t, &stubLLM{reply: intentJSON(t, intent)})
	reply, handled, err := svc.TryHandle(context.Background(), 1, 1, "t-1", "list my schedules")
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if reply != svc.t("schedule.msg.list_empty") {
		t.Fatalf("empty list reply = %q", reply)
	}

	seedJob(t, store, "job_list000001", 1, 1)
	reply, _, err = svc.TryHandle(context.Background(), 1, 1, "t-1", "list my schedules")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "job_list000001") || !strings.Contains(reply, "tz=UTC") {
		t.Fatalf("list reply = %q", reply)
	}
}

func TestTryHandleDelete(t *testing.T) {
	intent := IntentOutput{Kind: "delete", TargetJobID: "job_del0000001", Confidence: 0.9}
	svc, store := testService(t, &stubLLM{reply: intentJSON(t, intent)})
	seedJob(t, store, "job_del0000001", 1, 1)

	reply, handled, err := svc.TryHandle(context.Background(), 1, 1, "t-1", "delete job_del0000001")
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if !strings.Contains(reply, "job_del0000001") {
		t.Fatalf("reply = %q", reply)
	}
	if jobs, _ := store.ListScheduledJobs(context.Background(), 1, 1, 20); len(jobs) != 0 {
		t.Fatalf("job not deleted")
	}

	// Deleting an unknown id reports not-found.
	reply, _, _ = svc.TryHandle(context.Background(), 1, 1, "t-1", "delete job_del0000001")
	if !strings.Contains(reply, "未找到") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestTryHandleBulkPauseResume(t *testing.T) {
	pause := IntentOutput{Kind: "pause", Confidence: 0.9}
	svc, store := testService(t, &stubLLM{reply: intentJSON(t, pause)})
	seedJob(t, store, "job_blk0000001", 1, 1)
	seedJob(t, store, "job_blk0000002", 1, 1)

	reply, handled, err := svc.TryHandle(context.Background(), 1, 1, "t-1", "pause all my schedules")
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if !strings.Contains(reply, "2") {
		t.Fatalf("pause reply = %q", reply)
	}
	jobs, _ := store.ListScheduledJobs(context.Background(), 1, 1, 20)
	for _, job := range jobs {
		if job.Enabled {
			t.Fatalf("job %s still enabled", job.JobID)
		}
	}

	svc2, _ := testService(t, &stubLLM{reply: intentJSON(t, IntentOutput{Kind: "resume", Confidence: 0.9})})
	svc2.store = store
	reply, _, err = svc2.TryHandle(context.Background(), 1, 1, "t-1", "resume them")
	if err != nil || !strings.Contains(reply, "2") {
		t.Fatalf("resume reply = %q err=%v", reply, err)
	}
}

func TestComputeNextRun(t *testing.T) {
	// 2023-11-14 22:13:20 UTC, a Tuesday.
	now := int64(1_700_000_000)

	if ts, ok := computeNextRun("interval", "", 0, 30, "UTC", now); !ok || ts != now+30*60 {
		t.Fatalf("interval: ts=%d ok=%v", ts, ok)
	}
	// Minutes floor at 1.
	if ts, _ := computeNextRun("interval", "", 0, 0, "UTC", now); ts != now+60 {
		t.Fatalf("interval floor: ts=%d", ts)
	}

	// Daily at a time already past today rolls to tomorrow.
	ts, ok := computeNextRun("daily", "09:00", 0, 0, "UTC", now)
	if !ok {
		t.Fatal("daily failed")
	}
	next := time.Unix(ts, 0).UTC()
	if next.Hour() != 9 || next.Minute() != 0 || !next.After(time.Unix(now, 0)) {
		t.Fatalf("daily next = %v", next)
	}
	if next.Day() != 15 {
		t.Fatalf("daily did not roll to tomorrow: %v", next)
	}

	// Weekly on Tuesday (2) at a past time rolls a full week.
	ts, ok = computeNextRun("weekly", "09:00", 2, 0, "UTC", now)
	if !ok {
		t.Fatal("weekly failed")
	}
	next = time.Unix(ts, 0).UTC()
	if next.Weekday() != time.Tuesday || next.Day() != 21 {
		t.Fatalf("weekly next = %v", next)
	}

	// Weekly on Friday (5) stays in the current week.
	ts, _ = computeNextRun("weekly", "09:00", 5, 0, "UTC", now)
	next = time.Unix(ts, 0).UTC()
	if next.Weekday() != time.Friday || next.Day() != 17 {
		t.Fatalf("weekly friday = %v", next)
	}

	if _, ok := computeNextRun("weekly", "09:00", 8, 0, "UTC", now); ok {
		t.Fatal("weekday 8 accepted")
	}
	if _, ok := computeNextRun("daily", "25:00", 0, 0, "UTC", now); ok {
		t.Fatal("bad time accepted")
	}
	if _, ok := computeNextRun("once", "", 0, 0, "UTC", now); ok {
		t.Fatal("once computed a recurrence")
	}
}

func TestParseLocalDateTime(t *testing.T) {
	if ts, ok := parseLocalDateTime("2040-01-02 15:04", time.UTC); !ok || ts == 0 {
		t.Fatalf("hh:mm layout: ts=%d ok=%v", ts, ok)
	}
	withSec, ok := parseLocalDateTime("2040-01-02 15:04:30", time.UTC)
	if !ok {
		t.Fatal("hh:mm:ss layout rejected")
	}
	noSec, _ := parseLocalDateTime("2040-01-02 15:04", time.UTC)
	if withSec != noSec+30 {
		t.Fatalf("seconds not honored: %d vs %d", withSec, noSec)
	}
	if _, ok := parseLocalDateTime("Jan 2nd 2040", time.UTC); ok {
		t.Fatal("free-form date accepted")
	}
}

func TestBuildTaskPayload(t *testing.T) {
	if got := buildTaskPayload("run_skill", json.RawMessage(`{"skill_name":"weather"}`), "x"); got != `{"skill_name":"weather"}` {
		t.Fatalf("run_skill payload = %q", got)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(buildTaskPayload("ask", json.RawMessage(`{"text":"  "}`), "the request")), &m); err != nil {
		t.Fatal(err)
	}
	if m["text"] != "the request" {
		t.Fatalf("blank text not replaced: %v", m)
	}
	if err := json.Unmarshal([]byte(buildTaskPayload("ask", nil, "fallback")), &m); err != nil {
		t.Fatal(err)
	}
	if m["text"] != "fallback" {
		t.Fatalf("nil payload: %v", m)
	}
}
