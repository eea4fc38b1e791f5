// Package schedule turns natural-language requests into scheduled jobs and
// fires due jobs back into the task queue.
package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/llm"
	"github.com/basket/clawd/internal/memory"
	"github.com/basket/clawd/internal/persistence"
	"github.com/basket/clawd/internal/shared"
)

// IntentOutput is the parsed schedule-management intent from the LLM.
type IntentOutput struct {
	Kind        string     `json:"kind"`
	Timezone    string     `json:"timezone"`
	Schedule    IntentPlan `json:"schedule"`
	Task        IntentTask `json:"task"`
	TargetJobID string     `json:"target_job_id"`
	Confidence  float64    `json:"confidence"`
}

type IntentPlan struct {
	Type         string `json:"type"`
	RunAt        string `json:"run_at"`
	Time         string `json:"time"`
	Weekday      int64  `json:"weekday"`
	EveryMinutes int64  `json:"every_minutes"`
	Cron         string `json:"cron"`
}

type IntentTask struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Service answers schedule-management requests for one (user, chat).
type Service struct {
	log      *slog.Logger
	store    *persistence.Store
	llm      llm.Client
	memory   *memory.Service
	memCfg   config.MemoryConfig
	cfg      config.ScheduleConfig
	messages map[string]string

	promptTemplate string
	rulesTemplate  string

	now func() time.Time
}

func NewService(log *slog.Logger, store *persistence.Store, client llm.Client, mem *memory.Service, memCfg config.MemoryConfig, cfg config.ScheduleConfig, workspaceRoot string) *Service {
	promptTemplate := cfg.IntentPromptTemplate
	if strings.TrimSpace(promptTemplate) == "" {
		promptTemplate = intentPromptTemplate
	}
	rulesTemplate := cfg.IntentRulesTemplate
	if strings.TrimSpace(rulesTemplate) == "" {
		rulesTemplate = intentRulesDefault
	}
	return &Service{
		log:            log,
		store:          store,
		llm:            client,
		memory:         mem,
		memCfg:         memCfg,
		cfg:            cfg,
		messages:       loadMessages(log, workspaceRoot, cfg.I18nDir, cfg.Locale),
		promptTemplate: promptTemplate,
		rulesTemplate:  rulesTemplate,
		now:            time.Now,
	}
}

// ParseIntent asks the LLM whether the request manages scheduled jobs.
// It returns nil for non-schedule requests, unusable output, and guesses
// with confidence below 0.5.
func (s *Service) ParseIntent(ctx context.Context, userID, chatID int64, taskID, request string) *IntentOutput {
	loc := s.timezone(s.cfg.Timezone)
	nowLocal := s.now().In(loc)

	prompt := strings.NewReplacer(
		"__NOW__", nowLocal.Format("2006-01-02 15:04:05 -07:00"),
		"__TIMEZONE__", s.cfg.Timezone,
		"__RULES__", s.rulesTemplate,
		"__MEMORY_CONTEXT__", s.memoryContext(ctx, userID, chatID, request),
		"__REQUEST__", request,
	).Replace(s.promptTemplate)

	out, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		s.log.Warn("schedule intent llm failed", "task_id", taskID, "err", err)
		return nil
	}
	raw, ok := shared.FirstJSONObject(out)
	if !ok {
		raw = strings.TrimSpace(out)
	}
	var parsed IntentOutput
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	kind := cleanKind(parsed.Kind)
	if kind == "" || kind == "none" {
		return nil
	}
	if parsed.Confidence > 0 && parsed.Confidence < 0.5 {
		return nil
	}
	return &parsed
}

// TryHandle runs the whole schedule-management path for one request. The
// second return value reports whether the request was a schedule request at
// all; when it is true the string is the user-facing reply.
func (s *Service) TryHandle(ctx context.Context, userID, chatID int64, taskID, prompt string) (string, bool, error) {
	intent := s.ParseIntent(ctx, userID, chatID, taskID, prompt)
	if intent == nil {
		return "", false, nil
	}
	kind := cleanKind(intent.Kind)
	s.log.Debug("schedule intent parsed", "task_id", taskID, "kind", kind, "confidence", intent.Confidence)

	switch kind {
	case "list":
		reply, err := s.handleList(ctx, userID, chatID)
		return reply, true, err
	case "delete":
		reply, err := s.handleDelete(ctx, userID, chatID, intent.TargetJobID)
		return reply, true, err
	case "pause", "resume":
		reply, err := s.handleSetEnabled(ctx, userID, chatID, intent.TargetJobID, kind == "resume")
		return reply, true, err
	case "create":
		reply, err := s.handleCreate(ctx, userID, chatID, intent, prompt)
		return reply, true, err
	}
	return "", false, nil
}

func (s *Service) handleList(ctx context.Context, userID, chatID int64) (string, error) {
	jobs, err := s.store.ListScheduledJobs(ctx, userID, chatID, 20)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return s.t("schedule.msg.list_empty"), nil
	}
	lines := make([]string, 0, len(jobs))
	for _, job := range jobs {
		status := s.t("schedule.status.paused")
		if job.Enabled {
			status = s.t("schedule.status.enabled")
		}
		next := "-"
		if job.NextRunAt.Valid {
			next = strconv.FormatInt(job.NextRunAt.Int64, 10)
		}
		lines = append(lines, fmt.Sprintf("- %s | %s | tz=%s | %s | next=%s",
			job.JobID, s.describeJob(&job), job.Timezone, status, next))
	}
	return s.tWith("schedule.msg.list_header", map[string]string{"lines": strings.Join(lines, "\n")}), nil
}

func (s *Service) describeJob(job *persistence.ScheduledJob) string {
	switch job.ScheduleType {
	case "daily":
		return s.tWith("schedule.desc.daily", map[string]string{"time": nullStringOr(job.TimeOfDay, "??:??")})
	case "weekly":
		return s.tWith("schedule.desc.weekly", map[string]string{
			"weekday": strconv.FormatInt(job.Weekday.Int64, 10),
			"time":    nullStringOr(job.TimeOfDay, "??:??"),
		})
	case "interval":
		return s.tWith("schedule.desc.interval", map[string]string{
			"minutes": strconv.FormatInt(job.EveryMinutes.Int64, 10),
		})
	case "once":
		return s.t("schedule.desc.once")
	case "cron":
		return "cron"
	}
	return job.ScheduleType
}

func (s *Service) handleDelete(ctx context.Context, userID, chatID int64, targetJobID string) (string, error) {
	target := strings.TrimSpace(targetJobID)
	if target == "" {
		deleted, err := s.store.DeleteAllScheduledJobs(ctx, userID, chatID)
		if err != nil {
			return "", err
		}
		if deleted == 0 {
			return s.t("schedule.msg.delete_none"), nil
		}
		return s.tWith("schedule.msg.delete_all_ok", map[string]string{"count": strconv.FormatInt(deleted, 10)}), nil
	}
	deleted, err := s.store.DeleteScheduledJob(ctx, target, userID, chatID)
	if err != nil {
		return "", err
	}
	if !deleted {
		return s.tWith("schedule.msg.job_id_not_found", map[string]string{"job_id": target}), nil
	}
	return s.tWith("schedule.msg.delete_one_ok", map[string]string{"job_id": target}), nil
}

func (s *Service) handleSetEnabled(ctx context.Context, userID, chatID int64, targetJobID string, enabled bool) (string, error) {
	target := strings.TrimSpace(targetJobID)
	if target == "" {
		changed, err := s.store.SetAllScheduledJobsEnabled(ctx, userID, chatID, enabled)
		if err != nil {
			return "", err
		}
		if changed == 0 {
			return s.t("schedule.msg.update_none"), nil
		}
		key := "schedule.msg.pause_all_ok"
		if enabled {
			key = "schedule.msg.resume_all_ok"
		}
		return s.tWith(key, map[string]string{"count": strconv.FormatInt(changed, 10)}), nil
	}
	changed, err := s.store.SetScheduledJobEnabled(ctx, target, userID, chatID, enabled)
	if err != nil {
		return "", err
	}
	if !changed {
		return s.tWith("schedule.msg.job_id_not_found", map[string]string{"job_id": target}), nil
	}
	key := "schedule.msg.pause_one_ok"
	if enabled {
		key = "schedule.msg.resume_one_ok"
	}
	return s.tWith(key, map[string]string{"job_id": target}), nil
}

func (s *Service) handleCreate(ctx context.Context, userID, chatID int64, intent *IntentOutput, prompt string) (string, error) {
	timezone := s.timezoneFromIntent(intent.Timezone)
	scheduleType := cleanKind(intent.Schedule.Type)
	taskKind := cleanKind(intent.Task.Kind)
	if taskKind != "ask" && taskKind != "run_skill" {
		return s.t("schedule.msg.create_fail_task_kind"), nil
	}
	if scheduleType == "cron" {
		expr := strings.TrimSpace(intent.Schedule.Cron)
		if expr == "" {
			return s.t("schedule.msg.cron_not_supported"), nil
		}
		return s.tWith("schedule.msg.cron_not_supported_with_expr", map[string]string{"cron": expr}), nil
	}

	now := s.now().Unix()
	var runAt sql.NullInt64
	var nextRunAt int64
	if scheduleType == "once" {
		ts, ok := parseLocalDateTime(intent.Schedule.RunAt, s.timezone(timezone))
		if !ok {
			return s.t("schedule.msg.create_fail_invalid_run_at"), nil
		}
		if ts <= now {
			return s.t("schedule.msg.create_fail_run_at_must_be_future"), nil
		}
		runAt = sql.NullInt64{Int64: ts, Valid: true}
		nextRunAt = ts
	} else {
		ts, ok := computeNextRun(scheduleType,
			strings.TrimSpace(intent.Schedule.Time),
			intent.Schedule.Weekday,
			intent.Schedule.EveryMinutes,
			timezone, now)
		if !ok {
			return s.t("schedule.msg.create_fail_cannot_compute_next_run"), nil
		}
		nextRunAt = ts
	}

	payload := buildTaskPayload(taskKind, intent.Task.Payload, prompt)
	jobID := "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]

	job := &persistence.ScheduledJob{
		JobID:           jobID,
		UserID:          userID,
		ChatID:          chatID,
		ScheduleType:    scheduleType,
		RunAt:           runAt,
		Timezone:        timezone,
		TaskKind:        taskKind,
		TaskPayloadJSON: payload,
		Enabled:         true,
		NotifyOnSuccess: true,
		NotifyOnFailure: true,
		NextRunAt:       sql.NullInt64{Int64: nextRunAt, Valid: true},
	}
	if t := strings.TrimSpace(intent.Schedule.Time); t != "" {
		job.TimeOfDay = sql.NullString{String: t, Valid: true}
	}
	if intent.Schedule.Weekday > 0 {
		job.Weekday = sql.NullInt64{Int64: intent.Schedule.Weekday, Valid: true}
	}
	if intent.Schedule.EveryMinutes > 0 {
		job.EveryMinutes = sql.NullInt64{Int64: intent.Schedule.EveryMinutes, Valid: true}
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return "", err
	}

	return s.tWith("schedule.msg.create_ok", map[string]string{
		"job_id":      jobID,
		"type":        intent.Schedule.Type,
		"timezone":    timezone,
		"next_run_at": strconv.FormatInt(nextRunAt, 10),
	}), nil
}

// buildTaskPayload guarantees ask payloads carry a non-empty text field,
// defaulting to the original request.
func buildTaskPayload(taskKind string, raw json.RawMessage, prompt string) string {
	if taskKind != "ask" {
		if len(raw) == 0 {
			return "{}"
		}
		return string(raw)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		b, _ := json.Marshal(map[string]any{"text": prompt})
		return string(b)
	}
	text, _ := m["text"].(string)
	if strings.TrimSpace(text) == "" {
		m["text"] = prompt
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func (s *Service) memoryContext(ctx context.Context, userID, chatID int64, anchor string) string {
	if s.memory == nil {
		return "<none>"
	}
	limit := s.memCfg.RecallLimit
	if limit < 1 {
		limit = 1
	}
	maxChars := s.memCfg.ScheduleMemoryMaxChars
	if maxChars < 384 {
		maxChars = 384
	}
	parts := s.memory.Recall(ctx, userID, chatID, anchor, limit,
		s.memCfg.ScheduleMemoryIncludeLongTerm, s.memCfg.ScheduleMemoryIncludePreferences)
	return s.memory.ContextBlock(parts, maxChars)
}

// timezoneFromIntent prefers a valid timezone from the intent, otherwise the
// configured one.
func (s *Service) timezoneFromIntent(intentTZ string) string {
	chosen := strings.TrimSpace(intentTZ)
	if chosen == "" {
		return s.cfg.Timezone
	}
	if _, err := time.LoadLocation(chosen); err != nil {
		return s.cfg.Timezone
	}
	return chosen
}

func (s *Service) timezone(raw string) *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(raw))
	if err != nil {
		s.log.Warn("invalid schedule timezone, using UTC", "timezone", raw)
		return time.UTC
	}
	return loc
}

func cleanKind(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func nullStringOr(v sql.NullString, fallback string) string {
	if v.Valid && v.String != "" {
		return v.String
	}
	return fallback
}

// parseLocalDateTime parses "YYYY-MM-DD HH:MM[:SS]" in loc and returns a unix
// timestamp.
func parseLocalDateTime(raw string, loc *time.Location) (int64, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}

func parseHHMM(raw string) (int, int, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// mondayBased maps time.Weekday to 1=Monday .. 7=Sunday.
func mondayBased(d time.Weekday) int64 {
	return int64((int(d)+6)%7) + 1
}

// computeNextRun returns the next unix timestamp a recurring job should fire
// at, strictly after nowTS. Unknown types and "once" report false.
func computeNextRun(scheduleType, timeOfDay string, weekday, everyMinutes int64, timezone string, nowTS int64) (int64, bool) {
	loc, err := time.LoadLocation(strings.TrimSpace(timezone))
	if err != nil {
		loc = time.UTC
	}
	nowLocal := time.Unix(nowTS, 0).In(loc)

	switch scheduleType {
	case "interval":
		mins := everyMinutes
		if mins < 1 {
			mins = 1
		}
		return nowTS + mins*60, true
	case "daily":
		h, m, ok := parseHHMM(timeOfDay)
		if !ok {
			return 0, false
		}
		candidate := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), h, m, 0, 0, loc)
		if !candidate.After(nowLocal) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate.Unix(), true
	case "weekly":
		if weekday < 1 || weekday > 7 {
			return 0, false
		}
		h, m, ok := parseHHMM(timeOfDay)
		if !ok {
			return 0, false
		}
		days := (weekday - mondayBased(nowLocal.Weekday()) + 7) % 7
		candidate := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), h, m, 0, 0, loc).AddDate(0, 0, int(days))
		if days == 0 && !candidate.After(nowLocal) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return candidate.Unix(), true
	}
	return 0, false
}
