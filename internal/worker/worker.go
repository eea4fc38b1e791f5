// Package worker claims queued tasks and drives them to a terminal status:
// ask tasks through the schedule short-circuit, intent routing and the agent
// loop; run_skill tasks through the subprocess bridge.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/clawd/internal/audit"
	"github.com/basket/clawd/internal/channels"
	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/engine"
	"github.com/basket/clawd/internal/llm"
	"github.com/basket/clawd/internal/memory"
	"github.com/basket/clawd/internal/otel"
	"github.com/basket/clawd/internal/persistence"
	"github.com/basket/clawd/internal/router"
	"github.com/basket/clawd/internal/shared"
	"github.com/basket/clawd/internal/skills"
)

// watchdogInterval bounds how often the stale-running sweep fires.
const watchdogInterval = 30 * time.Second

// IntentRouter is the routing surface the ask path needs.
type IntentRouter interface {
	RouteMode(ctx context.Context, userID, chatID int64, taskID, request string) router.Mode
	ResolveContext(ctx context.Context, userID, chatID int64, taskID, request string) router.ContextResolution
	ClarifyQuestion(ctx context.Context, userRequest, resolverReason string) string
}

// AgentRunner runs the agent loop for act and chat_act tasks.
type AgentRunner interface {
	Run(ctx context.Context, task engine.TaskRef, goal, userRequest string) (engine.Reply, error)
}

// ScheduleHandler intercepts schedule-management requests before routing.
type ScheduleHandler interface {
	TryHandle(ctx context.Context, userID, chatID int64, taskID, prompt string) (string, bool, error)
}

// Deps collects the collaborators wired in at startup. Memory and Notifier
// may be nil; the corresponding steps are skipped.
type Deps struct {
	Store         *persistence.Store
	LLM           llm.Client
	Router        IntentRouter
	Agent         AgentRunner
	Schedule      ScheduleHandler
	Skills        engine.SkillRunner
	Memory        *memory.Service
	Notifier      channels.Notifier
	Metrics       *otel.Metrics
	PersonaPrompt string
	ProviderType  string
}

// Worker is the single task consumer.
type Worker struct {
	log    *slog.Logger
	cfg    config.WorkerConfig
	memCfg config.MemoryConfig
	deps   Deps

	lastSweep time.Time
}

func New(log *slog.Logger, cfg config.WorkerConfig, memCfg config.MemoryConfig, deps Deps) *Worker {
	return &Worker{log: log, cfg: cfg, memCfg: memCfg, deps: deps}
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.PollIntervalMS) * time.Millisecond
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		w.sweepStale(ctx)
		if err := w.Once(ctx); err != nil {
			w.log.Error("worker tick failed", "err", err)
		}
	}
}

// sweepStale times out running tasks older than the task timeout, at most
// once per watchdogInterval.
func (w *Worker) sweepStale(ctx context.Context) {
	if time.Since(w.lastSweep) < watchdogInterval {
		return
	}
	w.lastSweep = time.Now()
	timedOut, err := w.deps.Store.TimeoutStaleRunning(ctx, int64(w.cfg.TaskTimeoutSeconds))
	if err != nil {
		w.log.Error("timeout sweep failed", "err", err)
		return
	}
	for _, taskID := range timedOut {
		w.log.Warn("task timed out", "task_id", taskID, "timeout_seconds", w.cfg.TaskTimeoutSeconds)
		audit.Record(nil, "timeout", fmt.Sprintf(`{"task_id":%q}`, taskID), "")
	}
}

// Once claims and processes at most one task.
func (w *Worker) Once(ctx context.Context) error {
	task, err := w.deps.Store.ClaimNextTask(ctx)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	w.log.Info("task picked", "task_id", task.TaskID, "user_id", task.UserID, "chat_id", task.ChatID, "kind", task.Kind)

	var payload map[string]any
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("invalid payload_json for task %s: %w", task.TaskID, err)
	}

	switch task.Kind {
	case "ask":
		w.handleAsk(ctx, task, payload)
	case "run_skill":
		w.handleRunSkill(ctx, task, payload)
	default:
		msg := "Unsupported task kind: " + task.Kind
		w.log.Error("unsupported task kind", "task_id", task.TaskID, "kind", task.Kind)
		if _, err := w.deps.Store.UpdateTaskFailure(ctx, task.TaskID, msg); err != nil {
			return err
		}
		w.deps.Metrics.RecordTaskCompleted(ctx, "failed")
	}
	return nil
}

func (w *Worker) handleAsk(ctx context.Context, task *persistence.Task, payload map[string]any) {
	prompt, _ := payload["text"].(string)

	if reply, handled, err := w.deps.Schedule.TryHandle(ctx, task.UserID, task.ChatID, task.TaskID, prompt); err == nil && handled {
		w.succeed(ctx, task, payload, reply)
		w.remember(ctx, task, "user", prompt)
		w.remember(ctx, task, "assistant", reply)
		w.log.Info("task done", "task_id", task.TaskID, "kind", "ask", "path", "schedule_direct")
		return
	} else if err != nil {
		w.log.Warn("schedule short-circuit failed, continuing", "task_id", task.TaskID, "err", err)
	}

	res := w.deps.Router.ResolveContext(ctx, task.UserID, task.ChatID, task.TaskID, prompt)
	resolved := res.ResolvedUserIntent
	w.log.Info("request resolved", "task_id", task.TaskID,
		"needs_clarify", res.NeedsClarify, "confidence", res.Confidence,
		"reason", shared.TruncateForLog(res.Reason), "resolved", shared.TruncateForLog(resolved))

	promptWithMemory := resolved
	if w.deps.Memory != nil {
		promptWithMemory, _ = w.deps.Memory.PrepareWithMemory(ctx, task.UserID, task.ChatID, resolved)
	}

	agentMode, _ := payload["agent_mode"].(bool)
	confidence := 0.0
	if res.HasConfidence {
		confidence = res.Confidence
	}
	forceClarify := res.NeedsClarify && confidence < 0.6

	var reply engine.Reply
	var err error
	switch {
	case forceClarify:
		reply = engine.Reply{Text: w.deps.Router.ClarifyQuestion(ctx, prompt, res.Reason)}
	default:
		mode := router.ModeChat
		if agentMode {
			mode = w.deps.Router.RouteMode(ctx, task.UserID, task.ChatID, task.TaskID, resolved)
		}
		w.log.Info("request routed", "task_id", task.TaskID, "mode", mode.String(), "agent_mode", agentMode)

		ref := engine.TaskRef{TaskID: task.TaskID, UserID: task.UserID, ChatID: task.ChatID}
		switch mode {
		case router.ModeAct:
			reply, err = w.deps.Agent.Run(ctx, ref, promptWithMemory, resolved)
		case router.ModeChatAct:
			goal := promptWithMemory + "\n\nMode hint: chat_act. Complete required actions first, then return a concise user-facing reply that confirms results naturally."
			reply, err = w.deps.Agent.Run(ctx, ref, goal, resolved)
		default:
			chatPrompt := strings.NewReplacer(
				"__PERSONA_PROMPT__", w.deps.PersonaPrompt,
				"__CONTEXT__", promptWithMemory,
				"__REQUEST__", resolved,
			).Replace(chatResponsePromptTemplate)
			var text string
			text, err = w.deps.LLM.Complete(ctx, chatPrompt)
			reply = engine.Reply{Text: text, IsLLM: true}
		}
	}

	if err != nil {
		w.log.Error("ask failed", "task_id", task.TaskID, "err", err)
		if _, uerr := w.deps.Store.UpdateTaskFailure(ctx, task.TaskID, err.Error()); uerr != nil {
			w.log.Error("record failure failed", "task_id", task.TaskID, "err", uerr)
		}
		w.deps.Metrics.RecordTaskCompleted(ctx, "failed")
		w.maybeNotifySchedule(ctx, task, payload, false, err.Error())
		return
	}

	w.succeed(ctx, task, payload, reply.Text)
	w.remember(ctx, task, "user", prompt)
	assistantText := reply.Text
	if reply.IsLLM && w.memCfg.MarkLLMReplyInShortTerm {
		assistantText = memory.LLMReplyPrefix + reply.Text
	}
	w.remember(ctx, task, "assistant", assistantText)
	if w.deps.Memory != nil {
		if err := w.deps.Memory.MaybeRefreshLongTerm(ctx, task.UserID, task.ChatID); err != nil {
			w.log.Warn("long-term memory refresh failed", "task_id", task.TaskID, "err", err)
		}
	}
	w.log.Info("task done", "task_id", task.TaskID, "kind", "ask", "path", "normal")
}

func (w *Worker) handleRunSkill(ctx context.Context, task *persistence.Task, payload map[string]any) {
	skillName, _ := payload["skill_name"].(string)
	args, _ := payload["args"].(map[string]any)
	w.log.Info("run_skill picked", "task_id", task.TaskID, "skill", skillName)

	req := skills.Request{
		TaskID: task.TaskID,
		UserID: task.UserID,
		ChatID: task.ChatID,
		Skill:  skillName,
		Args:   args,
	}
	text, err := w.deps.Skills.Run(ctx, req, w.deps.ProviderType)
	if err != nil {
		w.log.Error("run_skill failed", "task_id", task.TaskID, "skill", skillName, "err", err)
		if _, uerr := w.deps.Store.UpdateTaskFailure(ctx, task.TaskID, err.Error()); uerr != nil {
			w.log.Error("record failure failed", "task_id", task.TaskID, "err", uerr)
		}
		w.deps.Metrics.RecordTaskCompleted(ctx, "failed")
		w.maybeNotifySchedule(ctx, task, payload, false, err.Error())
		action := "run_skill"
		if strings.Contains(err.Error(), "timeout") {
			action = "timeout"
		}
		audit.Record(&task.UserID, action, skillAuditDetail(task, skillName, "failed"), err.Error())
		return
	}

	w.succeed(ctx, task, payload, text)
	w.remember(ctx, task, "assistant", text)
	audit.Record(&task.UserID, "run_skill", skillAuditDetail(task, skillName, "ok"), "")
	w.log.Info("task done", "task_id", task.TaskID, "kind", "run_skill", "skill", skillName)
}

func skillAuditDetail(task *persistence.Task, skillName, status string) string {
	detail, _ := json.Marshal(map[string]any{
		"task_id":    task.TaskID,
		"chat_id":    task.ChatID,
		"skill_name": skillName,
		"status":     status,
	})
	return string(detail)
}

// succeed writes the terminal result and pushes the schedule notification
// when the task came from the dispatcher.
func (w *Worker) succeed(ctx context.Context, task *persistence.Task, payload map[string]any, text string) {
	result, _ := json.Marshal(map[string]string{"text": text})
	if _, err := w.deps.Store.UpdateTaskSuccess(ctx, task.TaskID, string(result)); err != nil {
		w.log.Error("record success failed", "task_id", task.TaskID, "err", err)
	}
	w.deps.Metrics.RecordTaskCompleted(ctx, "succeeded")
	w.maybeNotifySchedule(ctx, task, payload, true, text)
}

func (w *Worker) remember(ctx context.Context, task *persistence.Task, role, content string) {
	if w.deps.Memory == nil {
		return
	}
	if err := w.deps.Memory.Insert(ctx, task.UserID, task.ChatID, role, content); err != nil {
		w.log.Warn("memory insert failed", "task_id", task.TaskID, "role", role, "err", err)
	}
}

func (w *Worker) maybeNotifySchedule(ctx context.Context, task *persistence.Task, payload map[string]any, success bool, text string) {
	if w.deps.Notifier == nil {
		return
	}
	triggered, _ := payload["schedule_triggered"].(bool)
	if !triggered {
		return
	}
	jobID, _ := payload["schedule_job_id"].(string)
	if jobID == "" {
		return
	}
	prefix := "定时任务执行失败"
	if success {
		prefix = "定时任务执行成功"
	}
	message := fmt.Sprintf("%s\n任务ID: %s\n%s", prefix, jobID, text)
	if err := w.deps.Notifier.Notify(ctx, task.ChatID, message); err != nil {
		w.log.Warn("schedule notify failed", "task_id", task.TaskID, "chat_id", task.ChatID, "err", err)
	}
}
