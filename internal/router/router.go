// Package router classifies incoming requests into execution modes and
// resolves context-dependent messages into self-contained ones, all through
// the LLM gateway with conservative chat fallbacks.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/llm"
	"github.com/basket/clawd/internal/memory"
	"github.com/basket/clawd/internal/persistence"
	"github.com/basket/clawd/internal/shared"
)

// Mode is the routed execution mode for an ask task.
type Mode int

const (
	ModeChat Mode = iota
	ModeAct
	ModeChatAct
)

func (m Mode) String() string {
	switch m {
	case ModeAct:
		return "act"
	case ModeChatAct:
		return "chat_act"
	default:
		return "chat"
	}
}

// ContextResolution is the outcome of resolving a message against history.
type ContextResolution struct {
	ResolvedUserIntent string
	NeedsClarify       bool
	Confidence         float64
	HasConfidence      bool
	Reason             string
}

// Router owns the routing, resolution and clarify prompts.
type Router struct {
	log           *slog.Logger
	llm           llm.Client
	store         *persistence.Store
	memory        *memory.Service
	cfg           config.MemoryConfig
	personaPrompt string
}

func New(log *slog.Logger, client llm.Client, store *persistence.Store, mem *memory.Service, cfg config.MemoryConfig, personaPrompt string) *Router {
	return &Router{
		log:           log,
		llm:           client,
		store:         store,
		memory:        mem,
		cfg:           cfg,
		personaPrompt: personaPrompt,
	}
}

type routeDecisionOut struct {
	Mode         string   `json:"mode"`
	Reason       string   `json:"reason"`
	Confidence   *float64 `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs"`
}

type contextResolverOut struct {
	ResolvedUserIntent string   `json:"resolved_user_intent"`
	NeedsClarify       bool     `json:"needs_clarify"`
	Confidence         *float64 `json:"confidence"`
	Reason             string   `json:"reason"`
}

// RouteMode classifies the request. Any LLM or parse failure routes to chat.
func (r *Router) RouteMode(ctx context.Context, userID, chatID int64, taskID, userRequest string) Mode {
	prompt := strings.NewReplacer(
		"__PERSONA_PROMPT__", r.personaPrompt,
		"__ROUTING_RULES__", routingRules,
		"__RECENT_EXECUTION_CONTEXT__", r.recentExecutionContext(ctx, userID, chatID, 5),
		"__MEMORY_CONTEXT__", r.memoryContext(ctx, userID, chatID, userRequest),
		"__REQUEST__", strings.TrimSpace(userRequest),
	).Replace(intentRouterPromptTemplate)

	out, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		r.log.Warn("route mode llm failed, falling back to chat", "task_id", taskID, "error", err)
		return ModeChat
	}
	mode, reason, ok := parseRouteDecision(out)
	if !ok {
		r.log.Warn("route mode parse failed, falling back to chat", "task_id", taskID, "output", clip(out))
		return ModeChat
	}
	r.log.Info("request routed", "task_id", taskID, "mode", mode.String(), "reason", clip(reason))
	return mode
}

// ResolveContext rewrites a context-dependent request into a self-contained
// one. When the rewrite differs from the original, the raw message is
// appended so downstream prompts keep the user's own words.
func (r *Router) ResolveContext(ctx context.Context, userID, chatID int64, taskID, userRequest string) ContextResolution {
	req := strings.TrimSpace(userRequest)
	if req == "" {
		return ContextResolution{}
	}
	prompt := strings.NewReplacer(
		"__PERSONA_PROMPT__", r.personaPrompt,
		"__RECENT_EXECUTION_CONTEXT__", r.recentExecutionContext(ctx, userID, chatID, 8),
		"__MEMORY_CONTEXT__", r.memoryContext(ctx, userID, chatID, req),
		"__REQUEST__", req,
	).Replace(contextResolverPromptTemplate)

	out, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		r.log.Warn("context resolver llm failed, using original message", "task_id", taskID, "error", err)
		return ContextResolution{ResolvedUserIntent: req, Reason: "llm_failed"}
	}
	var parsed contextResolverOut
	if !decodeJSONOutput(out, &parsed) {
		r.log.Warn("context resolver parse failed, using original message", "task_id", taskID, "output", clip(out))
		return ContextResolution{ResolvedUserIntent: req, Reason: "parse_failed"}
	}
	resolved := strings.TrimSpace(parsed.ResolvedUserIntent)
	if resolved == "" {
		return ContextResolution{ResolvedUserIntent: req, Reason: "parse_failed"}
	}
	final := resolved
	if resolved != req {
		final = resolved + "\n\n[Original user message]\n" + req
	}
	res := ContextResolution{
		ResolvedUserIntent: final,
		NeedsClarify:       parsed.NeedsClarify,
		Reason:             parsed.Reason,
	}
	if parsed.Confidence != nil {
		res.Confidence = clamp01(*parsed.Confidence)
		res.HasConfidence = true
	}
	return res
}

// ClarifyQuestion asks the model for one clarifying question, with a static
// fallback when the call fails or returns nothing.
func (r *Router) ClarifyQuestion(ctx context.Context, userRequest, resolverReason string) string {
	prompt := strings.NewReplacer(
		"__PERSONA_PROMPT__", r.personaPrompt,
		"__REQUEST__", strings.TrimSpace(userRequest),
		"__RESOLVER_REASON__", strings.TrimSpace(resolverReason),
	).Replace(clarifyQuestionPromptTemplate)
	out, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		return defaultClarifyQuestion
	}
	if trimmed := strings.TrimSpace(out); trimmed != "" {
		return trimmed
	}
	return defaultClarifyQuestion
}

// ImageGoal reports whether the request expects an image file deliverable.
// Failures report false; this only gates reply cosmetics.
func (r *Router) ImageGoal(ctx context.Context, request string) bool {
	req := strings.TrimSpace(request)
	if req == "" {
		return false
	}
	prompt := strings.ReplaceAll(imageTailRoutingPromptTemplate, "__REQUEST__", req)
	out, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		r.log.Warn("image goal routing llm failed", "error", err)
		return false
	}
	var parsed struct {
		ImageGoal bool `json:"image_goal"`
	}
	if !decodeJSONOutput(out, &parsed) {
		return false
	}
	return parsed.ImageGoal
}

// recentExecutionContext renders the chat's last succeeded tasks as bullet
// lines for routing prompts.
func (r *Router) recentExecutionContext(ctx context.Context, userID, chatID int64, limit int) string {
	tasks, err := r.store.RecentSucceededTasks(ctx, userID, chatID, limit)
	if err != nil || len(tasks) == 0 {
		return "<none>"
	}
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		req := taskPayloadSummary(t.Kind, t.PayloadJSON)
		result := taskResultSummary(t.ResultJSON.String)
		lines = append(lines, fmt.Sprintf("- ts=%d kind=%s request=%s result=%s",
			t.UpdatedAt, t.Kind, truncateSnippet(req, 220), truncateSnippet(result, 320)))
	}
	return strings.Join(lines, "\n")
}

func (r *Router) memoryContext(ctx context.Context, userID, chatID int64, anchor string) string {
	if !r.cfg.RouteMemoryEnabled || r.memory == nil {
		return "<none>"
	}
	limit := r.cfg.PromptRecallLimit
	if limit < 1 {
		limit = 1
	}
	maxChars := r.cfg.RouteMemoryMaxChars
	if maxChars < 384 {
		maxChars = 384
	}
	parts := r.memory.Recall(ctx, userID, chatID, anchor, limit, true, true)
	return r.memory.ContextBlock(parts, maxChars)
}

func parseRouteDecision(raw string) (Mode, string, bool) {
	var out routeDecisionOut
	if decodeJSONOutput(raw, &out) {
		if mode, ok := parseModeText(out.Mode); ok {
			return mode, out.Reason, true
		}
	}
	mode, ok := parseModeText(raw)
	return mode, "", ok
}

func parseModeText(raw string) (Mode, bool) {
	text := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(text, "ask_clarify"):
		return ModeChat, true
	case strings.Contains(text, "chat_act") || strings.Contains(text, "chat+act"):
		return ModeChatAct, true
	case strings.Contains(text, `"act"`) || text == "act":
		return ModeAct, true
	case strings.Contains(text, `"chat"`) || text == "chat" || strings.Contains(text, "clarify"):
		return ModeChat, true
	}
	return ModeChat, false
}

// decodeJSONOutput parses model output that may wrap its JSON object in
// prose: the first balanced object wins, then the whole trimmed output.
func decodeJSONOutput(raw string, v any) bool {
	if obj, ok := shared.FirstJSONObject(raw); ok {
		if json.Unmarshal([]byte(obj), v) == nil {
			return true
		}
	}
	return json.Unmarshal([]byte(strings.TrimSpace(raw)), v) == nil
}

func taskPayloadSummary(kind, payloadJSON string) string {
	var v map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &v); err != nil {
		return payloadJSON
	}
	switch kind {
	case "ask":
		if text, ok := v["text"].(string); ok {
			return text
		}
		return payloadJSON
	case "run_skill":
		skill, _ := v["skill_name"].(string)
		if skill == "" {
			skill = "unknown"
		}
		args, _ := json.Marshal(v["args"])
		return fmt.Sprintf("run_skill:%s args=%s", skill, args)
	default:
		return payloadJSON
	}
}

func taskResultSummary(resultJSON string) string {
	var v map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &v); err != nil {
		return resultJSON
	}
	if text, ok := v["text"].(string); ok {
		return text
	}
	return resultJSON
}

func truncateSnippet(text string, maxChars int) string {
	t := strings.TrimSpace(text)
	runes := []rune(t)
	if len(runes) <= maxChars {
		return t
	}
	return string(runes[:maxChars]) + "...(truncated)"
}

func clip(text string) string {
	const max = 400
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
