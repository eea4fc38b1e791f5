// Package engine runs the bounded agent loop: prompt the model for one
// action JSON per turn, execute tools and skills, and stop on respond or on
// one of the step, tool-call or repeat budgets.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/basket/clawd/internal/audit"
	"github.com/basket/clawd/internal/llm"
	"github.com/basket/clawd/internal/shared"
	"github.com/basket/clawd/internal/skills"
)

// Loop budgets.
const (
	maxSteps     = 32
	maxToolCalls = 12
	repeatLimit  = 4
)

// TaskRef identifies the task a loop run belongs to.
type TaskRef struct {
	TaskID string
	UserID int64
	ChatID int64
}

// Reply is the loop's terminal output. IsLLM marks replies whose text came
// from the model verbatim; synthesized messages (image delivery, step-limit
// notices, duplicate short-circuits) are not.
type Reply struct {
	Text  string
	IsLLM bool
}

// ToolExecutor runs one built-in tool call.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]string, providerType string) (string, error)
}

// SkillRunner invokes one skill through the subprocess bridge.
type SkillRunner interface {
	Run(ctx context.Context, req skills.Request, providerType string) (string, error)
}

// Engine drives the agent loop for act-mode tasks.
type Engine struct {
	log           *slog.Logger
	llm           llm.Client
	tools         ToolExecutor
	skills        SkillRunner
	personaPrompt string
	providerType  string

	// imageGoal decides whether the user request is an image-delivery goal;
	// the intent router supplies the LLM-backed implementation. Nil means no.
	imageGoal func(ctx context.Context, request string) bool
}

// New wires an engine. providerType scopes tool policy checks to the vendor
// currently fronting the LLM gateway.
func New(log *slog.Logger, client llm.Client, tools ToolExecutor, bridge SkillRunner, personaPrompt, providerType string) *Engine {
	return &Engine{
		log:           log,
		llm:           client,
		tools:         tools,
		skills:        bridge,
		personaPrompt: personaPrompt,
		providerType:  providerType,
	}
}

// SetImageGoalFunc installs the image-goal detector.
func (e *Engine) SetImageGoalFunc(fn func(ctx context.Context, request string) bool) {
	e.imageGoal = fn
}

// Run executes the loop until the model responds or a budget trips.
func (e *Engine) Run(ctx context.Context, task TaskRef, goal, userRequest string) (Reply, error) {
	history := []string{"planner: llm-driven dynamic action planning"}
	toolCalls := 0
	repeats := make(map[string]int)
	var lastOutput string
	var hasLastOutput bool
	var lastImageTokens []string
	var lastSuccessRunCmd string
	routingGoal := strings.TrimSpace(userRequest)

	for step := 1; step <= maxSteps; step++ {
		histText := "(empty)"
		if len(history) > 0 {
			histText = strings.Join(history, "\n")
		}
		prompt := strings.NewReplacer(
			"__PERSONA_PROMPT__", e.personaPrompt,
			"__TOOL_SPEC__", toolSpec,
			"__GOAL__", goal,
			"__STEP__", strconv.Itoa(step),
			"__HISTORY__", histText,
		).Replace(agentRuntimePromptTemplate)

		llmOut, err := e.llm.Complete(ctx, prompt)
		if err != nil {
			return Reply{}, err
		}
		candidates := parseActions(llmOut)
		if len(candidates) == 0 {
			return Reply{}, fmt.Errorf("agent output is not valid json object: %s", llmOut)
		}
		action := candidates[0]
		if len(candidates) > 1 {
			idx := selectAction(candidates)
			action = candidates[idx]
			note := fmt.Sprintf("multi-action output detected (count=%d); selected_one=%s",
				len(candidates), actionSignature(action))
			e.log.Warn("multi-action model output",
				"task_id", task.TaskID, "step", step,
				"count", len(candidates), "selected", actionSignature(action))
			history = append(history, "router: "+note)
		}

		if cmd := runCmdCommand(action); cmd != "" && cmd == lastSuccessRunCmd {
			message := "Command already succeeded earlier; skip duplicate run_cmd: " + cmd
			history = append(history, "tool(run_cmd): "+message)
			return Reply{Text: message}, nil
		}

		sig := actionSignature(action)
		repeatKey := fmt.Sprintf("%s#state:%d", sig, repeatStateFingerprint(lastOutput))
		repeats[repeatKey]++
		if repeats[repeatKey] > repeatLimit {
			return Reply{}, fmt.Errorf("agent repeated same action too many times: count=%d, action=%s",
				repeats[repeatKey], clipForLog(sig))
		}

		switch action.Type {
		case ActionThink:
			history = append(history, "think: "+action.Content)

		case ActionRespond:
			return e.finishRespond(ctx, action.Content, routingGoal, lastOutput, hasLastOutput, lastImageTokens), nil

		case ActionCallSkill:
			if toolCalls >= maxToolCalls {
				return Reply{}, fmt.Errorf("agent tool call limit exceeded")
			}
			toolCalls++
			out, err := e.skills.Run(ctx, skills.Request{
				TaskID: task.TaskID,
				UserID: task.UserID,
				ChatID: task.ChatID,
				Skill:  action.Skill,
				Args:   action.Args,
			}, e.providerType)
			if err != nil {
				return Reply{}, fmt.Errorf("技能执行错误：%s", err)
			}
			lastOutput, hasLastOutput = out, true
			canonical := skills.CanonicalName(action.Skill)
			if canonical == "image_generate" || canonical == "image_edit" {
				if tokens := shared.ExtractDeliveryFileTokens(out); len(tokens) > 0 {
					lastImageTokens = tokens
				}
			}
			history = append(history, fmt.Sprintf("skill(%s): %s", action.Skill, out))

		case ActionCallTool:
			if toolCalls >= maxToolCalls {
				return Reply{}, fmt.Errorf("agent tool call limit exceeded")
			}
			toolCalls++
			out, err := e.tools.Execute(ctx, action.Tool, stringifyArgs(action.Args), e.providerType)
			if err != nil {
				return Reply{}, e.toolFailure(ctx, action, err)
			}
			detail, _ := json.Marshal(map[string]string{"tool": action.Tool, "task_id": task.TaskID})
			audit.Record(&task.UserID, "tool_exec", string(detail), "")
			if cmd := runCmdCommand(action); cmd != "" {
				// run_cmd returned without error, so the command exited zero;
				// remember it for the duplicate short-circuit.
				lastSuccessRunCmd = cmd
			}
			lastOutput, hasLastOutput = out, true
			history = append(history, fmt.Sprintf("tool(%s): %s", action.Tool, out))
		}
	}

	e.log.Warn("agent step limit reached",
		"task_id", task.TaskID, "tool_calls", toolCalls, "max_steps", maxSteps)

	// A loop that never touched a tool degrades to plain chat.
	if toolCalls == 0 {
		if chatReply, err := e.llm.Complete(ctx, routingGoal); err == nil && strings.TrimSpace(chatReply) != "" {
			return Reply{Text: chatReply, IsLLM: true}, nil
		}
	}
	message := fmt.Sprintf(
		"Task exceeded step limit. Executed only the first %d step(s); remaining steps were discarded.",
		maxSteps)
	if hasLastOutput && strings.TrimSpace(lastOutput) != "" {
		message += "\n\nLast completed step output:\n" + clipForLog(strings.TrimSpace(lastOutput))
	}
	return Reply{Text: message}, nil
}

// finishRespond applies the image delivery tail handling to a respond action.
// Generated image tokens always win over the model's own phrasing so the
// front-end reliably receives a FILE: line.
func (e *Engine) finishRespond(ctx context.Context, content, routingGoal, lastOutput string, hasLastOutput bool, lastImageTokens []string) Reply {
	imageGoal := e.imageGoal != nil && e.imageGoal(ctx, routingGoal)
	if imageGoal {
		content = shared.NormalizeImageFileTokens(content)
	}
	if len(lastImageTokens) > 0 {
		return Reply{Text: buildImageSavedReply(lastImageTokens)}
	}
	if imageGoal && hasLastOutput {
		if tokens := shared.ExtractDeliveryFileTokens(lastOutput); len(tokens) > 0 {
			return Reply{Text: buildImageSavedReply(tokens)}
		}
	}
	return Reply{Text: content, IsLLM: true}
}

// toolFailure wraps a tool error with the user-facing prefix and, for shell
// commands, asks the model for one fix suggestion.
func (e *Engine) toolFailure(ctx context.Context, action Action, err error) error {
	if action.Tool != "run_cmd" {
		return fmt.Errorf("工具执行错误：%s", err)
	}
	finalErr := fmt.Sprintf("命令执行错误：%s", err)
	command, _ := action.Args["command"].(string)
	prompt := strings.NewReplacer(
		"__COMMAND__", command,
		"__ERROR__", err.Error(),
	).Replace(commandFailureSuggestTemplate)
	if suggestion, serr := e.llm.Complete(ctx, prompt); serr == nil {
		if s := strings.TrimSpace(suggestion); s != "" {
			finalErr += "\n\n建议：\n" + s
		}
	}
	return fmt.Errorf("%s", finalErr)
}

func buildImageSavedReply(fileTokens []string) string {
	var paths []string
	for _, t := range fileTokens {
		if p, ok := shared.DeliveryTokenPath(t); ok {
			paths = append(paths, p)
		}
	}
	var out string
	switch {
	case len(paths) == 0:
		out = "Image saved: <unknown>"
	case len(paths) == 1:
		out = "Image saved: " + paths[0]
	default:
		out = "Images saved: " + strings.Join(paths, ", ")
	}
	return out + "\n" + strings.Join(fileTokens, "\n")
}

func runCmdCommand(a Action) string {
	if a.Type != ActionCallTool || a.Tool != "run_cmd" {
		return ""
	}
	cmd, _ := a.Args["command"].(string)
	return strings.TrimSpace(cmd)
}

// stringifyArgs flattens JSON arg values into the string map the tool runner
// takes. Non-scalar values are re-encoded as JSON.
func stringifyArgs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch t := v.(type) {
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(v)
			if err != nil {
				out[k] = fmt.Sprint(v)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
