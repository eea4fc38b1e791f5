package skills

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/semaphore"

	"github.com/basket/clawd/internal/audit"
	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/policy"
)

// responseSchema constrains what a skill subprocess may hand back. Anything
// that fails validation is treated as a crashed skill, not surfaced to the
// user as-is.
const responseSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "request_id": {"type": "string"},
    "status": {"type": "string", "enum": ["ok", "error"]},
    "text": {"type": "string"},
    "error_text": {"type": "string"},
    "buttons": {"type": "array"},
    "extra": {"type": "object"}
  }
}`

// CredentialSource supplies the OpenAI-compatible credentials forwarded to
// skill subprocesses. The llm gateway implements it.
type CredentialSource interface {
	SelectedOpenAIKey() string
	SelectedOpenAIBaseURL() string
}

// LLMClient runs the argument-enrichment and output-rewrite prompts. The
// llm gateway implements it; nil disables both.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// MemorySource supplies chat memory to the bridge: a compact context block
// for skill argument injection, the stored language preference, and the
// recall products backing the image reference resolver. Nil disables all of
// them.
type MemorySource interface {
	SkillMemoryContext(ctx context.Context, userID, chatID int64, maxChars int) string
	ImageMemoryContext(ctx context.Context, userID, chatID int64, anchor string) string
	PreferredLanguage(ctx context.Context, userID, chatID int64) string
	RecentImageCandidates(ctx context.Context, userID, chatID int64, limit int) []string
}

// Request identifies one skill invocation on behalf of a task.
type Request struct {
	TaskID string
	UserID int64
	ChatID int64
	Skill  string
	Args   map[string]any
}

type runnerRequest struct {
	RequestID string         `json:"request_id"`
	UserID    int64          `json:"user_id"`
	ChatID    int64          `json:"chat_id"`
	SkillName string         `json:"skill_name"`
	Args      map[string]any `json:"args"`
	Context   runnerContext  `json:"context"`
}

type runnerContext struct {
	Source string `json:"source"`
	Kind   string `json:"kind"`
}

type runnerResponse struct {
	Status    string `json:"status"`
	Text      string `json:"text"`
	ErrorText string `json:"error_text"`
}

// Bridge runs skills through the external runner binary. A global semaphore
// bounds concurrent subprocesses.
type Bridge struct {
	log            *slog.Logger
	runnerPath     string
	workspaceRoot  string
	timeoutSeconds int
	allowed        map[string]struct{}
	policy         policy.Checker
	sem            *semaphore.Weighted
	creds          CredentialSource
	llm            LLMClient
	memory         MemorySource
	memoryInject   bool
	memoryMaxChars int
	imageGenDir    string
	imageEditDir   string
	schema         *jsonschema.Schema
	now            func() time.Time
}

func NewBridge(log *slog.Logger, cfg *config.Config, pol policy.Checker, creds CredentialSource, client LLMClient, memory MemorySource) (*Bridge, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("parse skill response schema: %w", err)
	}
	if err := compiler.AddResource("skill-response.json", doc); err != nil {
		return nil, fmt.Errorf("register skill response schema: %w", err)
	}
	schema, err := compiler.Compile("skill-response.json")
	if err != nil {
		return nil, fmt.Errorf("compile skill response schema: %w", err)
	}

	allowed := make(map[string]struct{}, len(cfg.Skills.SkillsList))
	for _, name := range cfg.Skills.SkillsList {
		allowed[strings.TrimSpace(name)] = struct{}{}
	}
	maxConcurrency := cfg.Skills.SkillMaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 2
	}
	return &Bridge{
		log:            log,
		runnerPath:     cfg.Skills.SkillRunnerPath,
		workspaceRoot:  cfg.WorkspaceRoot,
		timeoutSeconds: cfg.Skills.SkillTimeoutSeconds,
		allowed:        allowed,
		policy:         pol,
		sem:            semaphore.NewWeighted(int64(maxConcurrency)),
		creds:          creds,
		llm:            client,
		memory:         memory,
		memoryInject:   cfg.Memory.SkillMemoryEnabled,
		memoryMaxChars: cfg.Memory.SkillMemoryMaxChars,
		imageGenDir:    filepath.Join(cfg.WorkspaceRoot, cfg.ImageOutputDir("image_generation")),
		imageEditDir:   filepath.Join(cfg.WorkspaceRoot, cfg.ImageOutputDir("image_edit")),
		schema:         schema,
		now:            time.Now,
	}, nil
}

// timeoutFor floors the configured timeout per skill; image and audio skills
// legitimately run for minutes.
func (b *Bridge) timeoutFor(skill string) int {
	t := b.timeoutSeconds
	floor := 0
	switch skill {
	case "image_generate", "image_edit":
		floor = 180
	case "image_vision":
		floor = 90
	case "audio_transcribe":
		floor = 120
	case "audio_synthesize":
		floor = 90
	}
	if t < floor {
		t = floor
	}
	if t < 1 {
		t = 1
	}
	return t
}

// Run executes one skill and returns its text output. providerType scopes
// the policy check to the vendor whose model asked for the skill.
func (b *Bridge) Run(ctx context.Context, req Request, providerType string) (string, error) {
	skill := CanonicalName(strings.TrimSpace(req.Skill))
	if skill == "" {
		return "", errors.New("skill_name is empty")
	}

	token := "skill:" + skill
	if b.policy != nil && !b.policy.Allow(token, providerType) {
		detail, _ := json.Marshal(map[string]string{
			"token":          token,
			"provider":       providerType,
			"policy_version": b.policy.PolicyVersion(),
		})
		audit.Record(nil, "policy_denial", string(detail), "")
		return "", fmt.Errorf("blocked by tools policy: %s", token)
	}

	if _, ok := b.allowed[skill]; !ok {
		names := make([]string, 0, len(b.allowed))
		for name := range b.allowed {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", fmt.Errorf("skill not allowed: %s; allowed skills: %s", skill, strings.Join(names, ", "))
	}

	timeoutSecs := b.timeoutFor(skill)

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("skill slot unavailable: %w", err)
	}
	defer b.sem.Release(1)

	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	b.injectMemory(ctx, req, skill, args)
	b.enrichArgs(ctx, req, skill, args)
	b.forceOutputPath(skill, args)

	if _, err := os.Stat(b.runnerPath); err != nil {
		return "", fmt.Errorf("skill-runner binary not found: path=%s (workspace_root=%s)",
			b.runnerPath, b.workspaceRoot)
	}

	line, err := json.Marshal(runnerRequest{
		RequestID: req.TaskID,
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		SkillName: skill,
		Args:      args,
		Context:   runnerContext{Source: "telegram", Kind: "run_skill"},
	})
	if err != nil {
		return "", fmt.Errorf("encode skill request: %w", err)
	}

	start := time.Now()
	text, err := b.invokeRunner(ctx, line, timeoutSecs)
	if err == nil && skill == "image_vision" {
		text = b.rewriteVisionOutput(ctx, req, args, text)
	}
	detail, _ := json.Marshal(map[string]any{
		"skill":      skill,
		"task_id":    req.TaskID,
		"elapsed_ms": time.Since(start).Milliseconds(),
		"timeout_s":  timeoutSecs,
	})
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	audit.Record(&req.UserID, "run_skill", string(detail), errText)
	return text, err
}

func (b *Bridge) invokeRunner(ctx context.Context, requestLine []byte, timeoutSecs int) (string, error) {
	cmd := exec.Command(b.runnerPath)
	cmd.Env = append(os.Environ(),
		"SKILL_TIMEOUT_SECONDS="+fmt.Sprint(timeoutSecs),
		"OPENAI_API_KEY="+b.creds.SelectedOpenAIKey(),
		"OPENAI_BASE_URL="+b.creds.SelectedOpenAIBaseURL(),
		"WORKSPACE_ROOT="+b.workspaceRoot,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn skill-runner failed: path=%s err=%v", b.runnerPath, err)
	}

	if _, err := stdin.Write(append(requestLine, '\n')); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return "", fmt.Errorf("write skill-runner stdin failed: %w", err)
	}
	_ = stdin.Close()

	// One response line, read under the skill timeout. A runner that never
	// answers is killed. stderr's first line is kept as the crash diagnostic.
	type readResult struct {
		line string
		err  error
	}
	outCh := make(chan readResult, 1)
	go func() {
		line, err := bufio.NewReader(stdout).ReadString('\n')
		outCh <- readResult{line: line, err: err}
	}()
	errCh := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(stderr).ReadString('\n')
		errCh <- strings.TrimSpace(line)
	}()

	var outLine string
	timer := time.NewTimer(time.Duration(timeoutSecs) * time.Second)
	defer timer.Stop()
	select {
	case res := <-outCh:
		outLine = res.line
	case <-timer.C:
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return "", errors.New("skill-runner timeout")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return "", ctx.Err()
	}

	// The response line is all this call needs; a runner that lingers after
	// answering is killed rather than waited for.
	_ = cmd.Process.Kill()
	outLine = strings.TrimSpace(outLine)
	if outLine == "" {
		var errLine string
		select {
		case errLine = <-errCh:
		case <-time.After(2 * time.Second):
		}
		_ = cmd.Wait()
		return "", fmt.Errorf("empty skill-runner output: %s", errLine)
	}
	_ = cmd.Wait()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(outLine))
	if err != nil {
		return "", fmt.Errorf("invalid skill-runner json: %v", err)
	}
	if err := b.schema.Validate(doc); err != nil {
		return "", fmt.Errorf("invalid skill-runner response: %v", err)
	}

	var resp runnerResponse
	if err := json.Unmarshal([]byte(outLine), &resp); err != nil {
		return "", fmt.Errorf("invalid skill-runner json: %v", err)
	}
	if resp.Status != "ok" {
		if resp.ErrorText != "" {
			return "", errors.New(resp.ErrorText)
		}
		return "", errors.New("skill execution failed")
	}
	return resp.Text, nil
}

// injectMemory adds a compact "_memory" context for skills that can use it,
// unless the caller already supplied one.
func (b *Bridge) injectMemory(ctx context.Context, req Request, skill string, args map[string]any) {
	if b.memory == nil || !b.memoryInject {
		return
	}
	if _, exists := args["_memory"]; exists {
		return
	}
	maxChars := b.memoryMaxChars
	if maxChars < 384 {
		maxChars = 384
	}
	if block := b.memory.SkillMemoryContext(ctx, req.UserID, req.ChatID, maxChars); block != "" {
		args["_memory"] = block
	}
}

// forceOutputPath pins generated and edited images to the configured output
// directory regardless of what the model put in output_path.
func (b *Bridge) forceOutputPath(skill string, args map[string]any) {
	var dir, prefix string
	switch skill {
	case "image_generate":
		dir, prefix = b.imageGenDir, "gen"
	case "image_edit":
		dir, prefix = b.imageEditDir, "edit"
	default:
		return
	}
	args["output_path"] = fmt.Sprintf("%s/%s-%d.png", dir, prefix, b.now().Unix())
}
