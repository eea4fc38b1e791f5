package tools

import (
	"bytes"
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
	"unicode/utf8"

	"github.com/basket/clawd/internal/audit"
	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/policy"
)

const (
	maxReadBytes     = 64 * 1024
	maxWriteBytes    = 128 * 1024
	maxListEntries   = 200
	maxCmdOutput     = 8000
	defaultFileName  = "untitled.txt"
	defaultCmdExpiry = 30 * time.Second
)

var builtinNames = map[string]struct{}{
	"read_file":  {},
	"write_file": {},
	"list_dir":   {},
	"run_cmd":    {},
}

// IsBuiltin reports whether name is handled in-process rather than by the
// skill runner.
func IsBuiltin(name string) bool {
	_, ok := builtinNames[name]
	return ok
}

// Metrics receives one event per policy denial. Nil is fine.
type Metrics interface {
	PolicyDenied(ctx context.Context)
}

// Runner executes built-in tools against the workspace.
type Runner struct {
	log            *slog.Logger
	policy         policy.Checker
	metrics        Metrics
	workspaceRoot  string
	defaultFileDir string
	allowOutside   bool
	allowSudo      bool
	cmdTimeout     time.Duration
	maxCmdLength   int
}

func NewRunner(log *slog.Logger, cfg *config.Config, pol policy.Checker) *Runner {
	timeout := defaultCmdExpiry
	if cfg.Tools.CmdTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Tools.CmdTimeoutSeconds) * time.Second
	}
	return &Runner{
		log:            log,
		policy:         pol,
		workspaceRoot:  cfg.WorkspaceRoot,
		defaultFileDir: cfg.ImageOutputDir("file_generation"),
		allowOutside:   cfg.Tools.AllowPathOutsideWorkspace,
		allowSudo:      cfg.Tools.AllowSudo,
		cmdTimeout:     timeout,
		maxCmdLength:   cfg.Tools.MaxCmdLength,
	}
}

func (r *Runner) SetMetrics(m Metrics) { r.metrics = m }

// Execute dispatches one built-in tool call and returns its textual result.
// providerType scopes the policy check to the model vendor that asked.
func (r *Runner) Execute(ctx context.Context, name string, args map[string]string, providerType string) (string, error) {
	if !IsBuiltin(name) {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if r.policy != nil && !r.policy.Allow("tool:"+name, providerType) {
		detail, _ := json.Marshal(map[string]string{
			"token":          "tool:" + name,
			"provider":       providerType,
			"policy_version": r.policy.PolicyVersion(),
		})
		audit.Record(nil, "policy_denial", string(detail), "")
		if r.metrics != nil {
			r.metrics.PolicyDenied(ctx)
		}
		return "", fmt.Errorf("blocked by tools policy: tool:%s", name)
	}

	switch name {
	case "read_file":
		return r.readFile(args)
	case "write_file":
		return r.writeFile(args)
	case "list_dir":
		return r.listDir(args)
	case "run_cmd":
		return r.runCmd(ctx, args)
	}
	return "", fmt.Errorf("unknown tool: %s", name)
}

// ensureOnlyKeys rejects argument keys the tool does not understand instead
// of silently ignoring them; a misspelled key usually means the model meant
// something else.
func ensureOnlyKeys(args map[string]string, allowed ...string) error {
	permitted := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		permitted[k] = struct{}{}
	}
	var bad []string
	for k := range args {
		if _, ok := permitted[k]; !ok {
			bad = append(bad, k)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("unexpected arg key: %s", bad[0])
}

func (r *Runner) readFile(args map[string]string) (string, error) {
	if err := ensureOnlyKeys(args, "path"); err != nil {
		return "", err
	}
	path, err := ResolveWorkspacePath(r.workspaceRoot, args["path"], r.allowOutside)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return clipUTF8(data, maxReadBytes), nil
}

func (r *Runner) writeFile(args map[string]string) (string, error) {
	if err := ensureOnlyKeys(args, "path", "content"); err != nil {
		return "", err
	}
	content := args["content"]
	if len(content) > maxWriteBytes {
		return "", fmt.Errorf("content too large: %d bytes", len(content))
	}
	path, err := ResolveWorkspacePath(r.workspaceRoot, r.defaultFilePath(args["path"]), r.allowOutside)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("written %d bytes to %s", len(content), path), nil
}

// defaultFilePath routes bare and empty file names into the default output
// directory so generated files do not litter the workspace root.
func (r *Runner) defaultFilePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return filepath.Join(r.defaultFileDir, defaultFileName)
	}
	if !strings.ContainsAny(raw, "/\\") {
		return filepath.Join(r.defaultFileDir, raw)
	}
	return raw
}

func (r *Runner) listDir(args map[string]string) (string, error) {
	if err := ensureOnlyKeys(args, "path"); err != nil {
		return "", err
	}
	path, err := ResolveWorkspacePath(r.workspaceRoot, args["path"], r.allowOutside)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if len(names) >= maxListEntries {
			break
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (r *Runner) runCmd(ctx context.Context, args map[string]string) (string, error) {
	if err := ensureOnlyKeys(args, "command", "cwd"); err != nil {
		return "", err
	}
	command := strings.TrimSpace(args["command"])
	if command == "" {
		return "", errors.New("empty command")
	}
	if r.maxCmdLength > 0 && len(command) > r.maxCmdLength {
		return "", errors.New("command too long")
	}
	if !r.allowSudo && containsWord(command, "sudo") {
		return "", errors.New("sudo is not allowed by tools config")
	}
	cwd, err := ResolveWorkspacePath(r.workspaceRoot, args["cwd"], r.allowOutside)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return "", err
	}

	cmd := exec.Command("bash", "-lc", command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// The timeout is soft: a long-running command gets a warning and we keep
	// waiting so its work is not lost half-way.
	timer := time.NewTimer(r.cmdTimeout)
	defer timer.Stop()
	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-timer.C:
			r.log.Warn("command still running past timeout",
				"command", command, "timeout", r.cmdTimeout)
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
			return "", ctx.Err()
		}
	}

	outText := truncateOutput(stdout.String())
	errText := truncateOutput(stderr.String())

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", waitErr
		}
	}
	if exitCode != 0 {
		return "", fmt.Errorf("Command failed with exit code %d\nstderr:\n%s\nstdout:\n%s",
			exitCode, errText, outText)
	}

	result := strings.TrimSpace(outText)
	if result == "" {
		result = strings.TrimSpace(errText)
	}
	if result == "" {
		return fmt.Sprintf("exit=0 command=%s", command), nil
	}
	return result, nil
}

func truncateOutput(s string) string {
	if len(s) <= maxCmdOutput {
		return s
	}
	return clipUTF8([]byte(s), maxCmdOutput) + "\n...[truncated]"
}

// clipUTF8 cuts data at max bytes without splitting a rune.
func clipUTF8(data []byte, max int) string {
	if len(data) <= max {
		return string(data)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut])
}

// containsWord reports whether the shell command mentions word as a
// standalone token.
func containsWord(command, word string) bool {
	for _, f := range strings.FieldsFunc(command, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ';' || r == '|' || r == '&' || r == '(' || r == ')'
	}) {
		if f == word {
			return true
		}
	}
	return false
}
