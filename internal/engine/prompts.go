package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/clawd/internal/config"
)

const toolSpec = "Tools: read_file(path), write_file(path,content), list_dir(path), run_cmd(command). " +
	"Skills: image_vision(action=describe|extract|compare|screenshot_summary, images=[{path|url|base64}]), " +
	"image_generate(prompt,size?,style?,quality?,n?,output_path?), " +
	"image_edit(action=edit|outpaint|restyle|add_remove, image?, instruction, mask?, output_path?), " +
	"x(text, dry_run?, send?). " +
	"Return exactly one action JSON per turn. " +
	"For simple save-a-file tasks, prefer write_file directly (use run_cmd mkdir -p once only when target folder is missing). " +
	"For image generation requests, prefer call_skill image_generate directly. " +
	"For image edit requests that reference an earlier image without explicit path, still call image_edit with instruction; " +
	"backend may resolve the image from memory/history. " +
	"For X posting requests, call_skill x with text first; keep dry_run=true unless user explicitly asks to publish and set send=true."

const agentRuntimePromptTemplate = `__PERSONA_PROMPT__

You are executing a task step by step with tools and skills.

__TOOL_SPEC__

Respond with exactly one JSON object and nothing else. One of:
{"type":"think","content":"..."}
{"type":"call_tool","tool":"...","args":{...}}
{"type":"call_skill","skill":"...","args":{...}}
{"type":"respond","content":"..."}

Rules:
- One action per turn. Never emit more than one JSON object.
- Use think sparingly; prefer acting.
- When the goal is satisfied, emit respond with the final answer for the user.
- Do not repeat an action that already succeeded.

### GOAL
__GOAL__

### STEP
__STEP__

### HISTORY
__HISTORY__`

const commandFailureSuggestTemplate = `A shell command failed. Suggest one short practical fix the user could try.
Reply with the suggestion text only, no preamble. If you have no useful
suggestion, reply with an empty string.

Command:
__COMMAND__

Error:
__ERROR__`

// BuiltinPersonaPrompt returns the built-in prompt for a persona profile.
// Unknown profiles fall back to executor.
func BuiltinPersonaPrompt(profile string) string {
	switch profile {
	case "expert":
		return "Persona profile: expert. Be rigorous and concise. Explain key trade-offs, assumptions, and verification steps. Prefer correctness and safety over speed."
	case "companion":
		return "Persona profile: companion. Be friendly and supportive while staying practical. Keep responses clear and encouraging, but still action-oriented."
	default:
		return "Persona profile: executor. Be direct and efficient. Give conclusion first, then minimal actionable details. Prioritize execution quality and safety."
	}
}

// LoadPersonaPrompt resolves the persona prompt: a non-empty
// <workspace>/<dir>/<profile>.md wins, otherwise the built-in text.
func LoadPersonaPrompt(log *slog.Logger, workspaceRoot string, cfg config.PersonaConfig) string {
	profile := strings.ToLower(strings.TrimSpace(cfg.Profile))
	switch profile {
	case "expert", "companion", "executor":
	default:
		if profile != "" && profile != "default" {
			log.Warn("unknown persona profile, falling back to executor", "profile", profile)
		}
		profile = "executor"
	}
	path := strings.TrimSpace(cfg.PromptPath)
	if path == "" {
		path = filepath.Join("prompts", "personas", profile+".md")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspaceRoot, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return BuiltinPersonaPrompt(profile)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		log.Warn("persona prompt file is empty, using built-in", "path", path)
		return BuiltinPersonaPrompt(profile)
	}
	return text
}
