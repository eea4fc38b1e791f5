package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/basket/clawd/internal/skills"
)

// Action kinds the loop understands.
const (
	ActionThink     = "think"
	ActionRespond   = "respond"
	ActionCallTool  = "call_tool"
	ActionCallSkill = "call_skill"
)

// Action is one parsed and normalized agent step.
type Action struct {
	Type    string
	Tool    string
	Skill   string
	Content string
	Args    map[string]any
}

var directToolActions = map[string]bool{
	"read_file":  true,
	"write_file": true,
	"list_dir":   true,
	"run_cmd":    true,
}

// extractActionObjects scans model output for balanced top-level JSON objects,
// tracking string and escape state so braces inside strings don't count, and
// keeps only objects that look like an action payload.
func extractActionObjects(text string) []string {
	var out []string
	bytes := []byte(text)
	for i := 0; i < len(bytes); i++ {
		if bytes[i] != '{' {
			continue
		}
		start := i
		depth := 0
		inString := false
		escaped := false
		j := i
		for ; j < len(bytes); j++ {
			c := bytes[j]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : j+1]
					if isActionCandidate(candidate) {
						out = append(out, candidate)
					}
				}
			}
			if depth == 0 && c == '}' {
				break
			}
		}
		i = j
	}
	return out
}

func isActionCandidate(candidate string) bool {
	var v map[string]any
	if err := json.Unmarshal([]byte(candidate), &v); err == nil {
		_, hasType := v["type"]
		_, hasAction := v["action"]
		_, hasTool := v["tool"]
		_, hasSkill := v["skill"]
		return hasType || hasAction || hasTool || hasSkill
	}
	return strings.Contains(candidate, `"type"`) ||
		strings.Contains(candidate, `"action"`) ||
		strings.Contains(candidate, `"tool"`) ||
		strings.Contains(candidate, `"skill"`)
}

// parseActionJSON parses the candidate, retrying once with invalid escape
// sequences repaired. Models sometimes emit things like \( in shell commands.
func parseActionJSON(raw string) (map[string]any, error) {
	var v map[string]any
	firstErr := json.Unmarshal([]byte(raw), &v)
	if firstErr == nil {
		return v, nil
	}
	repaired := repairInvalidJSONEscapes(raw)
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, fmt.Errorf("initial parse error: %v; repaired parse error: %v", firstErr, err)
	}
	return v, nil
}

func repairInvalidJSONEscapes(raw string) string {
	var out strings.Builder
	out.Grow(len(raw) + 16)
	inString := false
	escaped := false
	for _, ch := range raw {
		if !inString {
			if ch == '"' {
				inString = true
			}
			out.WriteRune(ch)
			continue
		}
		if escaped {
			switch ch {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
			default:
				out.WriteRune('\\')
			}
			out.WriteRune(ch)
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			out.WriteRune(ch)
			escaped = true
		case '"':
			out.WriteRune(ch)
			inString = false
		default:
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// normalizeActionValue rewrites the many shapes models produce into the
// canonical action object: action→type, bare tool types→call_tool,
// tool_name/name→tool, skill aliasing, top-level arg promotion, input→args,
// run_cmd string args, and per-tool arg key aliases.
func normalizeActionValue(obj map[string]any) (map[string]any, error) {
	if obj == nil {
		return nil, errors.New("agent action must be json object")
	}
	if _, ok := obj["type"]; !ok {
		if action, ok := obj["action"]; ok {
			obj["type"] = action
		}
	}
	actionType, ok := obj["type"].(string)
	if !ok {
		return nil, errors.New("missing action type")
	}

	if directToolActions[actionType] {
		obj["type"] = ActionCallTool
		obj["tool"] = actionType
	}

	if typeOf(obj) == ActionCallTool {
		if _, ok := obj["tool"]; !ok {
			if name := stringField(obj, "tool_name", "name"); name != "" {
				obj["tool"] = name
			}
		}
	}

	if typeOf(obj) == ActionCallSkill {
		if _, ok := obj["skill"]; !ok {
			if name := stringField(obj, "skill_name", "name"); name != "" {
				obj["skill"] = name
			}
		}
		if name, ok := obj["skill"].(string); ok {
			if normalized := skills.CanonicalName(name); normalized != name {
				obj["skill"] = normalized
			}
		}
	}

	if typeOf(obj) == ActionCallTool {
		if _, ok := obj["args"]; !ok {
			args := make(map[string]any)
			for k, v := range obj {
				if k != "type" && k != "action" && k != "tool" {
					args[k] = v
				}
			}
			obj["args"] = args
		}
		if input, ok := obj["input"].(map[string]any); ok {
			if _, hasArgs := obj["args"]; !hasArgs {
				obj["args"] = input
			}
		}
		if tool, _ := obj["tool"].(string); tool == "run_cmd" {
			if cmd, ok := obj["args"].(string); ok {
				obj["args"] = map[string]any{"command": cmd}
			}
		}
		if args, ok := obj["args"].(map[string]any); ok {
			normalizeToolArgAliases(typeOfTool(obj), args)
		}
	}

	if typeOf(obj) == ActionCallTool {
		if _, ok := obj["args"].(map[string]any); !ok {
			if _, present := obj["args"]; !present {
				obj["args"] = make(map[string]any)
			} else {
				return nil, errors.New("tool args must be json object")
			}
		}
	}

	if typeOf(obj) == ActionCallSkill {
		if _, ok := obj["args"]; !ok {
			args := make(map[string]any)
			for k, v := range obj {
				if k != "type" && k != "action" && k != "skill" {
					args[k] = v
				}
			}
			obj["args"] = args
		}
	}

	return obj, nil
}

func normalizeToolArgAliases(tool string, args map[string]any) {
	alias := func(canonical string, aliases ...string) {
		if _, ok := args[canonical]; ok {
			return
		}
		for _, a := range aliases {
			if v, ok := args[a]; ok {
				args[canonical] = v
				return
			}
		}
	}
	switch tool {
	case "run_cmd":
		alias("command", "cmd", "shell", "script")
	case "list_dir":
		alias("path", "dir")
	case "read_file":
		alias("path", "file")
	case "write_file":
		alias("path", "file")
		alias("content", "text", "data")
	}
}

// stringField returns the first non-empty string value among the named keys.
func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func typeOf(obj map[string]any) string {
	s, _ := obj["type"].(string)
	return s
}

func typeOfTool(obj map[string]any) string {
	s, _ := obj["tool"].(string)
	return s
}

// decodeAction converts a normalized object into an Action.
func decodeAction(obj map[string]any) (Action, error) {
	a := Action{Type: typeOf(obj)}
	switch a.Type {
	case ActionThink, ActionRespond:
		content, ok := obj["content"].(string)
		if !ok {
			return a, fmt.Errorf("%s action missing content", a.Type)
		}
		a.Content = content
	case ActionCallTool:
		tool, ok := obj["tool"].(string)
		if !ok || tool == "" {
			return a, errors.New("call_tool action missing tool")
		}
		a.Tool = tool
		a.Args, _ = obj["args"].(map[string]any)
	case ActionCallSkill:
		skill, ok := obj["skill"].(string)
		if !ok || skill == "" {
			return a, errors.New("call_skill action missing skill")
		}
		a.Skill = skill
		a.Args, _ = obj["args"].(map[string]any)
		if a.Args == nil {
			a.Args = make(map[string]any)
		}
	default:
		return a, fmt.Errorf("unknown action type: %s", a.Type)
	}
	return a, nil
}

// parseActions runs extraction, repair, normalization and decoding over the
// raw model output, keeping every candidate that survives the pipeline.
func parseActions(llmOut string) []Action {
	var parsed []Action
	for _, candidate := range extractActionObjects(llmOut) {
		obj, err := parseActionJSON(candidate)
		if err != nil {
			continue
		}
		normalized, err := normalizeActionValue(obj)
		if err != nil {
			continue
		}
		action, err := decodeAction(normalized)
		if err != nil {
			continue
		}
		parsed = append(parsed, action)
	}
	return parsed
}

// selectAction picks one action from a multi-action response: the first
// write_file, else the first non-run_cmd tool call, else the first action
// that is not a think, else the first.
func selectAction(candidates []Action) int {
	for i, a := range candidates {
		if a.Type == ActionCallTool && a.Tool == "write_file" {
			return i
		}
	}
	for i, a := range candidates {
		if a.Type == ActionCallTool && a.Tool != "run_cmd" {
			return i
		}
	}
	for i, a := range candidates {
		if a.Type != ActionThink {
			return i
		}
	}
	return 0
}

// actionSignature renders a stable string identity for repeat detection and
// trace logging. Think and respond contents are clipped.
func actionSignature(a Action) string {
	var v map[string]any
	switch a.Type {
	case ActionThink, ActionRespond:
		v = map[string]any{"type": a.Type, "content": clipForLog(a.Content)}
	case ActionCallTool:
		v = map[string]any{"type": a.Type, "tool": a.Tool, "args": a.Args}
	case ActionCallSkill:
		v = map[string]any{"type": a.Type, "skill": a.Skill, "args": a.Args}
	default:
		v = map[string]any{"type": a.Type}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "<action_sig_err>"
	}
	return string(b)
}

// repeatStateFingerprint hashes the loop state so identical actions against a
// changed world don't count as repeats.
func repeatStateFingerprint(lastOutput string) uint64 {
	h := fnv.New64a()
	h.Write([]byte("00|"))
	h.Write([]byte(lastOutput))
	return h.Sum64()
}

const logClipChars = 2000

func clipForLog(text string) string {
	if len(text) <= logClipChars {
		return text
	}
	return utf8SafePrefix(text, logClipChars) + "...(truncated)"
}

func utf8SafePrefix(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	if maxLen <= 0 {
		return ""
	}
	cut := 0
	for idx, ch := range text {
		next := idx + len(string(ch))
		if next > maxLen {
			break
		}
		cut = next
	}
	return text[:cut]
}
