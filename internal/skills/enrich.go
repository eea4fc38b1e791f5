package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/clawd/internal/shared"
)

// languageInferPromptTemplate infers the chat's response language from
// recalled memory when no structured preference exists.
const languageInferPromptTemplate = `You infer one chat's preferred response language from its memory snippets.

Decide which language the user expects replies in. Judge from explicit
statements first, then from the dominant language of the user's own
messages. If the snippets give no usable signal, answer "unknown".

### MEMORY_SNIPPETS
__MEMORY_SNIPPETS__

Answer with one JSON object and nothing else:
{"language": "<language name or BCP 47 tag, or unknown>"}`

// imageReferenceResolverPromptTemplate picks which previously seen image an
// edit instruction refers to.
const imageReferenceResolverPromptTemplate = `You resolve which existing image an edit instruction refers to.

The user asked for an image edit without attaching an image. Below are the
image files this chat has recently produced or used, newest first, and the
chat's memory context. Pick the single candidate the instruction most
plausibly refers to. Choose -1 when none of them fits.

### MEMORY_CONTEXT
__MEMORY_TEXT__

### EDIT_INSTRUCTION
__GOAL__

### CANDIDATES
__CANDIDATES__

Answer with one JSON object and nothing else:
{"selected_index": <candidate number or -1>}`

// imageOutputRewritePromptTemplate rewrites descriptive vision output into
// the requested language.
const imageOutputRewritePromptTemplate = `Rewrite the following image-analysis output in __TARGET_LANGUAGE__.

Preserve every fact, number and file path exactly. Do not add commentary,
do not summarize, output only the rewritten text.

### ORIGINAL_OUTPUT
__ORIGINAL_OUTPUT__`

// editCandidateLimit bounds how many succeeded tasks the reference resolver
// scans for image paths.
const editCandidateLimit = 200

// descriptiveVisionActions lists the image_vision actions whose output is
// prose worth rewriting into the requested language. Extraction actions
// (OCR and the like) are returned verbatim.
var descriptiveVisionActions = map[string]struct{}{
	"describe":           {},
	"compare":            {},
	"screenshot_summary": {},
}

// enrichArgs fills in arguments the model left implicit: an image_edit call
// without an image gets the LLM-resolved reference from recent context, and
// an image_vision call without a language gets the chat's inferred response
// language.
func (b *Bridge) enrichArgs(ctx context.Context, req Request, skill string, args map[string]any) {
	switch skill {
	case "image_edit":
		if imageEditArgsHaveImage(args) {
			return
		}
		instruction, _ := args["instruction"].(string)
		path := b.resolveEditImage(ctx, req, instruction)
		if path == "" {
			return
		}
		b.log.Info("image edit reference resolved",
			"task_id", req.TaskID, "path", path,
			"instruction", shared.TruncateForLog(instruction))
		if _, ok := args["action"]; !ok {
			args["action"] = "edit"
		}
		args["image"] = map[string]any{"path": path}
	case "image_vision":
		if visionLanguage(args) != "" {
			return
		}
		if lang := b.inferResponseLanguage(ctx, req); lang != "" {
			args["response_language"] = lang
		}
	}
}

func (b *Bridge) resolveEditImage(ctx context.Context, req Request, goal string) string {
	if b.memory == nil || b.llm == nil {
		return ""
	}
	candidates := b.memory.RecentImageCandidates(ctx, req.UserID, req.ChatID, editCandidateLimit)
	if len(candidates) == 0 {
		return ""
	}
	lines := make([]string, len(candidates))
	for i, p := range candidates {
		lines[i] = fmt.Sprintf("%d: %s", i, p)
	}
	memoryText := b.memory.ImageMemoryContext(ctx, req.UserID, req.ChatID, goal)
	if memoryText == "" {
		memoryText = "<none>"
	}
	prompt := strings.NewReplacer(
		"__MEMORY_TEXT__", memoryText,
		"__GOAL__", goal,
		"__CANDIDATES__", strings.Join(lines, "\n"),
	).Replace(imageReferenceResolverPromptTemplate)
	out, err := b.llm.Complete(ctx, prompt)
	if err != nil {
		b.log.Warn("image edit reference resolve failed", "task_id", req.TaskID, "err", err)
		return ""
	}
	idx, ok := parseSelectedIndex(out)
	if !ok || idx < 0 || idx >= len(candidates) {
		return ""
	}
	return candidates[idx]
}

func (b *Bridge) inferResponseLanguage(ctx context.Context, req Request) string {
	if b.memory == nil {
		return ""
	}
	if lang := b.memory.PreferredLanguage(ctx, req.UserID, req.ChatID); lang != "" {
		return lang
	}
	if b.llm == nil {
		return ""
	}
	block := b.memory.ImageMemoryContext(ctx, req.UserID, req.ChatID, "infer language preference")
	if block == "" {
		return ""
	}
	prompt := strings.ReplaceAll(languageInferPromptTemplate, "__MEMORY_SNIPPETS__", block)
	out, err := b.llm.Complete(ctx, prompt)
	if err != nil {
		b.log.Warn("language preference inference failed", "task_id", req.TaskID, "err", err)
		return ""
	}
	return parseInferredLanguage(out)
}

// rewriteVisionOutput runs a final language pass over descriptive vision
// output when a target language is set. Failures fall back to the original
// text.
func (b *Bridge) rewriteVisionOutput(ctx context.Context, req Request, args map[string]any, text string) string {
	if b.llm == nil || strings.TrimSpace(text) == "" {
		return text
	}
	lang := visionLanguage(args)
	if lang == "" {
		return text
	}
	action, _ := args["action"].(string)
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		action = "describe"
	}
	if _, ok := descriptiveVisionActions[action]; !ok {
		return text
	}
	prompt := strings.NewReplacer(
		"__TARGET_LANGUAGE__", lang,
		"__ORIGINAL_OUTPUT__", text,
	).Replace(imageOutputRewritePromptTemplate)
	out, err := b.llm.Complete(ctx, prompt)
	if err != nil || strings.TrimSpace(out) == "" {
		b.log.Warn("vision output rewrite failed",
			"task_id", req.TaskID, "language", lang, "action", action, "err", err)
		return text
	}
	b.log.Info("vision output rewritten",
		"task_id", req.TaskID, "language", lang, "action", action)
	return strings.TrimSpace(out)
}

func visionLanguage(args map[string]any) string {
	for _, key := range []string{"response_language", "language"} {
		if v, _ := args[key].(string); strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func imageEditArgsHaveImage(args map[string]any) bool {
	hasPath := func(v any) bool {
		switch t := v.(type) {
		case string:
			return strings.TrimSpace(t) != ""
		case map[string]any:
			p, _ := t["path"].(string)
			return strings.TrimSpace(p) != ""
		}
		return false
	}
	if hasPath(args["image"]) {
		return true
	}
	if arr, ok := args["images"].([]any); ok {
		for _, item := range arr {
			if hasPath(item) {
				return true
			}
		}
	}
	return false
}

func parseSelectedIndex(raw string) (int, bool) {
	var decoded struct {
		SelectedIndex *int `json:"selected_index"`
	}
	if json.Unmarshal([]byte(strings.TrimSpace(raw)), &decoded) != nil || decoded.SelectedIndex == nil {
		obj, ok := shared.FirstJSONObject(raw)
		if !ok {
			return 0, false
		}
		decoded.SelectedIndex = nil
		if json.Unmarshal([]byte(obj), &decoded) != nil || decoded.SelectedIndex == nil {
			return 0, false
		}
	}
	return *decoded.SelectedIndex, true
}

func parseInferredLanguage(raw string) string {
	var decoded struct {
		Language string `json:"language"`
	}
	if json.Unmarshal([]byte(strings.TrimSpace(raw)), &decoded) != nil || decoded.Language == "" {
		obj, ok := shared.FirstJSONObject(raw)
		if !ok {
			return ""
		}
		if json.Unmarshal([]byte(obj), &decoded) != nil {
			return ""
		}
	}
	lang := strings.TrimSpace(decoded.Language)
	if lang == "" || strings.EqualFold(lang, "unknown") {
		return ""
	}
	return lang
}
