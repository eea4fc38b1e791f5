package memory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/basket/clawd/internal/shared"
)

// ImageMemoryContext renders the recall block the image argument enrichers
// anchor on the current instruction. Empty when memory is disabled or the
// chat has no recallable context.
func (s *Service) ImageMemoryContext(ctx context.Context, userID, chatID int64, anchor string) string {
	if !s.cfg.Enabled {
		return ""
	}
	limit := s.cfg.RecallLimit
	if limit < 1 {
		limit = 1
	}
	parts := s.Recall(ctx, userID, chatID, anchor, limit,
		s.cfg.ImageMemoryIncludeLongTerm, s.cfg.ImageMemoryIncludePreferences)
	if parts.LongTermSummary == "" && len(parts.Preferences) == 0 && len(parts.Recent) == 0 {
		return ""
	}
	maxChars := s.cfg.ImageMemoryMaxChars
	if maxChars < 384 {
		maxChars = 384
	}
	return s.ContextBlock(parts, maxChars)
}

// PreferredLanguage returns the chat's stored response-language preference,
// or "" when none has been extracted yet.
func (s *Service) PreferredLanguage(ctx context.Context, userID, chatID int64) string {
	if !s.cfg.Enabled {
		return ""
	}
	limit := s.cfg.PreferenceRecallLimit
	if limit < 1 {
		limit = 1
	}
	prefs, err := s.store.RecallPreferences(ctx, userID, chatID, limit)
	if err != nil {
		return ""
	}
	return PreferredResponseLanguage(prefs)
}

// recentAssistantMemoryScan bounds how far back the candidate collector
// looks through the chat's memory entries.
const recentAssistantMemoryScan = 120

// RecentImageCandidates collects image paths the chat has recently produced
// or fed to skills: delivery tokens in assistant memories, then the payloads
// and results of succeeded run_skill tasks. Newest first, deduplicated.
func (s *Service) RecentImageCandidates(ctx context.Context, userID, chatID int64, limit int) []string {
	if limit < 1 {
		limit = 1
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(path string) {
		p := strings.TrimSpace(path)
		if p == "" || !shared.IsImagePath(p) {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	if items, err := s.store.RecallRecentMemories(ctx, userID, chatID, recentAssistantMemoryScan); err == nil {
		// Entries arrive oldest-first; walk backwards so newer paths win.
		for i := len(items) - 1; i >= 0; i-- {
			if items[i].Role != "assistant" {
				continue
			}
			for _, tok := range shared.ExtractDeliveryFileTokens(items[i].Content) {
				if p, ok := shared.DeliveryTokenPath(tok); ok {
					add(p)
				}
			}
		}
	}

	tasks, err := s.store.RecentSucceededTasks(ctx, userID, chatID, limit)
	if err != nil {
		return out
	}
	for _, t := range tasks {
		if t.Kind != "run_skill" {
			continue
		}
		collectPayloadImagePaths(t.PayloadJSON, add)
		if t.ResultJSON.Valid {
			var res struct {
				Text string `json:"text"`
			}
			if json.Unmarshal([]byte(t.ResultJSON.String), &res) == nil {
				for _, tok := range shared.ExtractDeliveryFileTokens(res.Text) {
					if p, ok := shared.DeliveryTokenPath(tok); ok {
						add(p)
					}
				}
			}
		}
	}
	return out
}

// collectPayloadImagePaths pulls image references out of a run_skill payload:
// the "image" argument (string or {"path": ...}), every "images" entry, and
// "output_path". Non-image paths are filtered by the caller's add func.
func collectPayloadImagePaths(payloadJSON string, add func(string)) {
	var payload struct {
		Args map[string]any `json:"args"`
	}
	if json.Unmarshal([]byte(payloadJSON), &payload) != nil || len(payload.Args) == 0 {
		return
	}
	addValue := func(v any) {
		switch t := v.(type) {
		case string:
			add(t)
		case map[string]any:
			if p, ok := t["path"].(string); ok {
				add(p)
			}
		}
	}
	addValue(payload.Args["image"])
	if arr, ok := payload.Args["images"].([]any); ok {
		for _, item := range arr {
			addValue(item)
		}
	}
	if p, ok := payload.Args["output_path"].(string); ok {
		add(p)
	}
}
