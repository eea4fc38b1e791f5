package memory

import (
	"strings"
	"unicode"

	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/shared"
)

// Safety flags stored with each entry.
const (
	SafetyNormal        = "normal"
	SafetyInjectionLike = "injection_like"
)

// RedactedPlaceholder replaces injection-flagged content on recall.
const RedactedPlaceholder = "[safety_signal content omitted]"

func containsAnyMarker(normText string, markers []string) bool {
	for _, m := range markers {
		token := strings.ToLower(strings.TrimSpace(m))
		if token != "" && strings.Contains(normText, token) {
			return true
		}
	}
	return false
}

func shouldSkipWrite(content, role string, minChars int, rules config.MemoryRules) bool {
	text := strings.TrimSpace(content)
	if text == "" {
		return true
	}
	if len([]rune(text)) < minChars && len(shared.ExtractDeliveryFileTokens(text)) == 0 {
		return true
	}
	if role == "assistant" {
		tiny := strings.ToLower(text)
		for _, m := range rules.AssistantAckSkip {
			if tiny == strings.ToLower(strings.TrimSpace(m)) {
				return true
			}
		}
	}
	return false
}

func classifySafetyFlag(text string, rules config.MemoryRules) string {
	if containsAnyMarker(strings.ToLower(text), rules.InjectionMarkers) {
		return SafetyInjectionLike
	}
	return SafetyNormal
}

func detectInstructional(text string, rules config.MemoryRules) bool {
	return containsAnyMarker(strings.ToLower(text), rules.InstructionMarkers)
}

func inferMemoryType(role string, instructional bool, safetyFlag string) string {
	if safetyFlag == SafetyInjectionLike {
		return "safety_signal"
	}
	if role == "assistant" {
		return "assistant_reply"
	}
	if instructional {
		return "user_instruction"
	}
	return "generic"
}

func estimateSalience(text string, instructional bool, safetyFlag string, rules config.MemoryRules) float64 {
	score := 0.48
	if instructional {
		score = 0.72
	}
	if containsAnyMarker(strings.ToLower(text), rules.SalienceBoostMarkers) {
		score += 0.16
	}
	if safetyFlag == SafetyInjectionLike {
		score = 0.12
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ExtractedPreference is one rule-derived preference upsert.
type ExtractedPreference struct {
	Key        string
	Value      string
	Confidence float64
	Source     string
}

func extractPreferences(content string, rules config.MemoryRules) []ExtractedPreference {
	norm := strings.ToLower(content)
	var out []ExtractedPreference
	add := func(key, value string, confidence float64) {
		out = append(out, ExtractedPreference{Key: key, Value: value, Confidence: confidence, Source: "rule_extract"})
	}
	if containsAnyMarker(norm, rules.LanguageZH) {
		add("response_language", "zh-CN", 0.96)
	}
	if containsAnyMarker(norm, rules.LanguageEN) {
		add("response_language", "en-US", 0.96)
	}
	if containsAnyMarker(norm, rules.StyleConcise) {
		add("response_style", "concise", 0.8)
	}
	if containsAnyMarker(norm, rules.StyleDetailed) {
		add("response_style", "detailed", 0.8)
	}
	if containsAnyMarker(norm, rules.FormatPlainText) {
		add("response_format", "plain_text", 0.84)
	}
	return out
}

// extractRecallKeywords splits the prompt into lowercase alphanumeric words
// of length >= 3 plus CJK bigrams, deduplicated.
func extractRecallKeywords(prompt string) []string {
	lower := strings.ToLower(prompt)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]struct{})
	var out []string
	addWord := func(w string) {
		if _, ok := seen[w]; !ok {
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	for _, w := range words {
		if len(w) >= 3 {
			addWord(w)
		}
	}
	var cjk []rune
	for _, r := range prompt {
		if r >= 0x4e00 && r <= 0x9fff {
			cjk = append(cjk, r)
		}
	}
	for i := 0; i+1 < len(cjk) && i < 10; i++ {
		addWord(string(cjk[i : i+2]))
	}
	return out
}

func scoreRelevance(role, content string, keywords []string) float64 {
	score := 0.05
	if role == "user" {
		score = 0.1
	}
	text := strings.ToLower(content)
	hits := 0
	for _, kw := range keywords {
		if len(kw) <= 1 {
			continue
		}
		if strings.Contains(text, kw) || strings.Contains(content, kw) {
			hits++
		}
	}
	if hits > 5 {
		hits = 5
	}
	score += float64(hits) * 0.12
	if strings.HasPrefix(content, LLMReplyPrefix) {
		score += 0.04
	}
	if score > 1 {
		score = 1
	}
	return score
}
