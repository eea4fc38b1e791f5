package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/basket/clawd/internal/audit"
	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/shared"
)

// retryTimes is the number of extra attempts against the same provider
// before falling back to the next one.
const retryTimes = 2

const retryBackoff = 250 * time.Millisecond

// Client is the completion interface consumers depend on. The worker and
// router take a Client so tests can substitute a canned implementation.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Metrics receives one event per provider attempt. Nil is fine.
type Metrics interface {
	LLMCall(ctx context.Context, provider string, ok bool)
}

// Gateway fans a completion request across the configured providers in
// priority order. Each provider holds a concurrency permit so a slow vendor
// cannot absorb every worker.
type Gateway struct {
	log       *slog.Logger
	providers []Provider
	sems      map[string]*semaphore.Weighted
	client    *http.Client
	metrics   Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(log *slog.Logger, cfg config.LLMConfig) (*Gateway, error) {
	providers, err := ProvidersFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithProviders(log, providers), nil
}

// NewWithProviders builds a gateway over an explicit provider list, already
// priority-ordered. Tests use it with httptest base URLs.
func NewWithProviders(log *slog.Logger, providers []Provider) *Gateway {
	sems := make(map[string]*semaphore.Weighted, len(providers))
	for _, p := range providers {
		sems[p.Name] = semaphore.NewWeighted(p.MaxConcurrency)
	}
	return &Gateway{
		log:       log,
		providers: providers,
		sems:      sems,
		client:    &http.Client{},
		sleep:     sleepCtx,
	}
}

func (g *Gateway) SetMetrics(m Metrics) { g.metrics = m }

// Providers returns the priority-ordered provider list.
func (g *Gateway) Providers() []Provider { return g.providers }

// SelectedOpenAIKey returns the API key of the first openai-compatible
// provider. The skill runner forwards it to subprocesses.
func (g *Gateway) SelectedOpenAIKey() string {
	for _, p := range g.providers {
		if p.Type == TypeOpenAICompat {
			return p.APIKey
		}
	}
	return ""
}

// SelectedOpenAIBaseURL is the companion of SelectedOpenAIKey.
func (g *Gateway) SelectedOpenAIBaseURL() string {
	for _, p := range g.providers {
		if p.Type == TypeOpenAICompat {
			return p.BaseURL
		}
	}
	return ""
}

// Complete runs the prompt against each provider in priority order; within a
// provider, retryable failures are attempted up to retryTimes extra times
// with a linear backoff. The error of the last provider is returned when all
// of them fail.
func (g *Gateway) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for _, p := range g.providers {
		out, err := g.completeOne(ctx, p, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		g.log.Warn("llm provider failed, falling back",
			"provider", p.Name, "model", p.Model, "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no LLM providers configured")
	}
	return "", lastErr
}

func (g *Gateway) completeOne(ctx context.Context, p Provider, prompt string) (string, error) {
	sem := g.sems[p.Name]
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return "", retryable(p.Name, err)
		}
		defer sem.Release(1)
	}

	var lastErr error
	for attempt := 0; attempt <= retryTimes; attempt++ {
		start := time.Now()
		out, err := g.callProvider(ctx, p, prompt)
		g.recordAttempt(ctx, p, attempt, time.Since(start), prompt, out, err)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < retryTimes {
			if err := g.sleep(ctx, time.Duration(attempt+1)*retryBackoff); err != nil {
				break
			}
		}
	}
	return "", lastErr
}

func (g *Gateway) recordAttempt(ctx context.Context, p Provider, attempt int, elapsed time.Duration, prompt, out string, callErr error) {
	ok := callErr == nil
	if g.metrics != nil {
		g.metrics.LLMCall(ctx, p.Name, ok)
	}
	detail, _ := json.Marshal(map[string]any{
		"provider":   p.Name,
		"model":      p.Model,
		"attempt":    attempt,
		"elapsed_ms": elapsed.Milliseconds(),
		"ok":         ok,
	})
	errText := ""
	if callErr != nil {
		errText = callErr.Error()
	}
	audit.Record(nil, "run_llm", string(detail), errText)

	// Model I/O line: clipped previews of what went to the provider and what
	// came back, redacted like every other log field.
	attrs := []any{
		"provider", p.Name,
		"model", p.Model,
		"attempt", attempt,
		"elapsed_ms", elapsed.Milliseconds(),
		"prompt", shared.TruncateForLog(shared.Redact(prompt)),
	}
	if ok {
		g.log.Info("llm call", append(attrs,
			"response", shared.TruncateForLog(shared.Redact(out)))...)
	} else {
		g.log.Warn("llm call failed", append(attrs, "err", errText)...)
	}
}

func (g *Gateway) callProvider(ctx context.Context, p Provider, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	switch p.Type {
	case TypeOpenAICompat:
		return g.callOpenAICompat(ctx, p, prompt)
	case TypeGoogleGemini:
		return g.callGoogleGemini(ctx, p, prompt)
	case TypeAnthropicClaude:
		return g.callAnthropicClaude(ctx, p, prompt)
	default:
		return "", nonRetryable(p.Name, fmt.Errorf("unknown provider type %q", p.Type))
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (g *Gateway) callOpenAICompat(ctx context.Context, p Provider, prompt string) (string, error) {
	body, err := json.Marshal(openAIRequest{
		Model:    p.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", nonRetryable(p.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nonRetryable(p.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	data, err := g.roundTrip(p, req)
	if err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nonRetryable(p.Name, fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", nonRetryable(p.Name, errors.New("missing choices[0].message.content"))
	}
	if resp.Choices[0].FinishReason == "length" {
		g.log.Warn("llm response truncated at token limit", "provider", p.Name, "model", p.Model)
	}
	return resp.Choices[0].Message.Content, nil
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func (g *Gateway) callGoogleGemini(ctx context.Context, p Provider, prompt string) (string, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", nonRetryable(p.Name, err)
	}
	apiURL := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.BaseURL, p.Model, p.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return "", nonRetryable(p.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	data, err := g.roundTrip(p, req)
	if err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nonRetryable(p.Name, fmt.Errorf("decode response: %w", err))
	}
	if resp.PromptFeedback.BlockReason != "" {
		return "", nonRetryable(p.Name, fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return "", nonRetryable(p.Name, errors.New("missing candidates in response"))
	}
	cand := resp.Candidates[0]
	switch cand.FinishReason {
	case "SAFETY", "RECITATION":
		return "", nonRetryable(p.Name, fmt.Errorf("generation stopped: %s", cand.FinishReason))
	case "MAX_TOKENS":
		g.log.Warn("llm response truncated at token limit", "provider", p.Name, "model", p.Model)
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", nonRetryable(p.Name, errors.New("empty candidate content"))
	}
	return sb.String(), nil
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (g *Gateway) callAnthropicClaude(ctx context.Context, p Provider, prompt string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     p.Model,
		MaxTokens: 4096,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", nonRetryable(p.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", nonRetryable(p.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	data, err := g.roundTrip(p, req)
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nonRetryable(p.Name, fmt.Errorf("decode response: %w", err))
	}
	if resp.StopReason == "max_tokens" {
		g.log.Warn("llm response truncated at token limit", "provider", p.Name, "model", p.Model)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", nonRetryable(p.Name, errors.New("missing text content in response"))
	}
	return sb.String(), nil
}

// roundTrip executes the request and classifies the outcome: network errors,
// 429 and 5xx are retryable, every other non-2xx status is not.
func (g *Gateway) roundTrip(p Provider, req *http.Request) ([]byte, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, retryable(p.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, retryable(p.Name, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	snippet := string(data)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retryable(p.Name, statusErr)
	}
	return nil, nonRetryable(p.Name, statusErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
