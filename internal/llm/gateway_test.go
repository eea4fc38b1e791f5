package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/clawd/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testGateway(providers ...Provider) *Gateway {
	g := NewWithProviders(testLogger(), providers)
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func testProvider(typ, baseURL string) Provider {
	return Provider{
		Name:           "test",
		Type:           typ,
		BaseURL:        baseURL,
		APIKey:         "k",
		Model:          "m",
		Timeout:        5 * time.Second,
		MaxConcurrency: 1,
	}
}

func TestProvidersFromConfigOrderAndSelection(t *testing.T) {
	cfg := config.LLMConfig{
		SelectedVendor: "anthropic",
		SelectedModel:  "claude-override",
		OpenAI:         &config.VendorConfig{APIKey: "ok"},
		Google:         &config.VendorConfig{APIKey: "gk"},
		Anthropic:      &config.VendorConfig{APIKey: "ak"},
	}
	providers, err := ProvidersFromConfig(cfg)
	if err != nil {
		t.Fatalf("ProvidersFromConfig: %v", err)
	}
	if len(providers) != 3 {
		t.Fatalf("providers = %d, want 3", len(providers))
	}
	if providers[0].Name != "anthropic" {
		t.Fatalf("selected vendor not first: %s", providers[0].Name)
	}
	if providers[0].Model != "claude-override" {
		t.Fatalf("selected_model not applied: %s", providers[0].Model)
	}
	if providers[1].Name != "openai" || providers[2].Name != "google" {
		t.Fatalf("fallback order wrong: %s, %s", providers[1].Name, providers[2].Name)
	}
}

func TestProvidersFromConfigSkipsMissingKeys(t *testing.T) {
	providers, err := ProvidersFromConfig(config.LLMConfig{
		OpenAI: &config.VendorConfig{APIKey: "ok"},
		Google: &config.VendorConfig{},
	})
	if err != nil {
		t.Fatalf("ProvidersFromConfig: %v", err)
	}
	if len(providers) != 1 || providers[0].Name != "openai" {
		t.Fatalf("unexpected providers: %+v", providers)
	}
}

func TestProvidersFromConfigEmptyIsError(t *testing.T) {
	if _, err := ProvidersFromConfig(config.LLMConfig{}); err == nil {
		t.Fatalf("expected error with no vendors")
	}
}

func TestOpenAICompatCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("auth header = %q", got)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"world"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	g := testGateway(testProvider(TypeOpenAICompat, srv.URL))
	out, err := g.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "world" {
		t.Fatalf("out = %q", out)
	}
}

func TestOpenAICompatMissingContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	g := testGateway(testProvider(TypeOpenAICompat, srv.URL))
	_, err := g.Complete(context.Background(), "p")
	if err == nil || !strings.Contains(err.Error(), "missing choices[0].message.content") {
		t.Fatalf("err = %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("missing content should not be retryable")
	}
}

func TestGeminiCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k" {
			t.Errorf("key param missing")
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"a"},{"text":"b"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	g := testGateway(testProvider(TypeGoogleGemini, srv.URL))
	out, err := g.Complete(context.Background(), "p")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "ab" {
		t.Fatalf("parts not merged: %q", out)
	}
}

func TestGeminiBlockedPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer srv.Close()

	g := testGateway(testProvider(TypeGoogleGemini, srv.URL))
	_, err := g.Complete(context.Background(), "p")
	if err == nil || !strings.Contains(err.Error(), "prompt blocked: SAFETY") {
		t.Fatalf("err = %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("blocked prompt should not be retryable")
	}
}

func TestAnthropicCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("x-api-key missing")
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.MaxTokens != 4096 {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"x"},{"type":"text","text":"y"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	g := testGateway(testProvider(TypeAnthropicClaude, srv.URL))
	out, err := g.Complete(context.Background(), "p")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "xy" {
		t.Fatalf("content not merged: %q", out)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	g := testGateway(testProvider(TypeOpenAICompat, srv.URL))
	out, err := g.Complete(context.Background(), "p")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "ok" {
		t.Fatalf("out = %q", out)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	g := testGateway(testProvider(TypeOpenAICompat, srv.URL))
	if _, err := g.Complete(context.Background(), "p"); err == nil {
		t.Fatalf("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestFailoverToNextProvider(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"fallback"}}]}`))
	}))
	defer good.Close()

	primary := testProvider(TypeOpenAICompat, bad.URL)
	primary.Name = "primary"
	secondary := testProvider(TypeOpenAICompat, good.URL)
	secondary.Name = "secondary"
	secondary.Priority = 1

	g := testGateway(primary, secondary)
	out, err := g.Complete(context.Background(), "p")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "fallback" {
		t.Fatalf("out = %q", out)
	}
}

func TestRateLimitedIsRetryable(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	g := testGateway(testProvider(TypeOpenAICompat, srv.URL))
	if _, err := g.Complete(context.Background(), "p"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestSelectedOpenAICredentials(t *testing.T) {
	g := testGateway(
		Provider{Name: "google", Type: TypeGoogleGemini, APIKey: "gk", BaseURL: "gb", MaxConcurrency: 1},
		Provider{Name: "openai", Type: TypeOpenAICompat, APIKey: "ok", BaseURL: "ob", MaxConcurrency: 1},
	)
	if g.SelectedOpenAIKey() != "ok" {
		t.Fatalf("SelectedOpenAIKey = %q", g.SelectedOpenAIKey())
	}
	if g.SelectedOpenAIBaseURL() != "ob" {
		t.Fatalf("SelectedOpenAIBaseURL = %q", g.SelectedOpenAIBaseURL())
	}
}

func TestCompleteLogsModelIO(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"the capital is Paris"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	g := NewWithProviders(slog.New(slog.NewTextHandler(&buf, nil)), []Provider{testProvider(TypeOpenAICompat, srv.URL)})
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	prompt := "what is the capital of France? api_key=sk-abcdef0123456789abcdef"
	if _, err := g.Complete(context.Background(), prompt); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	logged := buf.String()
	if !strings.Contains(logged, "llm call") {
		t.Fatalf("no model I/O line logged: %q", logged)
	}
	if !strings.Contains(logged, "what is the capital of France?") {
		t.Fatalf("prompt preview missing: %q", logged)
	}
	if !strings.Contains(logged, "the capital is Paris") {
		t.Fatalf("response preview missing: %q", logged)
	}
	if strings.Contains(logged, "sk-abcdef0123456789abcdef") {
		t.Fatalf("secret survived redaction: %q", logged)
	}
}

func TestFailedAttemptLogsPromptPreview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	g := NewWithProviders(slog.New(slog.NewTextHandler(&buf, nil)), []Provider{testProvider(TypeOpenAICompat, srv.URL)})
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if _, err := g.Complete(context.Background(), "broken prompt"); err == nil {
		t.Fatal("expected error")
	}
	logged := buf.String()
	if !strings.Contains(logged, "llm call failed") {
		t.Fatalf("no failure line logged: %q", logged)
	}
	if !strings.Contains(logged, "broken prompt") {
		t.Fatalf("prompt preview missing from failure line: %q", logged)
	}
}
