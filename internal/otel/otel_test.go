package otel

import (
	"context"
	"testing"

	"github.com/basket/clawd/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, config.MetricsConfig{}, "test")
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if p.Metrics == nil {
		t.Fatal("nil metrics")
	}
	// No-op instruments must accept records and shut down cleanly.
	p.Metrics.TasksSubmitted.Add(ctx, 1)
	p.Metrics.RecordTaskCompleted(ctx, "succeeded")
	p.Metrics.RecordLLMCall(ctx, "openai", "ok")
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitEnabledWithoutExporter(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, config.MetricsConfig{Enabled: true}, "test")
	if err != nil {
		t.Fatalf("init enabled: %v", err)
	}
	p.Metrics.PolicyDenials.Add(ctx, 1)
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNilMetricsHelpersAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordTaskCompleted(context.Background(), "failed")
	m.RecordLLMCall(context.Background(), "anthropic", "error")
}
