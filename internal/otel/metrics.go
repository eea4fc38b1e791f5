package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	TasksSubmitted metric.Int64Counter
	TasksCompleted metric.Int64Counter
	LLMCalls       metric.Int64Counter
	PolicyDenials  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("clawd.tasks.submitted",
		metric.WithDescription("Tasks accepted through the HTTP surface"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("clawd.tasks.completed",
		metric.WithDescription("Tasks reaching a terminal status, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCalls, err = meter.Int64Counter("clawd.llm.calls",
		metric.WithDescription("LLM provider calls, by provider and status"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("clawd.policy.denials",
		metric.WithDescription("Tool invocations refused by the tools policy"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTaskCompleted bumps the completion counter with the terminal status.
func (m *Metrics) RecordTaskCompleted(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.TasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// PolicyDenied adapts the tools runner's denial callback onto the counter.
func (m *Metrics) PolicyDenied(ctx context.Context) {
	if m == nil {
		return
	}
	m.PolicyDenials.Add(ctx, 1)
}

// LLMCall adapts the llm gateway's per-attempt callback onto the counter.
func (m *Metrics) LLMCall(ctx context.Context, provider string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.RecordLLMCall(ctx, provider, status)
}

// RecordLLMCall bumps the LLM counter for one provider attempt.
func (m *Metrics) RecordLLMCall(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	m.LLMCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}
