// Package otel wires OpenTelemetry metrics for the daemon. When metrics are
// disabled every instrument is a no-op with zero overhead.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/basket/clawd/internal/config"
)

// MeterName is the instrumentation scope name.
const MeterName = "clawd"

// Provider wraps the meter provider with cleanup.
type Provider struct {
	Meter   metric.Meter
	Metrics *Metrics

	shutdown func(context.Context) error
}

// Init sets up the metric pipeline. The returned Provider must be Shutdown()
// on exit. With cfg.Enabled false the provider is a no-op.
func Init(ctx context.Context, cfg config.MetricsConfig, version string) (*Provider, error) {
	if !cfg.Enabled {
		meter := noop.NewMeterProvider().Meter(MeterName)
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, err
		}
		return &Provider{Meter: meter, Metrics: metrics, shutdown: func(context.Context) error { return nil }}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("clawd"),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.StdoutExporter {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}
	provider := sdkmetric.NewMeterProvider(opts...)

	meter := provider.Meter(MeterName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return &Provider{Meter: meter, Metrics: metrics, shutdown: provider.Shutdown}, nil
}

// Shutdown flushes and stops the metric pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
