// Package observability builds the OTel TracerProvider injected into
// internal/trace.SpanEmitter.
//
// Grounded on the teacher's internal/observability/tracing.go
// (TracingConfig/InitTracing/TracerProvider wrapper shape). The teacher
// exports spans over OTLP/gRPC via otlptracegrpc; this proxy has no
// deployed collector in its own stack, so InitTracing instead exercises
// go.opentelemetry.io/otel/sdk/trace directly with a slog-backed exporter
// (spanLogExporter below) — the SDK's batching/sampling/resource pipeline
// runs for real, just without adding the otlptracegrpc module and its gRPC
// transitive dependency graph for a collector this proxy never talks to.
package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig is spec's SPEC_FULL tracing-supplement surface.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	SampleRate  float64
}

// TracerProvider wraps the SDK provider so cmd/server can shut it down
// cleanly without importing the sdk package itself.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracing builds a TracerProvider. When cfg.Enabled is false, it
// returns nil so callers fall back to internal/trace's no-op provider.
func InitTracing(ctx context.Context, cfg TracingConfig, logger *slog.Logger) (*TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&spanLogExporter{logger: logger}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	return &TracerProvider{provider: provider}, nil
}

// Provider returns the trace.TracerProvider to inject into
// trace.NewSpanEmitter, or nil if tracing is disabled.
func (tp *TracerProvider) Provider() trace.TracerProvider {
	if tp == nil {
		return nil
	}
	return tp.provider
}

// Shutdown flushes and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// spanLogExporter renders finished spans as structured log lines,
// standing in for the teacher's OTLP/gRPC exporter (see package doc).
type spanLogExporter struct {
	logger *slog.Logger
}

func (e *spanLogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := make([]any, 0, 2*len(s.Attributes())+4)
		attrs = append(attrs, "trace_id", s.SpanContext().TraceID().String(), "duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds())
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.AsInterface())
		}
		e.logger.InfoContext(ctx, "span."+s.Name(), attrs...)
	}
	return nil
}

func (e *spanLogExporter) Shutdown(ctx context.Context) error { return nil }
