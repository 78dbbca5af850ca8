package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracerName matches the teacher's convention of naming the tracer after
// the binary, not the package.
const TracerName = "keyrelay"

// SpanEmitter wraps an OTel TracerProvider, grounded on the teacher's
// internal/observability/tracing.go TracerProvider wrapper. The provider
// is injected by the caller of keyrelay.New — exporter/endpoint selection
// is a deployment concern the core does not own.
type SpanEmitter struct {
	tracer trace.Tracer
}

// NewSpanEmitter builds an emitter from an externally configured
// TracerProvider. A nil provider falls back to OTel's global no-op
// tracer, so the core works without any tracing configured.
func NewSpanEmitter(provider trace.TracerProvider) *SpanEmitter {
	if provider == nil {
		provider = trace.NewNoopTracerProvider()
	}
	return &SpanEmitter{tracer: provider.Tracer(TracerName)}
}

// StartAttemptSpan opens a span for one upstream attempt.
func (e *SpanEmitter) StartAttemptSpan(ctx context.Context, requestID string, attemptIndex int, model, credentialID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "upstream.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("proxy.request_id", requestID),
			attribute.Int("proxy.attempt", attemptIndex),
			attribute.String("proxy.model", model),
			attribute.String("proxy.credential_id", credentialID),
		),
	)
}

// RecordOutcome annotates span with the attempt's terminal outcome.
func RecordOutcome(span trace.Span, statusCode int, errorType string) {
	span.SetAttributes(attribute.Int("proxy.status_code", statusCode))
	if errorType != "" {
		span.SetAttributes(attribute.String("proxy.error_type", errorType))
	}
}
