// Package telemetry wraps OpenTelemetry tracing for the filter pipeline and
// the processor orchestrator. It intentionally stops at the API surface
// (go.opentelemetry.io/otel / otel/trace): wiring an exporter or SDK
// provider is a deployment concern, out of scope per spec §1.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/sevakavakians/kato"

// Tracer returns the package-wide tracer. Callers obtain a no-op tracer
// until the host process installs a TracerProvider via
// otel.SetTracerProvider; this package never does so itself.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named name under ctx, returning the derived
// context and span. Callers must call span.End().
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}

// StageAttributes builds the span attributes for one filter-pipeline stage
// invocation, matching the {candidates_before, candidates_after,
// elapsed_ms} triple spec §4.5 requires when metrics are enabled.
func StageAttributes(stage string, before, after int, elapsedMs int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("filter.stage", stage),
		attribute.Int("filter.candidates_before", before),
		attribute.Int("filter.candidates_after", after),
		attribute.Int64("filter.elapsed_ms", elapsedMs),
	}
}

// SessionAttributes builds the span attributes identifying a request.
func SessionAttributes(kbID, sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("kato.kb_id", kbID),
		attribute.String("kato.session_id", sessionID),
	}
}

// RecordError records err on span if non-nil.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}
