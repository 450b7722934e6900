// Package tracing wraps OpenTelemetry span creation for stimulus workers.
// Setup installs the SDK provider; until then the global no-op tracer is used.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "Stimulus-Agent/stimulus"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartWorker starts a span covering one handler invocation.
func StartWorker(ctx context.Context, stimulus, workerID string, args int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "stimulus."+stimulus)
	span.SetAttributes(
		attribute.String("stimulus.name", stimulus),
		attribute.String("stimulus.worker_id", workerID),
		attribute.Int("stimulus.args", args),
	)
	return ctx, span
}

// EndWorker ends the span, recording err when the handler failed.
func EndWorker(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
