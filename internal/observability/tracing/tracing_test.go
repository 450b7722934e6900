package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	return rec
}

func TestWorkerSpanRecordsFailure(t *testing.T) {
	rec := useRecorder(t)

	_, span := StartWorker(context.Background(), "orders", "w-1", 1)
	if !span.IsRecording() {
		t.Fatal("worker span must record once a provider is installed")
	}
	EndWorker(span, errors.New("boom"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	got := ended[0]
	if got.Name() != "stimulus.orders" || got.Status().Code != codes.Error || got.Status().Description != "boom" {
		t.Fatalf("unexpected span %s status %+v", got.Name(), got.Status())
	}
	if len(got.Events()) != 1 || got.Events()[0].Name != "exception" {
		t.Fatalf("expected recorded error event, got %+v", got.Events())
	}
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	var out bytes.Buffer
	shutdown, err := Setup(context.Background(), Config{ServiceName: "demo", Exporter: "stdout", Writer: &out})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, span := StartWorker(context.Background(), "heartbeat", "w-2", 0)
	EndWorker(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(out.String(), "stimulus.heartbeat") || !strings.Contains(out.String(), "demo") {
		t.Fatalf("span not exported:\n%s", out.String())
	}
}

func TestSetupRejectsBadExporter(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
	if _, err := Setup(context.Background(), Config{Exporter: ExporterOTLP}); err == nil {
		t.Fatal("expected error for otlp without endpoint")
	}
	shutdown, err := Setup(context.Background(), Config{Exporter: ExporterNone})
	if err != nil || shutdown(context.Background()) != nil {
		t.Fatalf("none exporter must be a no-op, got %v", err)
	}
}
