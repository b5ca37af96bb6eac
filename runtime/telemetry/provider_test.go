package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestTracer_NilProvider(t *testing.T) {
	tracer := Tracer(nil)
	if tracer == nil {
		t.Fatal("expected non-nil tracer")
	}
}

func TestTracer_WithProvider(t *testing.T) {
	tp := noop.NewTracerProvider()
	tracer := Tracer(tp)
	if tracer == nil {
		t.Fatal("expected non-nil tracer")
	}
}

func TestSetupPropagation(t *testing.T) {
	// Store original propagator to restore after test.
	orig := otel.GetTextMapPropagator()
	defer otel.SetTextMapPropagator(orig)

	SetupPropagation()

	prop := otel.GetTextMapPropagator()
	if prop == nil {
		t.Fatal("expected propagator to be set")
	}

	fields := map[string]bool{}
	for _, f := range prop.Fields() {
		fields[f] = true
	}
	for _, want := range []string{"traceparent", "baggage", "X-Amzn-Trace-Id"} {
		if !fields[want] {
			t.Errorf("expected propagator to handle %q, got fields: %v", want, prop.Fields())
		}
	}
}

func TestNewTracerProvider(t *testing.T) {
	// The exporter connects lazily, so an unreachable endpoint is fine here.
	tp, err := NewTracerProvider(t.Context(), "http://localhost:0/v1/traces", "collabd-test", 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = tp.Shutdown(t.Context()) }()

	// Verify it implements TracerProvider.
	var _ trace.TracerProvider = tp
}
