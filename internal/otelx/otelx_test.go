package otelx

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Disabled path

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false, Sample: 99.9})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	fields := map[string]bool{}
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fields[f] = true
	}
	if !fields["traceparent"] || !fields["baggage"] {
		t.Fatalf("propagator fields = %v", fields)
	}
}

// Enabled path

func TestInit_Enabled_ReturnsPromptly(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "localhost:1",
		Insecure:  true,
		Sample:    1.0,
		Service:   "sitedeploy",
		Component: "test",
		Version:   "v0.0.0-test",
	})
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}
	if err != nil {
		return
	}
	if err := shutdown(context.Background()); err != nil {
		t.Logf("shutdown error (no collector): %v", err)
	}
}

// Span helpers

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prev := otel.GetTracerProvider()
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func TestStartEnd_OK(t *testing.T) {
	sr := withRecorder(t)

	_, span := Start(context.Background(), "deploy.extract", attribute.String("channel", "canary"))
	End(span, nil)

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	s := ended[0]
	if s.Name() != "deploy.extract" {
		t.Fatalf("name = %q", s.Name())
	}
	if s.InstrumentationScope().Name != TracerName {
		t.Fatalf("scope = %q", s.InstrumentationScope().Name)
	}
	if s.Status().Code == codes.Error {
		t.Fatal("successful span marked as error")
	}
	found := false
	for _, kv := range s.Attributes() {
		if kv.Key == "channel" && kv.Value.AsString() == "canary" {
			found = true
		}
	}
	if !found {
		t.Fatalf("attributes = %v", s.Attributes())
	}
}

func TestStartEnd_Error(t *testing.T) {
	sr := withRecorder(t)

	ctx, parent := Start(context.Background(), "deploy")
	_, child := Start(ctx, "deploy.publish")
	End(child, errors.New("rename failed"))
	End(parent, nil)

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	c := ended[0]
	if c.Status().Code != codes.Error || c.Status().Description != "rename failed" {
		t.Fatalf("status = %+v", c.Status())
	}
	if len(c.Events()) == 0 {
		t.Fatal("error event not recorded")
	}
	if c.Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Fatal("child span not parented")
	}
}
