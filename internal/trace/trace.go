// Package trace provides OpenTelemetry distributed tracing for the runtime,
// tagging every span with the correlation id of the provider stream or tool
// execution it covers (§4.2, §4.4).
//
// Grounded on the teacher's internal/observability.Tracer: the same
// endpoint-gated OTLP/gRPC exporter setup, no-op fallback when unconfigured,
// and TraceXxx convenience constructors, narrowed from the teacher's
// channel/HTTP/database span helpers to this runtime's two hot paths
// (provider dispatch, tool execution) and parameterized by correlation id
// instead of session id.
package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaykit/agentcore/internal/ids"
)

// Config configures the tracer's OTLP export behavior.
type Config struct {
	// ServiceName identifies this runtime in traces. Defaults to "agentcore".
	ServiceName string

	// Endpoint is the OTLP/gRPC collector endpoint (e.g. "localhost:4317").
	// If empty, tracing is a no-op: spans are created but never exported.
	Endpoint string

	// SamplingRate is the fraction of traces recorded, in [0,1]. Defaults
	// to 1.0 (sample everything) when unset.
	SamplingRate float64

	// Insecure disables TLS on the OTLP connection (dev/testing only).
	Insecure bool
}

// Tracer wraps an OpenTelemetry tracer with correlation-id-aware span
// helpers for the runtime's two instrumented paths.
type Tracer struct {
	tracer trace.Tracer
}

// New builds a Tracer from cfg and returns a shutdown func that flushes and
// tears down the exporter. If cfg.Endpoint is empty, or if the exporter
// fails to construct, New returns a no-op tracer whose spans are created but
// never exported — mirroring the teacher's fallback behavior exactly.
func New(cfg Config) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentcore"
	}

	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	switch {
	case cfg.SamplingRate <= 0.0 && cfg.SamplingRate != 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRate > 0.0 && cfg.SamplingRate < 1.0:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

// StartProviderSpan opens a span covering one LLM provider stream dispatch,
// tagged by correlation id, agent id, and provider name.
func (t *Tracer) StartProviderSpan(ctx context.Context, correlationID, agentID ids.ID, provider string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("llm.%s", provider), trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("correlation_id", correlationID.String()),
		attribute.String("agent_id", agentID.String()),
		attribute.String("llm.provider", provider),
	))
}

// StartToolSpan opens a span covering one tool execution, tagged by
// correlation id (the tool call id) and tool name.
func (t *Tracer) StartToolSpan(ctx context.Context, toolCallID, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("tool.%s", toolName), trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(
		attribute.String("tool_call_id", toolCallID),
		attribute.String("tool.name", toolName),
	))
}

// End records err on span (if non-nil) and closes it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the active span's trace id as a string, or "" if none.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
