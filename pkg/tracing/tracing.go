package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config contains tracing configuration.
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	SampleRate  float64
}

// DefaultConfig returns default tracing configuration (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "voicelink",
		JaegerURL:   "http://localhost:14268/api/traces",
		SampleRate:  1.0,
	}
}

// Init initializes tracing. With Enabled false it returns an inert provider.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span under the voicelink tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer("voicelink").Start(ctx, name, opts...)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Common span attribute keys.
var (
	CallSidKey   = attribute.Key("call.sid")
	DirectionKey = attribute.Key("call.direction")
	StateKey     = attribute.Key("call.state")
	AttemptKey   = attribute.Key("retry.attempt")
)

// TraceConnect traces a client connect (listen/register) sequence.
func TraceConnect(ctx context.Context, clientID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "client.connect",
		trace.WithAttributes(attribute.String("client.id", clientID)),
	)
}

// TraceCall traces a call lifecycle operation such as accept or hangup.
func TraceCall(ctx context.Context, operation, callSid, direction string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("call.%s", operation),
		trace.WithAttributes(
			CallSidKey.String(callSid),
			DirectionKey.String(direction),
		),
	)
}

// TraceRecovery traces one media renegotiation attempt.
func TraceRecovery(ctx context.Context, callSid string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, "call.recovery",
		trace.WithAttributes(
			CallSidKey.String(callSid),
			AttemptKey.Int(attempt),
		),
	)
}

// TraceHTTPRequest traces one gateway HTTP request.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s %s", method, path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
}

// TraceReconnect traces a signaling transport reconnect attempt.
func TraceReconnect(ctx context.Context, endpoint string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, "transport.reconnect",
		trace.WithAttributes(
			attribute.String("endpoint", endpoint),
			AttemptKey.Int(attempt),
		),
	)
}
