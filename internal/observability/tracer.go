package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures OTLP trace export.
type TraceConfig struct {
	// ServiceName identifies this service in traces.
	// Default: "planexec"
	ServiceName string

	// Endpoint is the OTLP gRPC collector endpoint. Empty disables export;
	// a no-op tracer is returned.
	Endpoint string

	// SampleRate in [0,1] controls head sampling. Default: 1.0.
	SampleRate float64
}

// Tracer wraps an OpenTelemetry tracer for stage and step spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer and returns it with a shutdown function.
// With an empty endpoint the returned tracer produces no-op spans.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "planexec"
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }, nil
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	t := &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}
	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return provider.Shutdown(ctx)
	}
	return t, shutdown, nil
}

// StartStage opens a span for an LLM stage, tagged with the run ID.
func (t *Tracer) StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "stage."+stage)
	if runID := RunID(ctx); runID != "" {
		span.SetAttributes(attribute.String("run.id", runID))
	}
	return ctx, span
}

// StartStep opens a span for one tool dispatch.
func (t *Tracer) StartStep(ctx context.Context, aiName string, stepIndex int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "step."+aiName)
	span.SetAttributes(
		attribute.String("tool.ai_name", aiName),
		attribute.Int("step.index", stepIndex),
	)
	if runID := RunID(ctx); runID != "" {
		span.SetAttributes(attribute.String("run.id", runID))
	}
	return ctx, span
}

// RecordError marks the span failed with the given error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
