package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/jjshanks/asset-server"

	tracerShutdownTimeout = 5 * time.Second
)

// tracer manages the OpenTelemetry trace provider. A nil or disabled tracer
// hands out no-op spans.
type tracer struct {
	tracerProvider *sdktrace.TracerProvider
	enabled        bool
}

// initTracer sets up an OTLP/gRPC trace pipeline. An empty endpoint disables
// tracing.
func initTracer(ctx context.Context, serviceNamespace, serviceName, serviceVersion, endpoint string, insecure bool) (*tracer, error) {
	if endpoint == "" {
		log.Debug().Msg("Tracing is disabled (no endpoint configured)")
		return &tracer{enabled: false}, nil
	}

	log.Info().
		Str("service", serviceName).
		Str("namespace", serviceNamespace).
		Str("version", serviceVersion).
		Str("endpoint", endpoint).
		Bool("insecure", insecure).
		Msg("Initializing OpenTelemetry tracing")

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(serviceNamespace),
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &tracer{
		tracerProvider: tp,
		enabled:        true,
	}, nil
}

func (t *tracer) isEnabled() bool {
	return t != nil && t.enabled
}

// shutdown flushes pending spans and releases the provider.
func (t *tracer) shutdown(ctx context.Context) error {
	if !t.isEnabled() || t.tracerProvider == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, tracerShutdownTimeout)
	defer cancel()

	log.Debug().Msg("Shutting down tracer provider")
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// startSpan starts a span named operationName with string attributes given as
// key/value pairs. An odd number of pairs is an error and no span is started.
func (t *tracer) startSpan(ctx context.Context, operationName string, keyValues ...string) (context.Context, trace.Span, error) {
	if !t.isEnabled() {
		return ctx, trace.SpanFromContext(ctx), nil
	}

	if len(keyValues)%2 != 0 {
		return ctx, trace.SpanFromContext(ctx), fmt.Errorf("odd number of key-value pairs provided for span attributes in operation '%s'", operationName)
	}

	attrs := make([]attribute.KeyValue, 0, len(keyValues)/2)
	for i := 0; i < len(keyValues); i += 2 {
		attrs = append(attrs, attribute.String(keyValues[i], keyValues[i+1]))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, span, nil
}
