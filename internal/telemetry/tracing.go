package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/retailshift/relay/pkg/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and stops a tracer provider
type ShutdownFunc func(ctx context.Context) error

// TracingConfig configures SetupTracing
type TracingConfig struct {
	Endpoint    string // OTLP gRPC endpoint, empty disables export
	ServiceName string
	Sampler     sdktrace.Sampler // defaults to AlwaysSample
}

// SetupTracing installs a global tracer provider exporting over OTLP. With
// no endpoint the global no-op provider is left in place.
func SetupTracing(ctx context.Context, config TracingConfig) (ShutdownFunc, error) {
	if config.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp, err := newTracerProvider(config, exporter)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		return nil
	}, nil
}

func newTracerProvider(config TracingConfig, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "retailshift-relay"
	}
	if config.Sampler == nil {
		config.Sampler = sdktrace.AlwaysSample()
	}

	res, err := resource.New(context.Background(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(version.Version),
			attribute.String("retailshift.component", "relay"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(config.Sampler),
	), nil
}
