package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Options struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector; empty disables tracing.
	Endpoint string
	Insecure bool
	Logger   zerolog.Logger
}

// Setup installs the global tracer provider and returns its shutdown func.
// Failures leave tracing disabled rather than stopping the service.
func Setup(ctx context.Context, options Options) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if options.Endpoint == "" {
		return noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(options.Endpoint)}
	if options.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		options.Logger.Error().Err(err).Msg("otel exporter setup failed, tracing disabled")
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(options.ServiceName)))
	if err != nil {
		options.Logger.Warn().Err(err).Msg("otel resource detection failed")
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	options.Logger.Info().Str("endpoint", options.Endpoint).Msg("tracing enabled")

	return provider.Shutdown
}
