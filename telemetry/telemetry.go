// Package telemetry installs the OpenTelemetry tracer provider the engines and the coordinator report spans to.
package telemetry

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const (
	DefaultServiceName = "crossvm-relay"
	DefaultSampleRate  = 0.6
)

type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Endpoint is the host:port of an OTLP gRPC collector.
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return eris.New("tracing is enabled but no collector endpoint is set")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return eris.Errorf("trace sample rate must be between 0 and 1, got %f", c.SampleRate)
	}
	return nil
}

// Init sets the global propagator and, when tracing is enabled, the global tracer provider. The returned function
// flushes and stops everything Init started.
func Init(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Enabled {
		provider, err := newTracerProvider(ctx, cfg)
		if err != nil {
			return nil, errors.Join(err, shutdown(ctx))
		}
		shutdownFuncs = append(shutdownFuncs, provider.Shutdown)
		otel.SetTracerProvider(provider)
		logger.Info().Str("endpoint", cfg.Endpoint).Float64("sample_rate", cfg.SampleRate).Msg("tracing enabled")
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg Config) (*trace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create otlp exporter")
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(name),
	)

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}
