// Package telemetry wires up OpenTelemetry metrics and tracing for the
// aggregation/merge pipeline, the way internal/compact/haiku.go wired
// per-call AI metrics in the teacher repo. This package installs the global
// providers and exposes Meter/Tracer accessors; instruments are created by
// their users (internal/llm builds its AI-call metrics behind a sync.Once).
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	stdoutmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

var shutdownFuncs []func(context.Context) error

// Setup installs global MeterProvider/TracerProvider for the process. When
// OTEL_EXPORTER_OTLP_ENDPOINT is set it exports metrics over OTLP/HTTP (the
// production path); otherwise it falls back to the stdout exporters, which
// is enough for local runs and tests that just want instruments to not be
// no-ops.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	var metricReader sdkmetric.Reader
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return nil, err
		}
		metricReader = sdkmetric.NewPeriodicReader(exp)
	} else {
		exp, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
		if err != nil {
			return nil, err
		}
		metricReader = sdkmetric.NewPeriodicReader(exp)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(metricReader),
	)
	otel.SetMeterProvider(mp)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	traceExp, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetTracerProvider(tp)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	return Shutdown, nil
}

// Shutdown flushes and closes every provider Setup installed.
func Shutdown(ctx context.Context) error {
	var firstErr error
	for _, fn := range shutdownFuncs {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Meter returns a named meter from the global MeterProvider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Tracer returns a named tracer from the global TracerProvider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
