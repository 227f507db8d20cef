// Package telemetry wires OpenTelemetry tracing for the elementald server.
// Export is opt-in: until Init runs with a configured OTLP endpoint every
// tracer is a no-op and the HTTP middleware adds no overhead.
package telemetry

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/elementalhq/elemental/internal/common/config"
)

var (
	mu          sync.Mutex
	provider    trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider *sdktrace.TracerProvider
)

// Init installs the OTLP trace exporter described by cfg. An empty endpoint
// leaves the no-op provider in place. Call once during startup.
func Init(ctx context.Context, cfg config.TelemetryConfig) error {
	if cfg.Endpoint == "" {
		return nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "elemental"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(name)),
	)
	if err != nil {
		res = resource.Default()
	}

	mu.Lock()
	defer mu.Unlock()
	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = sdkProvider
	otel.SetTracerProvider(provider)
	return nil
}

// stripScheme reduces a URL-shaped endpoint to host:port, which is what
// otlptracehttp expects.
func stripScheme(endpoint string) string {
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return rest
	}
	return endpoint
}

// Tracer returns a named tracer from the active provider.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	return provider.Tracer(name)
}

// Shutdown flushes pending spans. No-op when export was never enabled.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := sdkProvider
	mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}
