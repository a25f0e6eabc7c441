package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

Every WebSocket frame the relay handles becomes a span (see
collaboration.Session.ReadPump), so Jaeger shows where a batch spent its
time: decoding, rate limiting, publishing to the broker.

Architecture:
  Relay → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

Without a provider, otel hands out no-op tracers, so tracing can be switched
off by leaving JAEGER_ENDPOINT empty and nothing else changes.
*/

// ShutdownFunc flushes buffered spans
type ShutdownFunc func(context.Context) error

// Options for the tracer provider
type Options struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string

	// SampleRatio is the share of root traces recorded, 0..1
	SampleRatio float64
}

// InitJaeger initializes the Jaeger exporter and installs the global tracer
// provider. An empty endpoint installs nothing and returns a no-op shutdown.
func InitJaeger(opts Options) (ShutdownFunc, error) {
	if opts.Endpoint == "" {
		log.Println("⚠️  Tracing disabled: no Jaeger endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	// Learning: This sends traces to Jaeger collector
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.Endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := NewResource(opts.ServiceName, opts.ServiceVersion)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp), // Batch spans for efficiency
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)

	// Learning: This makes the tracer available throughout your app
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sampling %.0f%%)", opts.Endpoint, opts.SampleRatio*100)

	// Learning: Always flush traces on shutdown!
	return tp.Shutdown, nil
}

// NewResource identifies the service in the Jaeger UI
func NewResource(serviceName, version string) (*resource.Resource, error) {
	if version == "" {
		version = "dev"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// Sampler follows the parent's decision and samples new traces by ratio
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

/*
SAMPLING STRATEGIES (Production Considerations)

1. AlwaysSample() - Sample 100% of traces
   - ✅ Good for: Development, debugging
   - ❌ Bad for: A busy relay, one span per keystroke batch adds up

2. TraceIDRatioBased(0.1) - Sample 10% of traces
   - ✅ Good for: Production with high traffic
   - ⚠️  May miss rare errors

3. ParentBased(...) - Follow parent's sampling decision
   - ✅ Keeps the spans of one request together
*/
