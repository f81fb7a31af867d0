package otelbridge

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ProviderConfig describes the TracerProvider NewProvider builds for the
// sidecar's otel backend.
type ProviderConfig struct {
	// ServiceName is reported on every exported span.
	ServiceName string

	// ServiceVersion is optional.
	ServiceVersion string

	// Endpoint is the OTLP/gRPC collector endpoint, host:port.
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// SampleRatio is the fraction of new traces kept, 0.0 to 1.0. Nil means
	// sample everything. Continued traces follow their parent's decision.
	SampleRatio *float64
}

// NewProvider builds an SDK TracerProvider with an OTLP/gRPC exporter. The
// caller owns its lifecycle and must call Shutdown when done.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*sdktrace.TracerProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otelbridge: collector endpoint is required")
	}

	expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		expOpts = append(expOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, expOpts...)
	if err != nil {
		return nil, fmt.Errorf("otelbridge: building OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("otelbridge: building resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio != nil && *cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(*cfg.SampleRatio)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}
