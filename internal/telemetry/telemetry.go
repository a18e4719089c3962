// Package telemetry bootstraps the OTel TracerProvider the document engine's
// spans (see internal/document) attach to, and the engine metrics package's
// exemplars read trace IDs from.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls how the TracerProvider is built.
type Config struct {
	// ServiceName is attached to every span's resource attributes.
	ServiceName string
	// SampleRatio is the fraction of traces sampled, in [0,1]. 0 defaults to
	// AlwaysSample (this is a client library, not a high-QPS server, so the
	// default favors full visibility over sampling overhead).
	SampleRatio float64
	// PrettyPrint renders the stdout exporter's JSON with indentation, useful
	// for local debugging; noisy for anything else.
	PrettyPrint bool
}

// Shutdown flushes and stops the underlying TracerProvider.
type Shutdown func(ctx context.Context) error

// NewStdoutTracerProvider builds a TracerProvider that writes completed
// spans as JSON, and registers it as the global provider so
// otel.Tracer(name) (the default the engine falls back to when no tracer is
// configured) resolves to it.
func NewStdoutTracerProvider(cfg Config) (trace.TracerProvider, Shutdown, error) {
	opts := []stdouttrace.Option{}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create stdout exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "edv-client"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return provider, provider.Shutdown, nil
}
