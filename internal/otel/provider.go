// Package otel builds the OTLP/HTTP tracer provider used by the span sink.
package otel

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/config"
)

// InitProvider creates a batching tracer provider exporting to cfg's endpoint. The resource
// carries the service name, host name, agent version and OTEL_RESOURCE_ATTRIBUTES.
//
// The HTTP exporter honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY through net/http.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, hostname, version string, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint := cfg.Endpoint()
	logger.Info("OTEL configuration",
		zap.String("service_name", cfg.ServiceName),
		zap.String("endpoint", endpoint),
		zap.Bool("insecure", cfg.Insecure),
		zap.String("resource_attributes", cfg.ResourceAttributes),
		zap.Bool("proxy", os.Getenv("HTTPS_PROXY") != "" || os.Getenv("HTTP_PROXY") != ""))

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			semconv.HostName(hostname),
		),
		resource.WithAttributes(cfg.Resource()...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// ShutdownProvider flushes and stops tp. A nil provider is a no-op.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
