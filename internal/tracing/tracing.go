// ABOUTME: OpenTelemetry trace provider setup: batches spans to an OTLP/HTTP collector.
// ABOUTME: Installed as the global provider so job spans in the dispatcher are exported.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// tracesPath is the OTLP/HTTP signal path appended to a base collector URL.
const tracesPath = "/v1/traces"

// NewProvider creates a TracerProvider exporting to the OTLP/HTTP collector at
// endpoint (a base URL such as http://otel-collector:4318). The caller owns
// Shutdown, which flushes buffered spans.
func NewProvider(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	url := strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(url, tracesPath) {
		url += tracesPath
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(url))
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

// Install sets tp as the global TracerProvider and returns its Shutdown.
func Install(tp *sdktrace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
