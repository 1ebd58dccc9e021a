// Package tracing wires OpenTelemetry for quota-gate.
package tracing

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of quota-gate spans.
const TracerName = "github.com/Sentinel-Gate/quotagate"

// InitTracer sets the global TracerProvider. When tracing is disabled a
// no-op provider is installed. Spans are exported as JSON lines to w.
//
// The returned shutdown function flushes pending spans and should be called
// on exit.
func InitTracer(logger *slog.Logger, enabled bool, serviceName string, w io.Writer) (func(context.Context) error, error) {
	if !enabled {
		logger.Debug("tracing is disabled")
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	if serviceName == "" {
		serviceName = "quota-gate"
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing initialized", "exporter", "stdout")
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global tracer provider.
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, spanName, opts...)
}
