package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tebeka/atexit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// otelConfig holds the standard OpenTelemetry variables.
type otelConfig struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"tracecheck"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES"`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
}

func (c otelConfig) enabled() bool {
	return c.ExporterEndpoint != "" || c.TracesEndpoint != ""
}

// attributes parses key1=value1,key2=value2.
func (c otelConfig) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for pair := range strings.SplitSeq(c.ResourceAttributes, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.TrimSpace(key) != "" {
			attrs = append(attrs, attribute.String(strings.TrimSpace(key), strings.TrimSpace(value)))
		}
	}
	return attrs
}

// initTracing exports the run spans when an OTLP endpoint is configured.
// Failures only disable tracing.
func initTracing(ctx context.Context) {
	var cfg otelConfig
	if err := env.Parse(&cfg); err != nil {
		slog.WarnContext(ctx, "tracing disabled", "error", err)
		return
	}
	if !cfg.enabled() {
		return
	}
	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		slog.WarnContext(ctx, "tracing disabled", "error", err)
		return
	}
	tracerProvider = tp
	atexit.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("shutting down tracer provider has failed", "error", err)
		}
	})
}

func newTracerProvider(ctx context.Context, cfg otelConfig) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// the exporter reads the OTEL_EXPORTER_OTLP_* variables itself
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithAttributes(cfg.attributes()...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
