package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracing is the process trace pipeline. The engine takes its tracer from the
// global provider, so StartTracing installs one whether or not tracing is on.
type Tracing struct {
	exporter string
	shutdown func(context.Context) error
}

type exporterFactory func(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error)

// spanExporters maps TracingConfig.Exporter to its constructor. "none" still
// samples spans, which keeps trace IDs in logs without shipping them anywhere.
var spanExporters = map[string]exporterFactory{
	"otlp": otlpExporter,
	"stdout": func(context.Context, TracingConfig) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"none": func(context.Context, TracingConfig) (sdktrace.SpanExporter, error) {
		return nil, nil
	},
}

// StartTracing installs the global tracer provider for one failsafe process.
func StartTracing(ctx context.Context, cfg TracingConfig, svc ServiceInfo) (*Tracing, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		return &Tracing{exporter: "disabled", shutdown: func(context.Context) error { return nil }}, nil
	}

	factory, ok := spanExporters[cfg.Exporter]
	if !ok {
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	exporter, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(svc.Name),
			semconv.ServiceVersionKey.String(svc.Version),
			semconv.DeploymentEnvironmentKey.String(svc.Environment),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to describe trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(runSampler(cfg.SamplingRate)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter, batchOptions(cfg)...))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return &Tracing{exporter: cfg.Exporter, shutdown: provider.Shutdown}, nil
}

// runSampler keeps a whole run in one sampling decision: step spans follow
// the sampled state of their recovery.execute parent.
func runSampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func batchOptions(cfg TracingConfig) []sdktrace.BatchSpanProcessorOption {
	var opts []sdktrace.BatchSpanProcessorOption
	if cfg.MaxExportBatchSize > 0 {
		opts = append(opts, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, sdktrace.WithExportTimeout(cfg.ExportTimeout))
	}
	return opts
}

func otlpExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Exporter names the active exporter, or "disabled".
func (t *Tracing) Exporter() string {
	return t.exporter
}

// Shutdown flushes buffered spans and stops the provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}
