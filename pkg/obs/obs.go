// Package obs wires OpenTelemetry tracing and metrics plus log/slog
// structured logging. Its Track helper records a span and RED metrics
// around one operation; no other package in this module calls Track, so
// store I/O, rail RPCs and kernel invocations are not traced. Grounded on
// the teacher's core/pkg/observability/observability.go Provider, scoped
// down to the RED metrics and span helpers this kernel actually needs.
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
	Enabled        bool
	BatchTimeout   time.Duration
}

// Provider holds the kernel's tracer/meter and the RED (rate, errors,
// duration) instruments that Track records.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	opCounter    metric.Int64Counter
	errCounter   metric.Int64Counter
	durationHist metric.Float64Histogram
}

// New creates a Provider. When cfg.Enabled is false it still returns a
// usable Provider whose Track calls are no-ops, so callers never
// need a nil check.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := NewLogger(cfg.Environment)
	p := &Provider{cfg: cfg, logger: logger}

	if !cfg.Enabled {
		logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("settld.component", "kernel"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("obs: trace exporter: %w", err)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("obs: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer("settld.kernel", trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("settld.kernel", metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "observability initialized", "endpoint", cfg.OTLPEndpoint, "service", cfg.ServiceName)
	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.opCounter, err = p.meter.Int64Counter("settld.operations.total", metric.WithDescription("Total kernel operations processed"))
	if err != nil {
		return err
	}
	p.errCounter, err = p.meter.Int64Counter("settld.operations.errors", metric.WithDescription("Total kernel operation errors"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("settld.operations.duration",
		metric.WithDescription("Kernel operation duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	return err
}

// Logger returns the process logger.
func (p *Provider) Logger() *slog.Logger { return p.logger }

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "tracer shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter shutdown failed", "error", err)
		}
	}
	return nil
}

// Track wraps a suspension point (store I/O, rail RPC, kernel Settle) with
// a span plus RED metrics, per §5's named blocking points. The returned
// func must be called with the operation's outcome.
func (p *Provider) Track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	if p.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := p.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	if p.opCounter != nil {
		p.opCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(err error) {
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errCounter != nil {
				p.errCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
			}
		}
		span.End()
	}
}

// NewLogger builds the process slog.Logger: JSON handler outside
// development, a human-readable text handler in it, per §9 AMBIENT STACK.
func NewLogger(environment string) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if environment == "development" || environment == "dev" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
