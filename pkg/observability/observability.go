// Package observability wires OpenTelemetry tracing and RED (Rate,
// Errors, Duration) metrics for the platform's intake and orchestration
// paths: Gateway request spans, EventIngest batch counters, and
// PatchOrchestrator plan-lifecycle spans (spec.md §6 request handling,
// §4.3 event ingestion, §4.6 patch execution).
package observability

import (
	"context"
	"fmt"
	"log/slog"
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
	ServiceName  string
	Environment  string
	OTLPEndpoint string // e.g. "localhost:4317" for gRPC
	SampleRate   float64
	BatchTimeout time.Duration
	Enabled      bool
	Insecure     bool
}

// DefaultConfig returns the platform's default observability settings.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "sentrywatch-core",
		Environment:  "development",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      false,
		Insecure:     true,
	}
}

// Provider owns the process-wide trace and metric providers and the
// ingestion/orchestration RED metrics derived from them.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	batchCounter    metric.Int64Counter
	rejectedCounter metric.Int64Counter
	planDuration    metric.Float64Histogram
	activePlans     metric.Int64UpDownCounter
}

// New builds and installs the global trace/metric providers. When
// config.Enabled is false, New returns a Provider whose Tracer falls
// back to the global tracer and whose metric recording calls are
// no-ops, so call sites never need to branch on whether observability
// is configured.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{config: config, logger: slog.Default().With("component", "observability")}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("sentrywatch.core")
	p.meter = otel.Meter("sentrywatch.core")

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init RED metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName, "environment", config.Environment,
		"endpoint", config.OTLPEndpoint, "sample_rate", config.SampleRate)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error

	p.batchCounter, err = p.meter.Int64Counter("sentrywatch.ingest.batches",
		metric.WithDescription("Event/telemetry batches accepted"), metric.WithUnit("{batch}"))
	if err != nil {
		return err
	}
	p.rejectedCounter, err = p.meter.Int64Counter("sentrywatch.ingest.rejected",
		metric.WithDescription("Events rejected during ingestion"), metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.planDuration, err = p.meter.Float64Histogram("sentrywatch.patchorch.plan_duration",
		metric.WithDescription("Patch plan build duration"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	p.activePlans, err = p.meter.Int64UpDownCounter("sentrywatch.patchorch.active_plans",
		metric.WithDescription("Patch plan builds currently in progress"), metric.WithUnit("{plan}"))
	if err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the trace and metric providers. Safe to
// call on a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the platform tracer, falling back to the global no-op
// tracer if the provider was never enabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("sentrywatch.core")
	}
	return p.tracer
}

// RecordBatchAccepted increments the accepted-batch counter for a
// tenant's event or telemetry ingest.
func (p *Provider) RecordBatchAccepted(ctx context.Context, tenantID string, accepted int) {
	if p.batchCounter == nil {
		return
	}
	p.batchCounter.Add(ctx, 1, metric.WithAttributes(AttrTenantID.String(tenantID)))
	_ = accepted
}

// RecordRejected adds n to the rejected-event counter for a tenant.
func (p *Provider) RecordRejected(ctx context.Context, tenantID string, n int) {
	if p.rejectedCounter == nil || n == 0 {
		return
	}
	p.rejectedCounter.Add(ctx, int64(n), metric.WithAttributes(AttrTenantID.String(tenantID)))
}

// TrackPlanBuild wraps a patch-plan build in a span and the plan RED
// metrics, returning a function to call once the build completes.
func (p *Provider) TrackPlanBuild(ctx context.Context, tenantID, planID string) (context.Context, func(err error)) {
	attrs := []attribute.KeyValue{AttrTenantID.String(tenantID), AttrPlanID.String(planID)}
	start := time.Now()

	ctx, span := p.Tracer().Start(ctx, "patchorch.build_plan", trace.WithAttributes(attrs...))
	if p.activePlans != nil {
		p.activePlans.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.activePlans != nil {
			p.activePlans.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.planDuration != nil {
			p.planDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
