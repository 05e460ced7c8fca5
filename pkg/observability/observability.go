// Package observability wires OpenTelemetry tracing and metrics. Everything
// is exported over OTLP gRPC; when no endpoint is configured the providers
// stay no-op and the pipeline runs dark.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "dcal"

// Provider holds the configured telemetry stack.
type Provider struct {
	Tracer  trace.Tracer
	Metrics *Metrics

	shutdowns []func(context.Context) error
}

// Metrics are the pipeline's instruments.
type Metrics struct {
	ClaimsAdmitted    metric.Int64Counter
	ClaimsRejected    metric.Int64Counter
	ClaimsAnalyzed    metric.Int64Counter
	PipelineLatency   metric.Float64Histogram
	RuleEngineLatency metric.Float64Histogram
	DegradationLevel  metric.Int64Gauge
	OutboxBacklog     metric.Int64Gauge
	EventsPublished   metric.Int64Counter
}

// Setup initializes tracing and metrics against the OTLP endpoint. An empty
// endpoint yields a provider with no-op instruments behind it.
func Setup(ctx context.Context, endpoint, environment string) (*Provider, error) {
	p := &Provider{}

	if endpoint != "" {
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.DeploymentEnvironment(environment),
		))
		if err != nil {
			return nil, fmt.Errorf("observability: build resource: %w", err)
		}

		traceExp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("observability: trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		p.shutdowns = append(p.shutdowns, tp.Shutdown)

		metricExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("observability: metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
	}

	p.Tracer = otel.Tracer(serviceName)
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	p.Metrics = m
	return p, nil
}

func newMetrics() (*Metrics, error) {
	meter := otel.Meter(serviceName)
	var (
		m   Metrics
		err error
	)
	if m.ClaimsAdmitted, err = meter.Int64Counter("dcal.claims.admitted",
		metric.WithDescription("Claims admitted past the ingestion gate")); err != nil {
		return nil, err
	}
	if m.ClaimsRejected, err = meter.Int64Counter("dcal.claims.rejected",
		metric.WithDescription("Claims rejected at admission, by reason")); err != nil {
		return nil, err
	}
	if m.ClaimsAnalyzed, err = meter.Int64Counter("dcal.claims.analyzed",
		metric.WithDescription("Claims that produced an intelligence report")); err != nil {
		return nil, err
	}
	if m.PipelineLatency, err = meter.Float64Histogram("dcal.pipeline.latency",
		metric.WithDescription("End-to-end analysis latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.RuleEngineLatency, err = meter.Float64Histogram("dcal.rules.latency",
		metric.WithDescription("Rule engine run latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.DegradationLevel, err = meter.Int64Gauge("dcal.degradation.level",
		metric.WithDescription("Current degradation level, 0 through 5")); err != nil {
		return nil, err
	}
	if m.OutboxBacklog, err = meter.Int64Gauge("dcal.outbox.backlog",
		metric.WithDescription("Undelivered events staged in the outbox")); err != nil {
		return nil, err
	}
	if m.EventsPublished, err = meter.Int64Counter("dcal.events.published",
		metric.WithDescription("Events delivered to the broker, by topic")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var first error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
