// Package otel provides otel support.
package otel

import (
	"context"
	"fmt"
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
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/tally/pkg/common/logger"
)

// Config defines the information needed to init telemetry.
type Config struct {
	ServiceName string
	// ExporterEndpoint is the OTLP gRPC collector. Empty disables export.
	ExporterEndpoint string
	// ExcludedSpans are span names never sampled.
	ExcludedSpans      map[string]struct{}
	Probability        float64
	ResourceAttributes map[string]string
}

// Providers bundles the tracer and meter providers returned by InitTelemetry.
type Providers struct {
	Tracer trace.TracerProvider
	Meter  metric.MeterProvider
}

// InitTelemetry configures open telemetry for the process. Without an
// exporter endpoint spans are dropped and metrics are recorded in memory
// only.
func InitTelemetry(log *logger.Logger, cfg Config) (Providers, func(ctx context.Context), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res := newResource(cfg.ServiceName, cfg.ResourceAttributes)

	if cfg.ExporterEndpoint == "" {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		cleanup := func(ctx context.Context) {
			if err := mp.Shutdown(ctx); err != nil {
				log.Error(ctx, "shutting down meter provider", "error", err)
			}
		}
		return Providers{Tracer: noop.NewTracerProvider(), Meter: mp}, cleanup, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(newSpanExcluder(cfg.ExcludedSpans, cfg.Probability)),
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		),
		sdktrace.WithResource(res),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	cleanup := func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down meter provider", "error", err)
		}
	}

	return Providers{Tracer: tp, Meter: mp}, cleanup, nil
}

func newResource(serviceName string, extra map[string]string) *resource.Resource {
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	attrs = append(attrs, semconv.ServiceNameKey.String(serviceName))
	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}
