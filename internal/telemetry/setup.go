package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nugget/devkit/internal/buildinfo"
	"github.com/nugget/devkit/internal/config"
	"github.com/nugget/devkit/internal/httpkit"
)

const (
	exportTimeout  = 10 * time.Second
	exportInterval = 30 * time.Second
)

// ShutdownFunc flushes and stops the providers installed by Setup.
type ShutdownFunc func(context.Context) error

// Setup installs the W3C trace context propagator and, when an OTLP
// endpoint is configured, global tracer and meter providers exporting
// over OTLP/HTTP. The returned ShutdownFunc is never nil.
func Setup(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.OTLPEndpoint == "" {
		logger.Debug("telemetry export disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(exportTimeout))),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP trace exporter: %w", err)
	}

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetrichttp.WithTimeout(exportTimeout),
	}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("create OTLP metric exporter: %w", err)
	}

	tp := NewTracerProvider(cfg.ServiceName, sdktrace.WithBatcher(exporter))
	mp := NewMeterProvider(cfg.ServiceName, sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(exportInterval)),
	))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	logger.Info("telemetry export enabled",
		"endpoint", cfg.OTLPEndpoint,
		"service_name", serviceName(cfg.ServiceName),
	)

	return func(ctx context.Context) error {
		return errors.Join(
			tp.ForceFlush(ctx), tp.Shutdown(ctx),
			mp.ForceFlush(ctx), mp.Shutdown(ctx),
		)
	}, nil
}

// NewTracerProvider builds an SDK tracer provider carrying the devkit
// service resource.
func NewTracerProvider(service string, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(append([]sdktrace.TracerProviderOption{sdktrace.WithResource(newResource(service))}, opts...)...)
}

// NewMeterProvider builds an SDK meter provider carrying the same
// resource as NewTracerProvider.
func NewMeterProvider(service string, opts ...sdkmetric.Option) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(append([]sdkmetric.Option{sdkmetric.WithResource(newResource(service))}, opts...)...)
}

func newResource(service string) *resource.Resource {
	return resource.NewWithAttributes("",
		attribute.String("service.name", serviceName(service)),
		attribute.String("service.version", buildinfo.Version),
	)
}

func serviceName(s string) string {
	if s == "" {
		return "devkit"
	}
	return s
}
