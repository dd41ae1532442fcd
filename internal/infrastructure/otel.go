package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"

	"desklicense/internal/config"
)

// Exporter names accepted in the telemetry config.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// ServiceName identifies the authority in traces and metrics.
const ServiceName = "desklicense"

// Telemetry owns the OpenTelemetry providers of one process.
type Telemetry struct {
	// Meter is always usable; it is a no-op when metrics are disabled.
	Meter metric.Meter
	// MetricsHandler serves the Prometheus scrape endpoint. It is nil
	// unless the prometheus exporter is configured.
	MetricsHandler http.Handler

	shutdown []func(context.Context) error
}

// Enabled reports whether any exporter was installed.
func (t *Telemetry) Enabled() bool { return len(t.shutdown) > 0 }

// NewTelemetry installs the global tracer and meter providers selected by
// cfg. With both exporters off the global no-op providers stay in place.
func NewTelemetry(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (*Telemetry, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(config.AppVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		semconv.ServiceInstanceID(instanceID()),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	t := &Telemetry{}
	switch cfg.TraceExporter {
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		)
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
	case ExporterNone, "":
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.TraceExporter)
	}

	switch cfg.MetricExporter {
	case ExporterPrometheus:
		exp, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))
		otel.SetMeterProvider(mp)
		t.MetricsHandler = promhttp.Handler()
		t.shutdown = append(t.shutdown, mp.Shutdown)
	case ExporterNone, "":
	default:
		return nil, fmt.Errorf("unsupported metric exporter %q", cfg.MetricExporter)
	}

	t.Meter = otel.GetMeterProvider().Meter(ServiceName, metric.WithInstrumentationVersion(config.AppVersion))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.LogAttrs(ctx, slog.LevelInfo, "telemetry initialized",
		slog.String("trace_exporter", cfg.TraceExporter),
		slog.String("metric_exporter", cfg.MetricExporter),
		slog.String("environment", cfg.Environment))
	return t, nil
}

// Shutdown flushes and stops every installed provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
