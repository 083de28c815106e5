// Package observability configures OpenTelemetry tracing.
package observability

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/config"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "patient-sync"

// InitTracing installs a global TracerProvider when tracing is enabled and
// returns its shutdown function. When disabled the returned function is a
// no-op and the global no-op provider stays in place.
func InitTracing(ctx context.Context, cfg *config.Config, logger *zap.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.OTel.Enabled {
		return noop
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			attribute.String("deployment.environment", cfg.Env),
		),
	)
	if err != nil {
		logger.Warn("otel resource init failed (continuing)", zap.Error(err))
	}

	exporter, err := buildExporter(ctx, cfg.OTel, logger)
	if err != nil {
		logger.Warn("otel exporter init failed, tracing disabled", zap.Error(err))
		return noop
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.OTel.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("otel tracing initialized",
		zap.String("endpoint", cfg.OTel.Endpoint),
		zap.Float64("sample_ratio", cfg.OTel.SampleRatio))
	return tp.Shutdown
}

func buildExporter(ctx context.Context, cfg config.OTelConfig, logger *zap.Logger) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		logger.Warn("otel using stdout exporter (no OTLP endpoint configured)")
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}

	opts := []otlptracehttp.Option{}
	if host, ok := strings.CutPrefix(endpoint, "http://"); ok {
		opts = append(opts, otlptracehttp.WithEndpoint(host), otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(strings.TrimPrefix(endpoint, "https://")))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/ekaya-inc/patient-sync")
}

// RecordError marks span as failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
