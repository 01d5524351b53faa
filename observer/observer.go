// Package observer provides OTEL-based observability for agent operations.
//
// It wraps the LLM generator and the OS-automation runner with instrumented
// versions that emit traces, metrics, and logs via OpenTelemetry. Users
// export to any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/scout/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	LLMRequests       metric.Int64Counter
	GroundingRequests metric.Int64Counter
	ActionExecutions  metric.Int64Counter

	// Histograms
	LLMDuration     metric.Float64Histogram
	ActionDuration  metric.Float64Histogram
	ScreenshotBytes metric.Int64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)
	inst := &Instruments{
		Tracer: otel.Tracer(scopeName),
		Meter:  meter,
		Logger: global.GetLoggerProvider().Logger(scopeName),
	}

	var err error
	if inst.LLMRequests, err = meter.Int64Counter("scout.llm.requests",
		metric.WithDescription("Planning LLM requests")); err != nil {
		return nil, err
	}
	if inst.GroundingRequests, err = meter.Int64Counter("scout.grounding.requests",
		metric.WithDescription("Grounding detection requests")); err != nil {
		return nil, err
	}
	if inst.ActionExecutions, err = meter.Int64Counter("scout.actions.executions",
		metric.WithDescription("OS-automation action executions")); err != nil {
		return nil, err
	}
	if inst.LLMDuration, err = meter.Float64Histogram("scout.llm.duration",
		metric.WithDescription("LLM call duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.ActionDuration, err = meter.Float64Histogram("scout.actions.duration",
		metric.WithDescription("OS-automation action duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.ScreenshotBytes, err = meter.Int64Histogram("scout.screenshot.bytes",
		metric.WithDescription("Captured screenshot payload size"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	return inst, nil
}
