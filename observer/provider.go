package observer

import (
	"context"
	"time"

	scout "github.com/nevindra/scout"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentedGenerator wraps a scout.Generator with traces and metrics.
type instrumentedGenerator struct {
	inner scout.Generator
	inst  *Instruments
}

// WrapGenerator returns a Generator that records a span plus request count
// and duration for every planning and detection call.
func WrapGenerator(gen scout.Generator, inst *Instruments) scout.Generator {
	return &instrumentedGenerator{inner: gen, inst: inst}
}

var _ scout.Generator = (*instrumentedGenerator)(nil)

func (g *instrumentedGenerator) Name() string { return g.inner.Name() }

func (g *instrumentedGenerator) GenerateStream(ctx context.Context, req scout.GenerateRequest, ch chan<- scout.Delta) (scout.GenerateResult, error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", g.inner.Name()),
		attribute.String("llm.model", req.Model),
		attribute.String("llm.mode", "plan"),
	}
	ctx, span := g.inst.Tracer.Start(ctx, "llm.generate_stream", trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	res, err := g.inner.GenerateStream(ctx, req, ch)
	g.record(ctx, g.inst.LLMRequests, "plan", start, attrs, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Int("llm.function_calls", len(res.Calls)))
	return res, nil
}

func (g *instrumentedGenerator) Detect(ctx context.Context, req scout.DetectRequest, ch chan<- scout.Delta) (string, error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", g.inner.Name()),
		attribute.String("llm.model", req.Model),
		attribute.String("llm.mode", "detect"),
	}
	ctx, span := g.inst.Tracer.Start(ctx, "llm.detect", trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	raw, err := g.inner.Detect(ctx, req, ch)
	g.record(ctx, g.inst.GroundingRequests, "detect", start, attrs, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return raw, err
}

func (g *instrumentedGenerator) record(ctx context.Context, counter metric.Int64Counter, mode string, start time.Time, attrs []attribute.KeyValue, err error) {
	attrs = append(attrs, attribute.Bool("error", err != nil))
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	g.inst.LLMDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))

	status := "ok"
	if err != nil {
		status = "error"
	}
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.provider", g.inner.Name()),
		otellog.String("llm.mode", mode),
		otellog.Float64("llm.duration_ms", float64(time.Since(start).Milliseconds())),
		otellog.String("status", status),
	)
	g.inst.Logger.Emit(ctx, rec)
}
