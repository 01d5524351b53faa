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

// instrumentedRunner wraps a scout.ComputerRunner with traces and metrics.
type instrumentedRunner struct {
	inner scout.ComputerRunner
	inst  *Instruments
}

// WrapRunner returns a ComputerRunner that records a span plus execution
// count and duration for every OS-automation action.
func WrapRunner(runner scout.ComputerRunner, inst *Instruments) scout.ComputerRunner {
	return &instrumentedRunner{inner: runner, inst: inst}
}

var _ scout.ComputerRunner = (*instrumentedRunner)(nil)

func (r *instrumentedRunner) Run(ctx context.Context, args scout.ComputerArgs) (scout.ComputerResult, error) {
	attrs := []attribute.KeyValue{
		attribute.String("automation.action", args.Action),
	}
	ctx, span := r.inst.Tracer.Start(ctx, "automation.run", trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	res, err := r.inner.Run(ctx, args)

	attrs = append(attrs, attribute.Bool("error", err != nil))
	r.inst.ActionExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	r.inst.ActionDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))

	status := "ok"
	if err != nil {
		status = "error"
	}
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("automation action completed"))
	rec.AddAttributes(
		otellog.String("automation.action", args.Action),
		otellog.Float64("automation.duration_ms", float64(time.Since(start).Milliseconds())),
		otellog.String("status", status),
	)
	r.inst.Logger.Emit(ctx, rec)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if args.Action == scout.ActionScreenshot && res.Image != nil {
		r.inst.ScreenshotBytes.Record(ctx, int64(len(res.Image.Data)))
	}
	return res, nil
}
