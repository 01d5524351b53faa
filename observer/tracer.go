package observer

import (
	"context"
	"fmt"

	scout "github.com/nevindra/scout"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a scout.Tracer backed by the global OTEL TracerProvider,
// so turn, grounding, and execution spans nest under the wrapper spans.
// Call Init first; without it spans go to a no-op backend.
func NewTracer() scout.Tracer {
	return loopTracer{tr: otel.Tracer(scopeName)}
}

type loopTracer struct {
	tr trace.Tracer
}

var _ scout.Tracer = loopTracer{}

func (t loopTracer) Start(ctx context.Context, name string, attrs ...scout.SpanAttr) (context.Context, scout.Span) {
	ctx, span := t.tr.Start(ctx, name, trace.WithAttributes(convertAttrs(attrs)...))
	return ctx, loopSpan{span}
}

type loopSpan struct {
	span trace.Span
}

var _ scout.Span = loopSpan{}

func (s loopSpan) SetAttr(attrs ...scout.SpanAttr) {
	s.span.SetAttributes(convertAttrs(attrs)...)
}

func (s loopSpan) Error(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s loopSpan) End() {
	s.span.End()
}

func convertAttrs(attrs []scout.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out = append(out, attribute.String(a.Key, v))
		case int:
			out = append(out, attribute.Int(a.Key, v))
		case int64:
			out = append(out, attribute.Int64(a.Key, v))
		case float64:
			out = append(out, attribute.Float64(a.Key, v))
		case bool:
			out = append(out, attribute.Bool(a.Key, v))
		default:
			out = append(out, attribute.String(a.Key, fmt.Sprintf("%v", v)))
		}
	}
	return out
}
