package observer

import (
	"context"
	"errors"
	"testing"

	scout "github.com/nevindra/scout"
)

// mockGenerator for observer tests.
type mockGenerator struct {
	name      string
	result    scout.GenerateResult
	detectRaw string
	err       error
}

func (m *mockGenerator) Name() string { return m.name }
func (m *mockGenerator) GenerateStream(_ context.Context, _ scout.GenerateRequest, ch chan<- scout.Delta) (scout.GenerateResult, error) {
	if ch != nil {
		ch <- scout.Delta{Text: "hello"}
	}
	return m.result, m.err
}
func (m *mockGenerator) Detect(_ context.Context, _ scout.DetectRequest, _ chan<- scout.Delta) (string, error) {
	return m.detectRaw, m.err
}

// mockRunner for observer tests.
type mockRunner struct {
	result scout.ComputerResult
	err    error
	got    []scout.ComputerArgs
}

func (m *mockRunner) Run(_ context.Context, args scout.ComputerArgs) (scout.ComputerResult, error) {
	m.got = append(m.got, args)
	return m.result, m.err
}

// testInstruments builds Instruments against the global OTEL providers, which
// are no-ops by default. Safe for testing delegation without a backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestWrapGeneratorDelegates(t *testing.T) {
	inner := &mockGenerator{
		name:   "mock",
		result: scout.GenerateResult{Text: "plan", Calls: []scout.FunctionCall{{ID: "c1", Name: "computer_click"}}},
	}
	g := WrapGenerator(inner, testInstruments(t))

	if g.Name() != "mock" {
		t.Errorf("name = %q", g.Name())
	}

	ch := make(chan scout.Delta, 4)
	res, err := g.GenerateStream(context.Background(), scout.GenerateRequest{Model: "m"}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "plan" || len(res.Calls) != 1 {
		t.Errorf("result = %+v", res)
	}
	if d := <-ch; d.Text != "hello" {
		t.Errorf("delta = %+v, deltas must pass through untouched", d)
	}
}

func TestWrapGeneratorPropagatesError(t *testing.T) {
	wantErr := errors.New("provider down")
	g := WrapGenerator(&mockGenerator{name: "mock", err: wantErr}, testInstruments(t))

	if _, err := g.GenerateStream(context.Background(), scout.GenerateRequest{}, nil); !errors.Is(err, wantErr) {
		t.Errorf("generate err = %v", err)
	}
	if _, err := g.Detect(context.Background(), scout.DetectRequest{}, nil); !errors.Is(err, wantErr) {
		t.Errorf("detect err = %v", err)
	}
}

func TestWrapGeneratorDetectDelegates(t *testing.T) {
	g := WrapGenerator(&mockGenerator{name: "mock", detectRaw: `{"box_2d": [1,2,3,4]}`}, testInstruments(t))
	raw, err := g.Detect(context.Background(), scout.DetectRequest{Model: "m"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if raw != `{"box_2d": [1,2,3,4]}` {
		t.Errorf("raw = %q", raw)
	}
}

func TestWrapRunnerDelegates(t *testing.T) {
	inner := &mockRunner{result: scout.ComputerResult{Text: "done"}}
	r := WrapRunner(inner, testInstruments(t))

	res, err := r.Run(context.Background(), scout.ComputerArgs{Action: scout.ActionClick, Coordinate: []int{5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "done" {
		t.Errorf("result = %+v", res)
	}
	if len(inner.got) != 1 || inner.got[0].Coordinate[1] != 6 {
		t.Errorf("args not passed through: %+v", inner.got)
	}
}

func TestWrapRunnerPropagatesError(t *testing.T) {
	wantErr := errors.New("no display")
	r := WrapRunner(&mockRunner{err: wantErr}, testInstruments(t))
	if _, err := r.Run(context.Background(), scout.ComputerArgs{Action: scout.ActionKey}); !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
}

func TestTracerSpanLifecycle(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.Start(context.Background(), "turn",
		scout.StringAttr("session", "s1"), scout.IntAttr("turn", 3))
	if ctx == nil {
		t.Fatal("nil context")
	}
	span.SetAttr(scout.BoolAttr("suspended", true))
	span.Error(errors.New("boom"))
	span.End()
}

func TestConvertAttrs(t *testing.T) {
	attrs := convertAttrs([]scout.SpanAttr{
		{Key: "s", Value: "v"},
		{Key: "i", Value: 7},
		{Key: "b", Value: true},
		{Key: "other", Value: []string{"x"}},
	})
	if len(attrs) != 4 {
		t.Fatalf("attrs = %d", len(attrs))
	}
	if attrs[0].Key != "s" || attrs[0].Value.AsString() != "v" {
		t.Errorf("string attr = %+v", attrs[0])
	}
	if attrs[1].Value.AsInt64() != 7 {
		t.Errorf("int attr = %+v", attrs[1])
	}
	if !attrs[2].Value.AsBool() {
		t.Errorf("bool attr = %+v", attrs[2])
	}
	if attrs[3].Value.AsString() != "[x]" {
		t.Errorf("fallback attr = %+v", attrs[3])
	}
}
