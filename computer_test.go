package scout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRuntimeScreenshot(t *testing.T) {
	runner := newFakeRunner(t, 200, 100)
	rt := NewRuntime(runner)

	img, raw, err := rt.Screenshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 100 {
		t.Errorf("bounds = %v", img.Bounds())
	}
	if len(raw) == 0 {
		t.Error("raw PNG bytes missing")
	}
}

type staticRunner struct {
	res ComputerResult
	err error
}

func (r staticRunner) Run(ctx context.Context, args ComputerArgs) (ComputerResult, error) {
	return r.res, r.err
}

func TestRuntimeScreenshotRejectsNonPNG(t *testing.T) {
	rt := NewRuntime(staticRunner{res: ComputerResult{
		Image: &InlineData{MimeType: "image/jpeg", Data: []byte{0xff}},
	}})
	_, _, err := rt.Screenshot(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unsupported mimeType") {
		t.Errorf("error = %q", err)
	}
}

func TestRuntimeScreenshotNoImage(t *testing.T) {
	rt := NewRuntime(staticRunner{res: ComputerResult{Text: "?"}})
	if _, _, err := rt.Screenshot(context.Background()); err == nil {
		t.Error("expected error when no image data is returned")
	}
}

func TestRunComputerInBandError(t *testing.T) {
	rt := NewRuntime(staticRunner{err: errors.New("element not clickable")})
	res := rt.RunComputer(context.Background(), ComputerArgs{Action: ActionClick})
	if res.Error != "element not clickable" {
		t.Errorf("error = %q, want the failure reported in-band", res.Error)
	}
}

func TestRunComputerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt := NewRuntime(staticRunner{err: errors.New("connection reset")})
	res := rt.RunComputer(ctx, ComputerArgs{Action: ActionClick})
	if res.Error != context.Canceled.Error() {
		t.Errorf("error = %q, want the cancellation surfaced", res.Error)
	}
}

type echoTool struct{}

func (echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "echo", Description: "echoes its arguments"}}
}

func (echoTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: string(args)}, nil
}

func TestRuntimeExecute(t *testing.T) {
	rt := NewRuntime(staticRunner{})
	rt.Register(echoTool{})

	res, err := rt.Execute(context.Background(), "echo", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != `{"x":1}` {
		t.Errorf("content = %q", res.Content)
	}

	res, err = rt.Execute(context.Background(), "missing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "unknown tool: missing" {
		t.Errorf("error = %q", res.Error)
	}
}
