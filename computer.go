package scout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
)

// ComputerToolName is the remote OS-automation endpoint's tool name. Grounded
// calls are issued under this name with low-level action arguments.
const ComputerToolName = ".computer"

// Low-level actions accepted by the OS-automation endpoint.
const (
	ActionClick       = "click"
	ActionType        = "type"
	ActionDragAndDrop = "drag_and_drop"
	ActionScroll      = "scroll"
	ActionKey         = "key"
	ActionWait        = "wait"
	ActionScreenshot  = "screenshot"
)

// ComputerArgs is the argument union over all OS-automation actions. Unused
// fields are omitted from the wire encoding.
type ComputerArgs struct {
	Action           string   `json:"action"`
	Coordinate       []int    `json:"coordinate,omitempty"`
	TargetCoordinate []int    `json:"target_coordinate,omitempty"`
	NumClicks        int      `json:"num_clicks,omitempty"`
	ButtonType       string   `json:"button_type,omitempty"`
	HoldKeys         []string `json:"hold_keys,omitempty"`
	Text             string   `json:"text,omitempty"`
	Overwrite        bool     `json:"overwrite,omitempty"`
	Enter            bool     `json:"enter,omitempty"`
	Keys             []string `json:"keys,omitempty"`
	HoldDuration     float64  `json:"hold_duration,omitempty"`
	Time             float64  `json:"time,omitempty"`
	ScrollDirection  string   `json:"scroll_direction,omitempty"`
	ScrollAmount     int      `json:"scroll_amount,omitempty"`
}

// ComputerResult is the outcome of one OS-automation action: text output for
// input actions, inline data for screenshots.
type ComputerResult struct {
	Text  string
	Image *InlineData
}

// ComputerRunner executes low-level actions on the controlled machine. The
// automation package provides an HTTP implementation.
type ComputerRunner interface {
	Run(ctx context.Context, args ComputerArgs) (ComputerResult, error)
}

// Tool defines an auxiliary agent capability outside the computer catalog.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Errors are reported in-band
// so the model can self-correct.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Runtime dispatches tool calls: grounded actions go to the computer
// endpoint, everything else to registered auxiliary tools.
type Runtime struct {
	computer ComputerRunner
	tools    []Tool
}

// NewRuntime creates a Runtime bound to an OS-automation endpoint.
func NewRuntime(computer ComputerRunner) *Runtime {
	return &Runtime{computer: computer}
}

// Register adds an auxiliary tool.
func (r *Runtime) Register(t Tool) {
	r.tools = append(r.tools, t)
}

// Screenshot captures the screen and decodes it. Only PNG payloads are
// accepted; any other mimeType is fatal for the turn.
func (r *Runtime) Screenshot(ctx context.Context) (image.Image, []byte, error) {
	res, err := r.computer.Run(ctx, ComputerArgs{Action: ActionScreenshot})
	if err != nil {
		return nil, nil, fmt.Errorf("screenshot: %w", err)
	}
	if res.Image == nil {
		return nil, nil, fmt.Errorf("screenshot returned no image data")
	}
	if res.Image.MimeType != "image/png" {
		return nil, nil, fmt.Errorf("screenshot returned unsupported mimeType %q", res.Image.MimeType)
	}
	img, err := png.Decode(bytes.NewReader(res.Image.Data))
	if err != nil {
		return nil, nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, res.Image.Data, nil
}

// RunComputer executes one grounded action and folds the outcome into a
// ToolResult. Execution failures are returned in-band, not as Go errors, so
// the turn continues; only context cancellation aborts.
func (r *Runtime) RunComputer(ctx context.Context, args ComputerArgs) ToolResult {
	res, err := r.computer.Run(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return ToolResult{Error: ctx.Err().Error()}
		}
		return ToolResult{Error: err.Error()}
	}
	return ToolResult{Content: res.Text}
}

// Execute dispatches a non-computer tool call by name.
func (r *Runtime) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}
