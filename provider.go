package scout

import "context"

// Generator abstracts the LLM backend. The provider/gemini package implements
// it over the Gemini REST API.
type Generator interface {
	// GenerateStream requests a streamed completion. Thought and text deltas
	// are emitted into ch as they arrive (ch may be nil to discard them);
	// the accumulated result is returned when the stream ends. GenerateStream
	// does not close ch.
	GenerateStream(ctx context.Context, req GenerateRequest, ch chan<- Delta) (GenerateResult, error)

	// Detect runs a bounded-JSON detection over a single tile: temperature 0,
	// a small thinking budget with thoughts included, and a response schema
	// constraining the output to a {box_2d, label} object. Returns the raw
	// JSON text of the response; thought deltas stream into ch.
	Detect(ctx context.Context, req DetectRequest, ch chan<- Delta) (string, error)

	// Name returns the provider name (e.g. "gemini").
	Name() string
}

// GenerateRequest is a planning call: history, tool declarations, and
// sampling configuration.
type GenerateRequest struct {
	Model       string
	Contents    []Content
	Tools       []ToolDefinition
	Temperature float64
	// Thinking enables model reasoning with thoughts included in the stream.
	Thinking bool
}

// GenerateResult is the collected output of a streamed completion.
type GenerateResult struct {
	// Thought is the concatenated chain-of-thought text.
	Thought string
	// Text is the concatenated plain output text.
	Text string
	// Calls are the function calls in the order the model produced them.
	Calls []FunctionCall
}

// Empty reports whether the model produced neither text nor function calls.
func (r GenerateResult) Empty() bool {
	return r.Text == "" && len(r.Calls) == 0
}

// DetectRequest is a grounding call over one tile image.
type DetectRequest struct {
	Model string
	// ImagePNG is the 768×768 tile.
	ImagePNG []byte
	// Prompt names the element to locate.
	Prompt string
}

// Delta is one streamed chunk from the LLM: thought-flagged or plain text.
type Delta struct {
	Thought string
	Text    string
}

// ToolDefinition declares one tool to the planning LLM.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object for the arguments.
	Parameters []byte
}
