package scout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"strings"
)

// groundingPrompt follows the Gemini object-detection convention: the model
// returns box coordinates as [ymin, xmin, ymax, xmax] normalized to 0-1000.
const groundingPrompt = "Detect the %s in the image. The box_2d should be [ymin, xmin, ymax, xmax] normalized to 0-1000."

// Grounding is a resolved element location: the tile it was found on, the
// normalized detection box, and the absolute screen coordinate of its center.
type Grounding struct {
	Tile  int         `json:"tileIndex"`
	Box   Box         `json:"box"`
	Point image.Point `json:"screenCoordinate"`
}

// Grounder converts an element description plus a tile index into a screen
// coordinate by running a bounded-JSON detection call against the LLM.
type Grounder struct {
	gen    Generator
	model  string
	tracer Tracer
	logger *slog.Logger
}

// GrounderOption configures a Grounder.
type GrounderOption func(*Grounder)

// WithGrounderLogger sets a structured logger.
func WithGrounderLogger(l *slog.Logger) GrounderOption {
	return func(g *Grounder) { g.logger = l }
}

// WithGrounderTracer sets a tracer for detection spans.
func WithGrounderTracer(t Tracer) GrounderOption {
	return func(g *Grounder) { g.tracer = t }
}

// NewGrounder creates a Grounder that detects with the given model.
func NewGrounder(gen Generator, model string, opts ...GrounderOption) *Grounder {
	g := &Grounder{gen: gen, model: model, logger: nopLogger}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Ground locates the described element on tile index i. The tiler supplies
// the coordinate mapping; tiles holds the PNG tile images in layout order.
// Thought deltas from the detection model stream into ch (may be nil).
func (g *Grounder) Ground(ctx context.Context, tiler *Tiler, tiles [][]byte, i int, description string, ch chan<- Delta) (Grounding, error) {
	if g.tracer != nil {
		var span Span
		ctx, span = g.tracer.Start(ctx, "grounder.ground",
			IntAttr("tile", i), StringAttr("element", description))
		defer span.End()
	}

	if i < 0 || i >= len(tiles) {
		return Grounding{}, errors.New("Image ID exceeds the number of cropped screenshots")
	}

	raw, err := g.gen.Detect(ctx, DetectRequest{
		Model:    g.model,
		ImagePNG: tiles[i],
		Prompt:   fmt.Sprintf(groundingPrompt, description),
	}, ch)
	if err != nil {
		return Grounding{}, err
	}

	box, err := parseDetection(raw)
	if err != nil {
		return Grounding{}, err
	}
	pt, err := tiler.ToScreenCoord(i, box)
	if err != nil {
		return Grounding{}, err
	}

	g.logger.Debug("grounded element",
		"element", description, "tile", i, "box", box, "x", pt.X, "y", pt.Y)
	return Grounding{Tile: i, Box: box, Point: pt}, nil
}

type detection struct {
	Box2D []float64 `json:"box_2d"`
	Label string    `json:"label"`
}

// parseDetection decodes the model's JSON output. The response schema asks
// for a single object, but models sometimes wrap it in a one-element array;
// the first element wins in that case.
func parseDetection(raw string) (Box, error) {
	raw = strings.TrimSpace(raw)

	var d detection
	if strings.HasPrefix(raw, "[") {
		var list []detection
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return Box{}, fmt.Errorf("malformed detection response: %w", err)
		}
		if len(list) == 0 {
			return Box{}, fmt.Errorf("detection response is an empty array")
		}
		d = list[0]
	} else if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Box{}, fmt.Errorf("malformed detection response: %w", err)
	}

	if len(d.Box2D) != 4 {
		return Box{}, fmt.Errorf("box_2d must have exactly 4 elements, got %d", len(d.Box2D))
	}
	var box Box
	for i, v := range d.Box2D {
		box[i] = int(math.Round(v))
	}
	if err := box.Validate(); err != nil {
		return Box{}, err
	}
	return box, nil
}
