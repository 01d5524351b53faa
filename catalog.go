package scout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// High-level tool names declared to the planning LLM.
const (
	ToolClick       = "computer_click"
	ToolType        = "computer_type"
	ToolDragAndDrop = "computer_drag_and_drop"
	ToolKey         = "computer_key"
	ToolWait        = "computer_wait"
	ToolScroll      = "computer_scroll"
)

// GroundEnv is the per-turn context a tool call grounds against: the raw
// screenshot, its tiling, and a detection callback bound to the grounding
// model. A fresh env is built for every turn.
type GroundEnv struct {
	Screenshot image.Image
	Tiler      *Tiler
	Tiles      [][]byte
	// Detect locates an element description on a tile.
	Detect func(ctx context.Context, tile int, description string) (Grounding, error)
}

// SaveImage persists a PNG blob under the current session and returns its
// internal:// reference.
type SaveImage func(name string, data []byte) (string, error)

// GroundedCall is a low-level action ready for the OS-automation endpoint,
// paired with the high-level call the model issued. Describe renders the
// user-facing review narration (text fragments and annotated screenshots).
type GroundedCall struct {
	// Call targets ComputerToolName and shares the original call's id.
	Call     FunctionCall
	Original FunctionCall
	Args     ComputerArgs
	Describe func(save SaveImage) ([]Part, error)
}

type computerTool struct {
	def      ToolDefinition
	schema   *jsonschema.Schema
	validate func(raw json.RawMessage) error
	ground   func(ctx context.Context, env *GroundEnv, original FunctionCall) (ComputerArgs, func(save SaveImage) ([]Part, error), error)
}

// Catalog declares the computer tools visible to the planner and grounds
// their calls. Scroll is implemented below but deliberately left out of the
// registered set, so the planner never sees it.
type Catalog struct {
	order []string
	tools map[string]*computerTool
}

// NewCatalog builds the registered tool set: click, type, drag_and_drop,
// key, wait.
func NewCatalog() *Catalog {
	c := &Catalog{tools: make(map[string]*computerTool)}
	c.register(newClickTool())
	c.register(newTypeTool())
	c.register(newDragAndDropTool())
	c.register(newKeyTool())
	c.register(newWaitTool())
	return c
}

func (c *Catalog) register(t *computerTool) {
	c.order = append(c.order, t.def.Name)
	c.tools[t.def.Name] = t
}

// Definitions returns the registered tool declarations in registration order.
func (c *Catalog) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(c.order))
	for _, name := range c.order {
		defs = append(defs, c.tools[name].def)
	}
	return defs
}

// Has reports whether name is a registered catalog tool.
func (c *Catalog) Has(name string) bool {
	_, ok := c.tools[name]
	return ok
}

// Validate checks a call's arguments against the tool's schema and its
// structural rules. A non-nil error is reported to the LLM as a forged tool
// error, not raised.
func (c *Catalog) Validate(call FunctionCall) error {
	t, ok := c.tools[call.Name]
	if !ok {
		return fmt.Errorf("unknown tool: %s", call.Name)
	}
	var decoded any
	if err := json.Unmarshal(call.Args, &decoded); err != nil {
		return fmt.Errorf("malformed arguments for %s: %v", call.Name, err)
	}
	if err := t.schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments for %s: %v", call.Name, err)
	}
	if t.validate != nil {
		return t.validate(call.Args)
	}
	return nil
}

// Ground resolves a validated call into a GroundedCall. Failures (detection
// errors, out-of-range tiles, invalid boxes) are reported to the LLM with an
// "Error during grounding:" prefix by the agent.
func (c *Catalog) Ground(ctx context.Context, env *GroundEnv, call FunctionCall) (*GroundedCall, error) {
	t, ok := c.tools[call.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", call.Name)
	}
	args, describe, err := t.ground(ctx, env, call)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return &GroundedCall{
		Call:     FunctionCall{ID: call.ID, Name: ComputerToolName, Args: encoded},
		Original: call,
		Args:     args,
		Describe: describe,
	}, nil
}

func mustSchema(name, src string) *jsonschema.Schema {
	s, err := jsonschema.CompileString(name+".schema.json", src)
	if err != nil {
		panic(fmt.Sprintf("compile %s schema: %v", name, err))
	}
	return s
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// annotationPart renders an annotated screenshot and saves it under a name
// derived from the call id.
func annotationPart(img image.Image, callID string, save SaveImage) (Part, error) {
	data, err := encodePNG(img)
	if err != nil {
		return Part{}, err
	}
	ref, err := save(SanitizeFileName("review-"+callID)+".png", data)
	if err != nil {
		return Part{}, err
	}
	return Part{Image: ref}, nil
}

// --- click ---

type clickArgs struct {
	ImageID            int      `json:"image_id"`
	ElementDescription string   `json:"element_description"`
	NumClicks          int      `json:"num_clicks"`
	ButtonType         string   `json:"button_type"`
	HoldKeys           []string `json:"hold_keys"`
}

const clickSchema = `{
	"type": "object",
	"properties": {
		"image_id": {"type": "integer", "minimum": 0, "description": "Index of the cropped screenshot containing the element."},
		"element_description": {"type": "string", "description": "Visual description of the element to click."},
		"num_clicks": {"type": "integer", "minimum": 1, "description": "Number of clicks. Defaults to 1."},
		"button_type": {"type": "string", "enum": ["left", "middle", "right"], "description": "Mouse button. Defaults to left."},
		"hold_keys": {"type": "array", "items": {"type": "string"}, "description": "Modifier keys held during the click."}
	},
	"required": ["image_id", "element_description"],
	"additionalProperties": false
}`

func newClickTool() *computerTool {
	return &computerTool{
		def: ToolDefinition{
			Name:        ToolClick,
			Description: "Click on a UI element. Describe the element and name the cropped screenshot it appears in.",
			Parameters:  []byte(clickSchema),
		},
		schema: mustSchema(ToolClick, clickSchema),
		ground: func(ctx context.Context, env *GroundEnv, original FunctionCall) (ComputerArgs, func(SaveImage) ([]Part, error), error) {
			var a clickArgs
			if err := json.Unmarshal(original.Args, &a); err != nil {
				return ComputerArgs{}, nil, err
			}
			if a.NumClicks == 0 {
				a.NumClicks = 1
			}
			if a.ButtonType == "" {
				a.ButtonType = "left"
			}

			g, err := env.Detect(ctx, a.ImageID, "Click on: "+a.ElementDescription)
			if err != nil {
				return ComputerArgs{}, nil, err
			}

			args := ComputerArgs{
				Action:     ActionClick,
				Coordinate: []int{g.Point.X, g.Point.Y},
				NumClicks:  a.NumClicks,
				ButtonType: a.ButtonType,
				HoldKeys:   a.HoldKeys,
			}
			describe := func(save SaveImage) ([]Part, error) {
				annotated, err := env.Tiler.HighlightBox(env.Screenshot, g.Tile, g.Box, HighlightStyle{})
				if err != nil {
					return nil, err
				}
				imgPart, err := annotationPart(annotated, original.ID, save)
				if err != nil {
					return nil, err
				}
				label := fmt.Sprintf("Click (%s button, %d×) on: %s", a.ButtonType, a.NumClicks, a.ElementDescription)
				return []Part{{Text: label}, imgPart}, nil
			}
			return args, describe, nil
		},
	}
}

// --- type ---

type typeArgs struct {
	Text               string `json:"text"`
	ImageID            *int   `json:"image_id"`
	ElementDescription string `json:"element_description"`
	Overwrite          bool   `json:"overwrite"`
	Enter              bool   `json:"enter"`
}

const typeSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string", "description": "Text to type."},
		"image_id": {"type": "integer", "minimum": 0, "description": "Index of the cropped screenshot containing the input field. Provide together with element_description to click the field first."},
		"element_description": {"type": "string", "description": "Visual description of the input field."},
		"overwrite": {"type": "boolean", "description": "Select all and delete existing content before typing."},
		"enter": {"type": "boolean", "description": "Press Return after typing."}
	},
	"required": ["text"],
	"additionalProperties": false
}`

func newTypeTool() *computerTool {
	return &computerTool{
		def: ToolDefinition{
			Name:        ToolType,
			Description: "Type text, optionally clicking an input field first, overwriting its content, and pressing Return.",
			Parameters:  []byte(typeSchema),
		},
		schema: mustSchema(ToolType, typeSchema),
		validate: func(raw json.RawMessage) error {
			var a typeArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			if (a.ImageID != nil) != (a.ElementDescription != "") {
				return fmt.Errorf("image_id and element_description must be provided together")
			}
			return nil
		},
		ground: func(ctx context.Context, env *GroundEnv, original FunctionCall) (ComputerArgs, func(SaveImage) ([]Part, error), error) {
			var a typeArgs
			if err := json.Unmarshal(original.Args, &a); err != nil {
				return ComputerArgs{}, nil, err
			}

			args := ComputerArgs{
				Action:    ActionType,
				Text:      a.Text,
				Overwrite: a.Overwrite,
				Enter:     a.Enter,
			}
			var grounded *Grounding
			if a.ImageID != nil {
				g, err := env.Detect(ctx, *a.ImageID, a.ElementDescription)
				if err != nil {
					return ComputerArgs{}, nil, err
				}
				grounded = &g
				args.Coordinate = []int{g.Point.X, g.Point.Y}
			}

			describe := func(save SaveImage) ([]Part, error) {
				label := fmt.Sprintf("Type: %q", a.Text)
				if a.Overwrite {
					label += " (overwriting existing content)"
				}
				if a.Enter {
					label += " then press Return"
				}
				parts := []Part{{Text: label}}
				if grounded != nil {
					annotated, err := env.Tiler.HighlightBox(env.Screenshot, grounded.Tile, grounded.Box, HighlightStyle{})
					if err != nil {
						return nil, err
					}
					imgPart, err := annotationPart(annotated, original.ID, save)
					if err != nil {
						return nil, err
					}
					parts = append(parts, Part{Text: "into: " + a.ElementDescription}, imgPart)
				}
				return parts, nil
			}
			return args, describe, nil
		},
	}
}

// --- drag_and_drop ---

type dragArgs struct {
	StartingImageID     int      `json:"starting_image_id"`
	StartingDescription string   `json:"starting_description"`
	EndingImageID       int      `json:"ending_image_id"`
	EndingDescription   string   `json:"ending_description"`
	HoldKeys            []string `json:"hold_keys"`
}

const dragSchema = `{
	"type": "object",
	"properties": {
		"starting_image_id": {"type": "integer", "minimum": 0, "description": "Index of the cropped screenshot containing the drag source."},
		"starting_description": {"type": "string", "description": "Visual description of the drag source."},
		"ending_image_id": {"type": "integer", "minimum": 0, "description": "Index of the cropped screenshot containing the drop target."},
		"ending_description": {"type": "string", "description": "Visual description of the drop target."},
		"hold_keys": {"type": "array", "items": {"type": "string"}, "description": "Modifier keys held during the drag."}
	},
	"required": ["starting_image_id", "starting_description", "ending_image_id", "ending_description"],
	"additionalProperties": false
}`

func newDragAndDropTool() *computerTool {
	return &computerTool{
		def: ToolDefinition{
			Name:        ToolDragAndDrop,
			Description: "Drag an element and drop it on a target. Describe both elements and the cropped screenshots they appear in.",
			Parameters:  []byte(dragSchema),
		},
		schema: mustSchema(ToolDragAndDrop, dragSchema),
		ground: func(ctx context.Context, env *GroundEnv, original FunctionCall) (ComputerArgs, func(SaveImage) ([]Part, error), error) {
			var a dragArgs
			if err := json.Unmarshal(original.Args, &a); err != nil {
				return ComputerArgs{}, nil, err
			}

			from, err := env.Detect(ctx, a.StartingImageID, a.StartingDescription)
			if err != nil {
				return ComputerArgs{}, nil, err
			}
			to, err := env.Detect(ctx, a.EndingImageID, a.EndingDescription)
			if err != nil {
				return ComputerArgs{}, nil, err
			}

			args := ComputerArgs{
				Action:           ActionDragAndDrop,
				Coordinate:       []int{from.Point.X, from.Point.Y},
				TargetCoordinate: []int{to.Point.X, to.Point.Y},
				HoldKeys:         a.HoldKeys,
			}
			describe := func(save SaveImage) ([]Part, error) {
				annotated, err := env.Tiler.HighlightArrow(env.Screenshot,
					Anchor{Tile: from.Tile, Box: from.Box},
					Anchor{Tile: to.Tile, Box: to.Box},
					HighlightStyle{})
				if err != nil {
					return nil, err
				}
				imgPart, err := annotationPart(annotated, original.ID, save)
				if err != nil {
					return nil, err
				}
				label := fmt.Sprintf("Drag %q to %q", a.StartingDescription, a.EndingDescription)
				return []Part{{Text: label}, imgPart}, nil
			}
			return args, describe, nil
		},
	}
}

// --- key ---

type keyArgs struct {
	Keys         []string `json:"keys"`
	HoldDuration float64  `json:"hold_duration"`
}

const keySchema = `{
	"type": "object",
	"properties": {
		"keys": {"type": "array", "items": {"type": "string"}, "minItems": 1, "description": "Keys to press together, e.g. [\"ctrl\", \"s\"]."},
		"hold_duration": {"type": "number", "minimum": 0, "description": "Seconds to hold the keys down."}
	},
	"required": ["keys"],
	"additionalProperties": false
}`

func newKeyTool() *computerTool {
	return &computerTool{
		def: ToolDefinition{
			Name:        ToolKey,
			Description: "Press one or more keys simultaneously, optionally holding them for a duration.",
			Parameters:  []byte(keySchema),
		},
		schema: mustSchema(ToolKey, keySchema),
		ground: func(ctx context.Context, env *GroundEnv, original FunctionCall) (ComputerArgs, func(SaveImage) ([]Part, error), error) {
			var a keyArgs
			if err := json.Unmarshal(original.Args, &a); err != nil {
				return ComputerArgs{}, nil, err
			}
			args := ComputerArgs{Action: ActionKey, Keys: a.Keys, HoldDuration: a.HoldDuration}
			describe := func(SaveImage) ([]Part, error) {
				label := fmt.Sprintf("Press keys: %v", a.Keys)
				if a.HoldDuration > 0 {
					label += fmt.Sprintf(" (hold %gs)", a.HoldDuration)
				}
				return []Part{{Text: label}}, nil
			}
			return args, describe, nil
		},
	}
}

// --- wait ---

type waitArgs struct {
	Time float64 `json:"time"`
}

const waitSchema = `{
	"type": "object",
	"properties": {
		"time": {"type": "number", "minimum": 0, "description": "Seconds to wait."}
	},
	"required": ["time"],
	"additionalProperties": false
}`

func newWaitTool() *computerTool {
	return &computerTool{
		def: ToolDefinition{
			Name:        ToolWait,
			Description: "Wait for the given number of seconds, e.g. for a page to load.",
			Parameters:  []byte(waitSchema),
		},
		schema: mustSchema(ToolWait, waitSchema),
		ground: func(ctx context.Context, env *GroundEnv, original FunctionCall) (ComputerArgs, func(SaveImage) ([]Part, error), error) {
			var a waitArgs
			if err := json.Unmarshal(original.Args, &a); err != nil {
				return ComputerArgs{}, nil, err
			}
			args := ComputerArgs{Action: ActionWait, Time: a.Time}
			describe := func(SaveImage) ([]Part, error) {
				return []Part{{Text: fmt.Sprintf("Wait %gs", a.Time)}}, nil
			}
			return args, describe, nil
		},
	}
}

// --- scroll (not registered) ---

type scrollArgs struct {
	ImageID            int    `json:"image_id"`
	ElementDescription string `json:"element_description"`
	ScrollDirection    string `json:"scroll_direction"`
	ScrollAmount       int    `json:"scroll_amount"`
}

const scrollSchema = `{
	"type": "object",
	"properties": {
		"image_id": {"type": "integer", "minimum": 0, "description": "Index of the cropped screenshot containing the area to scroll."},
		"element_description": {"type": "string", "description": "Visual description of the area to scroll over."},
		"scroll_direction": {"type": "string", "enum": ["up", "down", "left", "right"], "description": "Direction to scroll."},
		"scroll_amount": {"type": "integer", "minimum": 1, "description": "Number of scroll steps. Defaults to 3."}
	},
	"required": ["image_id", "element_description", "scroll_direction"],
	"additionalProperties": false
}`

// newScrollTool is fully functional but kept out of NewCatalog: scrolling is
// disabled for the planner until its interaction with tiled grounding is
// settled.
func newScrollTool() *computerTool {
	return &computerTool{
		def: ToolDefinition{
			Name:        ToolScroll,
			Description: "Scroll over a UI area in a direction.",
			Parameters:  []byte(scrollSchema),
		},
		schema: mustSchema(ToolScroll, scrollSchema),
		ground: func(ctx context.Context, env *GroundEnv, original FunctionCall) (ComputerArgs, func(SaveImage) ([]Part, error), error) {
			var a scrollArgs
			if err := json.Unmarshal(original.Args, &a); err != nil {
				return ComputerArgs{}, nil, err
			}
			if a.ScrollAmount == 0 {
				a.ScrollAmount = 3
			}

			g, err := env.Detect(ctx, a.ImageID, a.ElementDescription)
			if err != nil {
				return ComputerArgs{}, nil, err
			}

			args := ComputerArgs{
				Action:          ActionScroll,
				Coordinate:      []int{g.Point.X, g.Point.Y},
				ScrollDirection: a.ScrollDirection,
				ScrollAmount:    a.ScrollAmount,
			}
			describe := func(save SaveImage) ([]Part, error) {
				annotated, err := env.Tiler.HighlightBox(env.Screenshot, g.Tile, g.Box, HighlightStyle{})
				if err != nil {
					return nil, err
				}
				imgPart, err := annotationPart(annotated, original.ID, save)
				if err != nil {
					return nil, err
				}
				label := fmt.Sprintf("Scroll %s (%d steps) over: %s", a.ScrollDirection, a.ScrollAmount, a.ElementDescription)
				return []Part{{Text: label}, imgPart}, nil
			}
			return args, describe, nil
		},
	}
}
