package scout

import (
	"fmt"
	"image"
	"math"
)

// Tiling directions along the screenshot's long axis.
const (
	DirectionHorizontal = "horizontal"
	DirectionVertical   = "vertical"
)

// Box is a normalized bounding box in [0, 1000] coordinate space,
// ordered [ymin, xmin, ymax, xmax] as the detection model emits it.
type Box [4]int

// Ymin, Xmin, Ymax, Xmax accessors for the fixed element order.
func (b Box) Ymin() int { return b[0] }
func (b Box) Xmin() int { return b[1] }
func (b Box) Ymax() int { return b[2] }
func (b Box) Xmax() int { return b[3] }

// Center returns the integer-floor midpoint of the box as a normalized
// (cx, cy) point.
func (b Box) Center() (cx, cy int) {
	return (b.Xmin() + b.Xmax()) / 2, (b.Ymin() + b.Ymax()) / 2
}

// Validate checks the detection-model contract: every coordinate in
// [0, 1000], ymin strictly below ymax and xmin strictly below xmax.
func (b Box) Validate() error {
	for i, v := range b {
		if v < 0 || v > 1000 {
			return fmt.Errorf("box coordinate %d out of range [0, 1000]: %d", i, v)
		}
	}
	if b.Ymin() >= b.Ymax() {
		return fmt.Errorf("box ymin (%d) must be less than ymax (%d)", b.Ymin(), b.Ymax())
	}
	if b.Xmin() >= b.Xmax() {
		return fmt.Errorf("box xmin (%d) must be less than xmax (%d)", b.Xmin(), b.Xmax())
	}
	return nil
}

// Geometry is the deterministic tiling of one screenshot. It is computed
// fresh for every capture and never reused across turns: the tile layout is
// a pure function of the resolution.
type Geometry struct {
	// Width and Height are the screenshot's native resolution.
	Width  int
	Height int
	// Side is the square tile edge, min(Width, Height).
	Side int
	// Direction is the long axis the tiles step along.
	Direction string
	// Starts holds the top-left corner of each tile, in order.
	Starts []image.Point
}

// NewGeometry computes the tiling for a screenshot of the given resolution.
// Tiles are squares of side min(w, h) stepping by round(side/2) along the
// long axis, with a final start pinned at (long − side) when that lies
// strictly past the last step. A square image yields the single tile (0,0).
func NewGeometry(w, h int) (Geometry, error) {
	if w <= 0 || h <= 0 {
		return Geometry{}, fmt.Errorf("invalid screenshot resolution %dx%d", w, h)
	}
	g := Geometry{Width: w, Height: h, Side: min(w, h), Direction: DirectionHorizontal}
	if w > h {
		g.Direction = DirectionVertical
	}

	long := max(w, h)
	step := int(math.Round(float64(g.Side) * 0.5))
	last := 0
	for pos := 0; pos+g.Side <= long; pos += step {
		g.Starts = append(g.Starts, g.point(pos))
		last = pos
		if step == 0 {
			break
		}
	}
	if tail := long - g.Side; tail > last {
		g.Starts = append(g.Starts, g.point(tail))
	}
	return g, nil
}

func (g Geometry) point(pos int) image.Point {
	if g.Direction == DirectionVertical {
		return image.Pt(pos, 0)
	}
	return image.Pt(0, pos)
}

// Tiles returns the number of tiles in the layout.
func (g Geometry) Tiles() int { return len(g.Starts) }

// ToScreen maps a normalized point (cx, cy) in [0, 1000] on tile index i to
// an absolute screen coordinate.
func (g Geometry) ToScreen(i, cx, cy int) (image.Point, error) {
	if i < 0 || i >= len(g.Starts) {
		return image.Point{}, fmt.Errorf("tile index %d out of range [0, %d)", i, len(g.Starts))
	}
	o := g.Starts[i]
	x := o.X + int(math.Round(float64(cx)*float64(g.Side)/1000))
	y := o.Y + int(math.Round(float64(cy)*float64(g.Side)/1000))
	return image.Pt(x, y), nil
}

// DenormBox maps a normalized box on tile index i to an absolute screen
// rectangle.
func (g Geometry) DenormBox(i int, b Box) (image.Rectangle, error) {
	minPt, err := g.ToScreen(i, b.Xmin(), b.Ymin())
	if err != nil {
		return image.Rectangle{}, err
	}
	maxPt, err := g.ToScreen(i, b.Xmax(), b.Ymax())
	if err != nil {
		return image.Rectangle{}, err
	}
	return image.Rectangle{Min: minPt, Max: maxPt}, nil
}

// Rect returns the source rectangle of tile index i in screen coordinates.
func (g Geometry) Rect(i int) (image.Rectangle, error) {
	if i < 0 || i >= len(g.Starts) {
		return image.Rectangle{}, fmt.Errorf("tile index %d out of range [0, %d)", i, len(g.Starts))
	}
	o := g.Starts[i]
	return image.Rect(o.X, o.Y, o.X+g.Side, o.Y+g.Side), nil
}
