package scout

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	xdraw "golang.org/x/image/draw"
)

// TileSize is the edge of the square tiles sent to the LLM.
const TileSize = 768

var (
	defaultStroke  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	vignetteShade  = color.RGBA{A: 128}
	defaultStrokeW = 3
)

// Tiler extracts LLM-ready tiles from a screenshot and renders highlight
// overlays on it. A Tiler is bound to the Geometry computed for one capture.
type Tiler struct {
	geo Geometry
}

// NewTiler binds a Tiler to a screenshot geometry.
func NewTiler(g Geometry) *Tiler {
	return &Tiler{geo: g}
}

// Tiles crops the geometry's squares out of img and re-samples each to
// 768×768, returning PNG encodings in tile order. The image resolution must
// match the geometry the Tiler was built with.
func (t *Tiler) Tiles(img image.Image) ([][]byte, error) {
	b := img.Bounds()
	if b.Dx() != t.geo.Width || b.Dy() != t.geo.Height {
		return nil, fmt.Errorf("image resolution %dx%d does not match geometry %dx%d",
			b.Dx(), b.Dy(), t.geo.Width, t.geo.Height)
	}

	tiles := make([][]byte, 0, t.geo.Tiles())
	for i := range t.geo.Starts {
		src, err := t.geo.Rect(i)
		if err != nil {
			return nil, err
		}
		dst := image.NewRGBA(image.Rect(0, 0, TileSize, TileSize))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, src.Add(b.Min), xdraw.Src, nil)

		var buf bytes.Buffer
		if err := png.Encode(&buf, dst); err != nil {
			return nil, fmt.Errorf("encode tile %d: %w", i, err)
		}
		tiles = append(tiles, buf.Bytes())
	}
	return tiles, nil
}

// ToScreenCoord maps a normalized box on tile i to the screen coordinate of
// its integer-floor center.
func (t *Tiler) ToScreenCoord(i int, b Box) (image.Point, error) {
	cx, cy := b.Center()
	return t.geo.ToScreen(i, cx, cy)
}

// HighlightStyle configures overlay rendering.
type HighlightStyle struct {
	// Stroke is the border color. Defaults to white.
	Stroke color.Color
	// Width is the border and line thickness in pixels. Defaults to 3.
	Width int
	// Line is the arrow color. Defaults to Stroke.
	Line color.Color
}

func (s HighlightStyle) resolve() HighlightStyle {
	if s.Stroke == nil {
		s.Stroke = defaultStroke
	}
	if s.Width <= 0 {
		s.Width = defaultStrokeW
	}
	if s.Line == nil {
		s.Line = s.Stroke
	}
	return s
}

// HighlightBox returns a copy of img dimmed everywhere except the
// de-normalized rectangle of box b on tile i, with a stroked border around
// the exposed region.
func (t *Tiler) HighlightBox(img image.Image, i int, b Box, style HighlightStyle) (image.Image, error) {
	rect, err := t.geo.DenormBox(i, b)
	if err != nil {
		return nil, err
	}
	style = style.resolve()

	dst := t.vignette(img, rect)
	strokeRect(dst, rect.Add(img.Bounds().Min), style.Stroke, style.Width)
	return dst, nil
}

// Anchor names a normalized box on a specific tile.
type Anchor struct {
	Tile int
	Box  Box
}

// HighlightArrow returns a copy of img dimmed everywhere except the two
// anchor rectangles, with both stroked and an arrow drawn from the center of
// the first to the center of the second.
func (t *Tiler) HighlightArrow(img image.Image, from, to Anchor, style HighlightStyle) (image.Image, error) {
	fromRect, err := t.geo.DenormBox(from.Tile, from.Box)
	if err != nil {
		return nil, err
	}
	toRect, err := t.geo.DenormBox(to.Tile, to.Box)
	if err != nil {
		return nil, err
	}
	style = style.resolve()

	dst := t.vignette(img, fromRect, toRect)
	off := img.Bounds().Min
	strokeRect(dst, fromRect.Add(off), style.Stroke, style.Width)
	strokeRect(dst, toRect.Add(off), style.Stroke, style.Width)

	start := rectCenter(fromRect).Add(off)
	end := rectCenter(toRect).Add(off)
	drawArrow(dst, start, end, style.Line, style.Width)
	return dst, nil
}

// vignette copies img and overlays black at 50% opacity everywhere outside
// the exposed rectangles.
func (t *Tiler) vignette(img image.Image, exposed ...image.Rectangle) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	draw.Draw(dst, b, image.NewUniform(vignetteShade), image.Point{}, draw.Over)
	for _, r := range exposed {
		r = r.Add(b.Min).Intersect(b)
		if !r.Empty() {
			draw.Draw(dst, r, img, r.Min, draw.Src)
		}
	}
	return dst
}

func rectCenter(r image.Rectangle) image.Point {
	return image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
}

// strokeRect draws a rectangle outline of the given thickness, clipped to
// the image bounds.
func strokeRect(dst *image.RGBA, r image.Rectangle, c color.Color, w int) {
	src := image.NewUniform(c)
	bars := []image.Rectangle{
		image.Rect(r.Min.X-w, r.Min.Y-w, r.Max.X+w, r.Min.Y), // top
		image.Rect(r.Min.X-w, r.Max.Y, r.Max.X+w, r.Max.Y+w), // bottom
		image.Rect(r.Min.X-w, r.Min.Y, r.Min.X, r.Max.Y),     // left
		image.Rect(r.Max.X, r.Min.Y, r.Max.X+w, r.Max.Y),     // right
	}
	for _, bar := range bars {
		bar = bar.Intersect(dst.Bounds())
		if !bar.Empty() {
			draw.Draw(dst, bar, src, image.Point{}, draw.Over)
		}
	}
}

// drawArrow draws a thick line from start to end with an arrowhead at end.
func drawArrow(dst *image.RGBA, start, end image.Point, c color.Color, w int) {
	drawLine(dst, start, end, c, w)

	angle := math.Atan2(float64(end.Y-start.Y), float64(end.X-start.X))
	const headLen = 14.0
	const headSpread = 0.5 // radians off the shaft
	for _, a := range []float64{angle + math.Pi - headSpread, angle + math.Pi + headSpread} {
		wing := image.Pt(
			end.X+int(math.Round(headLen*math.Cos(a))),
			end.Y+int(math.Round(headLen*math.Sin(a))),
		)
		drawLine(dst, end, wing, c, w)
	}
}

// drawLine rasterizes a line by stamping a w-sized square at each step.
func drawLine(dst *image.RGBA, a, b image.Point, c color.Color, w int) {
	src := image.NewUniform(c)
	dx, dy := b.X-a.X, b.Y-a.Y
	steps := max(abs(dx), abs(dy))
	if steps == 0 {
		steps = 1
	}
	half := w / 2
	for i := 0; i <= steps; i++ {
		x := a.X + dx*i/steps
		y := a.Y + dy*i/steps
		dot := image.Rect(x-half, y-half, x-half+w, y-half+w).Intersect(dst.Bounds())
		if !dot.Empty() {
			draw.Draw(dst, dot, src, image.Point{}, draw.Over)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
