package scout

import (
	"bytes"
	"image"
	"image/png"
	"testing"
)

func mustTiler(t *testing.T, w, h int) *Tiler {
	t.Helper()
	g, err := NewGeometry(w, h)
	if err != nil {
		t.Fatal(err)
	}
	return NewTiler(g)
}

func TestTilerTiles(t *testing.T) {
	tiler := mustTiler(t, 200, 100)
	tiles, err := tiler.Tiles(testImage(200, 100))
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 3 {
		t.Fatalf("tiles = %d, want 3", len(tiles))
	}
	for i, data := range tiles {
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("tile %d: decode: %v", i, err)
		}
		b := img.Bounds()
		if b.Dx() != TileSize || b.Dy() != TileSize {
			t.Errorf("tile %d: %dx%d, want %dx%d", i, b.Dx(), b.Dy(), TileSize, TileSize)
		}
	}
}

func TestTilerResolutionMismatch(t *testing.T) {
	tiler := mustTiler(t, 200, 100)
	if _, err := tiler.Tiles(testImage(100, 100)); err == nil {
		t.Error("expected error for mismatched resolution")
	}
}

func TestTilerToScreenCoord(t *testing.T) {
	tiler := mustTiler(t, 200, 100)
	// Tile 2 starts at x=100, side 100. Box center (500, 500) lands at
	// round(500*100/1000) = 50 inside the tile.
	pt, err := tiler.ToScreenCoord(2, Box{400, 400, 600, 600})
	if err != nil {
		t.Fatal(err)
	}
	if pt != image.Pt(150, 50) {
		t.Errorf("point = %v, want (150,50)", pt)
	}
}

func TestHighlightBox(t *testing.T) {
	tiler := mustTiler(t, 100, 100)
	src := testImage(100, 100)
	out, err := tiler.HighlightBox(src, 0, Box{200, 200, 600, 600}, HighlightStyle{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds() != src.Bounds() {
		t.Fatalf("bounds = %v, want %v", out.Bounds(), src.Bounds())
	}

	// The exposed region keeps the source pixels; the outside is dimmed.
	inR, inG, inB, _ := out.At(40, 40).RGBA()
	srcR, srcG, srcB, _ := src.At(40, 40).RGBA()
	if inR != srcR || inG != srcG || inB != srcB {
		t.Error("pixel inside the box should be unchanged")
	}
	outR, _, _, _ := out.At(90, 90).RGBA()
	origR, _, _, _ := src.At(90, 90).RGBA()
	if outR >= origR {
		t.Errorf("pixel outside the box should be dimmed: got %d, source %d", outR, origR)
	}
}

func TestHighlightBoxBadTile(t *testing.T) {
	tiler := mustTiler(t, 100, 100)
	if _, err := tiler.HighlightBox(testImage(100, 100), 5, Box{0, 0, 100, 100}, HighlightStyle{}); err == nil {
		t.Error("expected error for out-of-range tile")
	}
}

func TestHighlightArrow(t *testing.T) {
	tiler := mustTiler(t, 200, 100)
	out, err := tiler.HighlightArrow(testImage(200, 100),
		Anchor{Tile: 0, Box: Box{100, 100, 300, 300}},
		Anchor{Tile: 2, Box: Box{600, 600, 900, 900}},
		HighlightStyle{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds().Dx() != 200 || out.Bounds().Dy() != 100 {
		t.Errorf("bounds = %v, want 200x100", out.Bounds())
	}
}
