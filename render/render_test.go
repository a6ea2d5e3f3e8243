package render

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	overlay "github.com/pathviz/slide-overlay"
	"github.com/pathviz/slide-overlay/colormap"
)

func testCanvas() *overlay.Canvas {
	e := &overlay.PredictionEntry{
		Level:   2,
		Probs:   []float32{0.5, 1},
		Patches: []overlay.PatchRecord{{Y: 0, X: 0}, {Y: 2, X: 2}},
	}
	return overlay.Rasterize(overlay.Size{Width: 4, Height: 4}, e, 2)
}

func TestEncodeMask(t *testing.T) {
	img, err := Encode(testCanvas(), Opts{ColorMap: colormap.TwoToneName, AlphaMode: colormap.AlphaMask, Opacity: 160})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 4, 4) {
		t.Fatalf("bounds %v, expected 4x4", img.Bounds())
	}
	if c := img.NRGBAAt(0, 0); c != (color.NRGBA{127, 0, 128, 160}) {
		t.Errorf("pixel (0,0) = %v", c)
	}
	if c := img.NRGBAAt(3, 3); c != (color.NRGBA{255, 0, 0, 160}) {
		t.Errorf("pixel (3,3) = %v", c)
	}
	// Uncovered, value 0: blue with alpha 0.
	if c := img.NRGBAAt(3, 0); c != (color.NRGBA{0, 0, 255, 0}) {
		t.Errorf("uncovered pixel (3,0) = %v", c)
	}
}

func TestEncodeValue(t *testing.T) {
	img, err := Encode(testCanvas(), Opts{ColorMap: colormap.HeatmapName, AlphaMode: colormap.AlphaValue, Opacity: 160})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if a := img.NRGBAAt(0, 0).A; a != 100 {
		t.Errorf("alpha at 0.5 = %d, expected 100", a)
	}
	if a := img.NRGBAAt(3, 3).A; a != colormap.MaxValueAlpha {
		t.Errorf("alpha at 1 = %d, expected %d", a, colormap.MaxValueAlpha)
	}
	if a := img.NRGBAAt(0, 3).A; a != 0 {
		t.Errorf("alpha of uncovered pixel = %d, expected 0", a)
	}
}

func TestEncodeBadOpts(t *testing.T) {
	if _, err := Encode(testCanvas(), Opts{ColorMap: "grey", AlphaMode: colormap.AlphaMask}); err == nil {
		t.Errorf("missing error for unknown colour map")
	}
	if _, err := Encode(testCanvas(), Opts{ColorMap: colormap.TwoToneName, AlphaMode: "none"}); err == nil {
		t.Errorf("missing error for unknown alpha mode")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	img, err := Encode(testCanvas(), Opts{ColorMap: colormap.TwoToneName, AlphaMode: colormap.AlphaMask, Opacity: 180})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "overlay.png")
	if err := Save(path, img); err != nil {
		t.Fatalf("save: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decoding png: %v", err)
	}
	got := color.NRGBAModel.Convert(dec.At(0, 0)).(color.NRGBA)
	if got != img.NRGBAAt(0, 0) {
		t.Errorf("decoded pixel %v, expected %v", got, img.NRGBAAt(0, 0))
	}
}

func TestLegend(t *testing.T) {
	img, err := Legend(colormap.TwoToneName, 256, 16)
	if err != nil {
		t.Fatalf("legend: %v", err)
	}
	if img.Bounds().Dx() != 256 || img.Bounds().Dy() != 16 {
		t.Fatalf("legend bounds %v", img.Bounds())
	}
	if c := img.NRGBAAt(0, 8); c != colormap.TwoTone(0) {
		t.Errorf("left of legend = %v, expected %v", c, colormap.TwoTone(0))
	}
	if c := img.NRGBAAt(255, 8); c != colormap.TwoTone(1) {
		t.Errorf("right of legend = %v, expected %v", c, colormap.TwoTone(1))
	}
	if _, err := Legend(colormap.TwoToneName, 1, 1); err == nil {
		t.Errorf("missing error for tiny legend")
	}
}

func TestSmooth(t *testing.T) {
	e := &overlay.PredictionEntry{
		Level:   2,
		Probs:   []float32{1},
		Patches: []overlay.PatchRecord{{Y: 0, X: 0}},
	}
	c := overlay.Rasterize(overlay.Size{Width: 8, Height: 8}, e, 4)
	counts := append([]int32(nil), c.Counts...)

	Smooth(c, 0)
	if v := c.Value(3, 3); v != 1 {
		t.Errorf("sigma 0 changed value at (3,3) to %v", v)
	}

	Smooth(c, 1.5)
	if !reflect.DeepEqual(c.Counts, counts) {
		t.Errorf("Smooth changed counts")
	}
	if v := c.Value(0, 0); v <= 0 || v > 1 {
		t.Errorf("smoothed value at (0,0) = %v", v)
	}
	if v := c.Value(3, 3); v >= 1 {
		t.Errorf("value at patch corner (3,3) = %v, expected < 1 after blur", v)
	}
	for _, pt := range [][2]int{{0, 4}, {4, 0}, {4, 4}, {7, 7}} {
		if v := c.Value(pt[0], pt[1]); v != 0 {
			t.Errorf("uncovered value at %v = %v, expected 0", pt, v)
		}
	}

	img, err := Encode(c, Opts{ColorMap: colormap.TwoToneName, AlphaMode: colormap.AlphaMask, Opacity: 160})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			exp := uint8(0)
			if y < 4 && x < 4 {
				exp = 160
			}
			if a := img.NRGBAAt(x, y).A; a != exp {
				t.Errorf("alpha at (%d,%d) = %d, expected %d", y, x, a, exp)
			}
		}
	}
}

func TestPreview(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	p := Preview(img, 10)
	if p.Bounds().Dx() != 10 || p.Bounds().Dy() != 5 {
		t.Errorf("preview size %v, expected 10x5", p.Bounds().Size())
	}
}
