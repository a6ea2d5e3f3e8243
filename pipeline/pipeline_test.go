package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	overlay "github.com/pathviz/slide-overlay"
	"github.com/pathviz/slide-overlay/colormap"
)

const testDZI = `<?xml version="1.0" encoding="UTF-8"?>
<Image xmlns="http://schemas.microsoft.com/deepzoom/2008" Format="jpeg" Overlap="1" TileSize="254">
  <Size Height="6" Width="8"/>
</Image>`

const testPredictions = `{
	"test_001": {
		"level": 2,
		"probs": [0.2, 0.8, 0.9],
		"patches": [[0, 0, false], [2, 2, true], [50, 50, true]]
	},
	"test_bad_level": {"level": 3, "probs": [], "patches": []}
}`

func setup(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	preds := filepath.Join(dir, "preds.json")
	dzi := filepath.Join(dir, "base.dzi")
	if err := os.WriteFile(preds, []byte(testPredictions), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dzi, []byte(testDZI), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.PredictionsPath = preds
	cfg.SlideID = "test_001"
	cfg.DescriptorPath = dzi
	cfg.OutDir = filepath.Join(dir, "out")
	cfg.PatchSize = 4
	return cfg
}

func TestRun(t *testing.T) {
	cfg := setup(t)
	cfg.Manifest = true
	cfg.Legend = true
	cfg.Preview = 4

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Size != (overlay.Size{Width: 8, Height: 6}) {
		t.Errorf("size %v", res.Size)
	}
	if res.Patches != 3 || res.Skipped != 1 || res.Tumour != 2 {
		t.Errorf("patches %d, skipped %d, tumour %d", res.Patches, res.Skipped, res.Tumour)
	}
	// 4x4 at (0,0) and 4x4 at (2,2), overlapping in 2x2.
	if res.Covered != 28 {
		t.Errorf("covered %d, expected 28", res.Covered)
	}
	exp := "Saved overlay: " + filepath.Join(cfg.OutDir, OverlayFile) + " (8x6), alpha_mode=mask"
	if res.String() != exp {
		t.Errorf("confirmation %q, expected %q", res.String(), exp)
	}
	if res.Confusion == nil || res.Confusion.TP != 2 || res.Confusion.TN != 1 {
		t.Errorf("confusion %+v", res.Confusion)
	}

	entries, err := os.ReadDir(cfg.OutDir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	expNames := []string{GroundTruthFile, LegendFile, ManifestFile, OverlayFile, PreviewFile, PatchesIndexFile}
	if !reflect.DeepEqual(names, expNames) {
		t.Errorf("output files %v, expected %v", names, expNames)
	}

	f, err := os.Open(res.OverlayPath)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(f)
	f.Close()
	if err != nil {
		t.Fatalf("decoding overlay: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 6 {
		t.Errorf("overlay bounds %v", b)
	}
	if _, _, _, a := img.At(7, 0).RGBA(); a != 0 {
		t.Errorf("uncovered pixel has alpha %d", a)
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a>>8 != DefaultOpacity {
		t.Errorf("covered pixel has alpha %d, expected %d", a>>8, DefaultOpacity)
	}

	var gt overlay.GroundTruth
	readJSON(t, filepath.Join(cfg.OutDir, GroundTruthFile), &gt)
	if !reflect.DeepEqual(gt.Tumour, []overlay.Point{{2, 2}, {50, 50}}) || gt.ImageSize != [2]int{6, 8} {
		t.Errorf("ground truth %+v", gt)
	}

	var m overlay.Manifest
	readJSON(t, filepath.Join(cfg.OutDir, ManifestFile), &m)
	if m.Base.DZI != "../base.dzi" || m.Overlay.DZI != "./overlay.dzi" || m.PatchesIndex != "./"+PatchesIndexFile || m.RunID != res.RunID {
		t.Errorf("manifest %+v", m)
	}
}

func readJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		t.Fatalf("decoding %s: %v", path, err)
	}
}

func TestRunWithoutIndex(t *testing.T) {
	cfg := setup(t)
	cfg.Index = false
	cfg.AlphaMode = colormap.AlphaValue
	cfg.ColorMap = colormap.HeatmapName
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Files) != 1 || res.Confusion != nil {
		t.Errorf("files %v, confusion %v: expected only the overlay", res.Files, res.Confusion)
	}
	if !strings.HasSuffix(res.String(), "alpha_mode=value") {
		t.Errorf("confirmation %q", res.String())
	}
}

func TestRunBlurKeepsMask(t *testing.T) {
	cfg := setup(t)
	cfg.Index = false
	cfg.Blur = 1.5
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	f, err := os.Open(res.OverlayPath)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(f)
	f.Close()
	if err != nil {
		t.Fatalf("decoding overlay: %v", err)
	}
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			covered := (y < 4 && x < 4) || (y >= 2 && x >= 2 && x < 6)
			exp := uint32(0)
			if covered {
				exp = DefaultOpacity
			}
			if _, _, _, a := img.At(x, y).RGBA(); a>>8 != exp {
				t.Errorf("alpha at (%d,%d) = %d, expected %d", y, x, a>>8, exp)
			}
		}
	}
}

func TestRunFatalErrorsWriteNothing(t *testing.T) {
	cfg := setup(t)

	cfg.SlideID = "test_missing"
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background()); !errors.Is(err, overlay.ErrKeyNotFound) {
		t.Errorf("missing slide: got %v, expected ErrKeyNotFound", err)
	}
	if _, err := os.Stat(cfg.OutDir); !os.IsNotExist(err) {
		t.Errorf("output dir exists after failed run: %v", err)
	}

	cfg.SlideID = "test_bad_level"
	p, _ = New(cfg)
	if _, err := p.Run(context.Background()); !errors.Is(err, overlay.ErrInvalidLevel) {
		t.Errorf("bad level: got %v, expected ErrInvalidLevel", err)
	}

	cfg.SlideID = "test_001"
	if err := os.WriteFile(cfg.DescriptorPath, []byte("<Image"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, _ = New(cfg)
	if _, err := p.Run(context.Background()); !errors.Is(err, overlay.ErrMalformedDescriptor) {
		t.Errorf("bad descriptor: got %v, expected ErrMalformedDescriptor", err)
	}
	if _, err := os.Stat(cfg.OutDir); !os.IsNotExist(err) {
		t.Errorf("output dir exists after failed run: %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := setup(t)
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, expected context.Canceled", err)
	}
}

func TestConfigValidate(t *testing.T) {
	base := setup(t)
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}
	bad := []func(c *Config){
		func(c *Config) { c.PredictionsPath = "" },
		func(c *Config) { c.SlideID = "" },
		func(c *Config) { c.DescriptorPath = "" },
		func(c *Config) { c.OutDir = "" },
		func(c *Config) { c.PatchSize = 0 },
		func(c *Config) { c.Opacity = 256 },
		func(c *Config) { c.Opacity = -1 },
		func(c *Config) { c.AlphaMode = "both" },
		func(c *Config) { c.ColorMap = "grey" },
		func(c *Config) { c.Preview = -1 },
		func(c *Config) { c.Blur = -0.5 },
		func(c *Config) { c.Threshold = 1.5 },
	}
	for i, fn := range bad {
		c := base
		fn(&c)
		if _, err := New(c); err == nil {
			t.Errorf("case %d: missing error for %+v", i, c)
		}
	}
}
