// Package pipeline runs the overlay conversion for one slide: load
// predictions, read the canvas size, rasterize, encode, and write the overlay
// and its index files.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	overlay "github.com/pathviz/slide-overlay"
	"github.com/pathviz/slide-overlay/colormap"
	"github.com/pathviz/slide-overlay/render"

	"github.com/google/uuid"
)

// Output file names, relative to Config.OutDir.
const (
	OverlayFile      = "overlay.png"
	GroundTruthFile  = "gt_patches.json"
	PatchesIndexFile = "patches_index.json"
	ManifestFile     = "manifest.json"
	LegendFile       = "legend.png"
	PreviewFile      = "overlay_preview.png"
)

// DefaultOpacity is the mask mode alpha of covered pixels.
const DefaultOpacity = 160

// Config holds everything a run needs. Use DefaultConfig for the defaults
// and New to validate.
type Config struct {
	PredictionsPath string // Pickle, or JSON if the name ends in .json.
	SlideID         string
	DescriptorPath  string // Deep-zoom descriptor of the level 2 base image.
	OutDir          string // Created if absent.

	PatchSize int // Patch side in level 2 pixels, > 0.
	AlphaMode colormap.AlphaMode
	Opacity   int // 0..255, mask mode only.
	ColorMap  colormap.Name

	Index      bool    // Write gt_patches.json and patches_index.json.
	Manifest   bool    // Write manifest.json for the viewer.
	OverlayDZI string  // Overlay pyramid descriptor referenced by the manifest.
	Legend     bool    // Write legend.png.
	Preview    int     // If > 0, write overlay_preview.png fitting Preview×Preview.
	Blur       float64 // Gaussian sigma applied to the values before encoding, 0 disables.
	Threshold  float64 // Decision threshold for the FP/FN summary, 0..1.

	Verbose bool
}

// DefaultConfig returns a config with all optional fields at their defaults.
func DefaultConfig() Config {
	return Config{
		PatchSize:  overlay.DefaultPatchSize,
		AlphaMode:  colormap.AlphaMask,
		Opacity:    DefaultOpacity,
		ColorMap:   colormap.TwoToneName,
		Index:      true,
		OverlayDZI: "./overlay.dzi",
		Threshold:  0.5,
	}
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	switch {
	case c.PredictionsPath == "":
		return fmt.Errorf("missing predictions path")
	case c.SlideID == "":
		return fmt.Errorf("missing slide id")
	case c.DescriptorPath == "":
		return fmt.Errorf("missing base descriptor path")
	case c.OutDir == "":
		return fmt.Errorf("missing output dir")
	case c.PatchSize <= 0:
		return fmt.Errorf("patch size must be > 0, got %d", c.PatchSize)
	case c.Opacity < 0 || c.Opacity > 255:
		return fmt.Errorf("opacity must be in 0..255, got %d", c.Opacity)
	case c.Preview < 0:
		return fmt.Errorf("preview size must be >= 0, got %d", c.Preview)
	case c.Blur < 0:
		return fmt.Errorf("blur sigma must be >= 0, got %v", c.Blur)
	case c.Threshold < 0 || c.Threshold > 1:
		return fmt.Errorf("threshold must be in 0..1, got %v", c.Threshold)
	}
	if _, err := colormap.ParseAlphaMode(string(c.AlphaMode)); err != nil {
		return err
	}
	if _, err := colormap.Lookup(c.ColorMap); err != nil {
		return err
	}
	return nil
}

// Pipeline converts the predictions of one slide. It holds no state between
// runs, so Run can be called again when inputs change.
type Pipeline struct {
	cfg Config
}

// New returns a pipeline for a validated copy of cfg.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}
	return &Pipeline{cfg: cfg}, nil
}

// Config returns the pipeline's configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Result describes a successful run.
type Result struct {
	RunID       string
	OverlayPath string
	Files       []string // All files written, overlay first.
	Size        overlay.Size
	AlphaMode   colormap.AlphaMode
	Patches     int // Paired probabilities and patches.
	Skipped     int // Patches with a corner off the canvas.
	Tumour      int
	Covered     int // Covered pixels.
	Confusion   *overlay.Confusion
	Elapsed     time.Duration
}

// String returns the one-line confirmation printed after a run.
func (r *Result) String() string {
	return fmt.Sprintf("Saved overlay: %s (%s), alpha_mode=%s", r.OverlayPath, r.Size, r.AlphaMode)
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.cfg.Verbose {
		log.Printf(format, args...)
	}
}

// Run performs one conversion. Outputs are staged and only moved into the
// output directory once all of them are written, so a failed run leaves no
// new files behind. The context is checked between stages.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	cfg := p.cfg
	t0 := time.Now()

	entry, err := overlay.LoadEntry(cfg.PredictionsPath, cfg.SlideID)
	if err != nil {
		return nil, err
	}
	p.logf("loaded %d probs and %d patches for %s", len(entry.Probs), len(entry.Patches), cfg.SlideID)
	if len(entry.Probs) != len(entry.Patches) {
		log.Printf("warning: %d probs but %d patches, using the first %d", len(entry.Probs), len(entry.Patches), entry.Pairs())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size, err := overlay.ReadDescriptorSize(cfg.DescriptorPath)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	p.logf("canvas %s from %s", size, cfg.DescriptorPath)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canvas := overlay.Rasterize(size, entry, cfg.PatchSize)
	res := &Result{
		RunID:     uuid.New().String(),
		Size:      size,
		AlphaMode: cfg.AlphaMode,
		Patches:   entry.Pairs(),
		Tumour:    len(canvas.Tumour),
		Covered:   canvas.CoveredCount(),
	}
	for _, rec := range entry.Patches[:entry.Pairs()] {
		if !canvas.Contains(rec.Y, rec.X) {
			res.Skipped++
		}
	}
	p.logf("rasterized %d patches (%d off canvas), %d pixels covered", res.Patches, res.Skipped, res.Covered)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	render.Smooth(canvas, cfg.Blur)
	img, err := render.Encode(canvas, render.Opts{
		ColorMap:  cfg.ColorMap,
		AlphaMode: cfg.AlphaMode,
		Opacity:   uint8(cfg.Opacity),
		Verbose:   cfg.Verbose,
	})
	if err != nil {
		return nil, err
	}

	stage, err := overlay.NewStaging(cfg.OutDir)
	if err != nil {
		return nil, err
	}
	defer stage.Close()

	write := func(name string, fn func(path string) error) error {
		if err := fn(stage.Path(name)); err != nil {
			return fmt.Errorf("writing %s: %v", name, err)
		}
		res.Files = append(res.Files, stage.Final(name))
		return nil
	}
	if err := write(OverlayFile, func(path string) error { return render.Save(path, img) }); err != nil {
		return nil, err
	}
	res.OverlayPath = stage.Final(OverlayFile)

	if cfg.Index {
		gt := overlay.NewGroundTruth(canvas, cfg.PatchSize)
		if err := write(GroundTruthFile, func(path string) error { return overlay.WriteJSONFile(path, gt) }); err != nil {
			return nil, err
		}
		idx := overlay.NewPatchesIndex(size, entry, cfg.PatchSize)
		if err := write(PatchesIndexFile, func(path string) error { return overlay.WriteJSONFile(path, idx) }); err != nil {
			return nil, err
		}
		c := idx.Confusion(cfg.Threshold)
		res.Confusion = &c
		p.logf("%s", c)
	}

	if cfg.Manifest {
		m := overlay.Manifest{
			SlideID: cfg.SlideID,
			RunID:   res.RunID,
			Base:    overlay.ManifestDZI{DZI: manifestPath(cfg.OutDir, cfg.DescriptorPath)},
			Overlay: overlay.ManifestDZI{DZI: cfg.OverlayDZI},
			Canvas:  overlay.ManifestSize{Width: size.Width, Height: size.Height},
		}
		if cfg.Index {
			m.GTIndex = "./" + GroundTruthFile
			m.PatchesIndex = "./" + PatchesIndexFile
		}
		if err := write(ManifestFile, func(path string) error { return overlay.WriteJSONFile(path, m) }); err != nil {
			return nil, err
		}
	}

	if cfg.Legend {
		legend, err := render.Legend(cfg.ColorMap, 256, 16)
		if err != nil {
			return nil, err
		}
		if err := write(LegendFile, func(path string) error { return render.Save(path, legend) }); err != nil {
			return nil, err
		}
	}

	if cfg.Preview > 0 {
		preview := render.Preview(img, cfg.Preview)
		if err := write(PreviewFile, func(path string) error { return render.Save(path, preview) }); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := stage.Commit(); err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(t0)
	p.logf("run %s wrote %d files in %v", res.RunID, len(res.Files), res.Elapsed)
	return res, nil
}

// manifestPath makes the base descriptor path relative to the output
// directory when possible, so the manifest can be served from there.
func manifestPath(outDir, dzi string) string {
	absOut, err1 := filepath.Abs(outDir)
	absDZI, err2 := filepath.Abs(dzi)
	if err1 != nil || err2 != nil {
		return dzi
	}
	rel, err := filepath.Rel(absOut, absDZI)
	if err != nil {
		return dzi
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, "../") {
		rel = "./" + rel
	}
	return rel
}
