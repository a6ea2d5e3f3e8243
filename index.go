package overlay

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	// PatchesSchema identifies the patches index layout.
	PatchesSchema = "patches_v1"

	// ProbScale is the per-mille scale probabilities are quantized to in
	// the patches index.
	ProbScale = 1000
)

// Quantize maps a probability to its integer per-mille value.
func Quantize(p float64) int {
	return int(math.Round(p * ProbScale))
}

// Dequantize reverses Quantize, within 0.5/ProbScale.
func Dequantize(q int) float64 {
	return float64(q) / ProbScale
}

// GroundTruth lists the tumour-flagged patches of a slide.
type GroundTruth struct {
	PatchSize int     `json:"patch_size"`
	ImageSize [2]int  `json:"image_size"` // [H, W]
	Tumour    []Point `json:"tumour"`
}

// NewGroundTruth builds the ground truth document for a rasterized canvas.
func NewGroundTruth(c *Canvas, patchSize int) *GroundTruth {
	gt := &GroundTruth{
		PatchSize: patchSize,
		ImageSize: [2]int{c.Height, c.Width},
		Tumour:    c.Tumour,
	}
	if gt.Tumour == nil {
		gt.Tumour = []Point{}
	}
	return gt
}

// PatchRow is [y, x, quantized prob, tumour as 0 or 1].
type PatchRow [4]int

// Y returns the row's top-left y.
func (r PatchRow) Y() int { return r[0] }

// X returns the row's top-left x.
func (r PatchRow) X() int { return r[1] }

// Prob returns the dequantized probability.
func (r PatchRow) Prob() float64 { return Dequantize(r[2]) }

// Tumour returns the ground truth flag.
func (r PatchRow) Tumour() bool { return r[3] != 0 }

// PatchesIndex is a compact listing of every predicted patch.
type PatchesIndex struct {
	Schema    string     `json:"schema"`
	PatchSize int        `json:"patch_size"`
	ImageSize [2]int     `json:"image_size"` // [H, W]
	ProbScale int        `json:"prob_scale"`
	Patches   []PatchRow `json:"patches"`
}

// NewPatchesIndex lists every (patch, prob) pair of e in input order,
// including patches that fall outside the canvas.
func NewPatchesIndex(size Size, e *PredictionEntry, patchSize int) *PatchesIndex {
	idx := &PatchesIndex{
		Schema:    PatchesSchema,
		PatchSize: patchSize,
		ImageSize: [2]int{size.Height, size.Width},
		ProbScale: ProbScale,
		Patches:   make([]PatchRow, e.Pairs()),
	}
	for i := range idx.Patches {
		p := e.Patches[i]
		t := 0
		if p.Tumour {
			t = 1
		}
		idx.Patches[i] = PatchRow{p.Y, p.X, Quantize(float64(e.Probs[i])), t}
	}
	return idx
}

// ReadPatchesIndex decodes a patches index and checks its schema.
func ReadPatchesIndex(r io.Reader) (*PatchesIndex, error) {
	var idx PatchesIndex
	if err := json.NewDecoder(r).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decoding patches index: %v", err)
	}
	if idx.Schema != PatchesSchema {
		return nil, fmt.Errorf("patches index schema %q, expected %q", idx.Schema, PatchesSchema)
	}
	if idx.ProbScale <= 0 {
		idx.ProbScale = ProbScale
	}
	return &idx, nil
}

// Confusion counts patch-level outcomes at a decision threshold. A patch is
// predicted positive when its probability is at least the threshold.
type Confusion struct {
	Threshold float64 `json:"threshold"`
	TP        int     `json:"tp"`
	FP        int     `json:"fp"`
	FN        int     `json:"fn"`
	TN        int     `json:"tn"`
}

// Confusion evaluates the index at threshold, clamped to [0, 1].
func (idx *PatchesIndex) Confusion(threshold float64) Confusion {
	threshold = math.Min(1, math.Max(0, threshold))
	c := Confusion{Threshold: threshold}
	scale := float64(idx.ProbScale)
	if scale <= 0 {
		scale = ProbScale
	}
	for _, r := range idx.Patches {
		pos := float64(r[2])/scale >= threshold
		switch {
		case pos && r.Tumour():
			c.TP++
		case pos:
			c.FP++
		case r.Tumour():
			c.FN++
		default:
			c.TN++
		}
	}
	return c
}

func (c Confusion) String() string {
	return fmt.Sprintf("threshold %.2f: tp %d, fp %d, fn %d, tn %d", c.Threshold, c.TP, c.FP, c.FN, c.TN)
}

// Manifest points a viewer at the base pyramid, the overlay pyramid and the
// index files of one slide. Paths are as given, usually relative to the
// manifest.
type Manifest struct {
	SlideID      string       `json:"slide_id"`
	RunID        string       `json:"run_id"`
	Base         ManifestDZI  `json:"base"`
	Overlay      ManifestDZI  `json:"overlay"`
	GTIndex      string       `json:"gtIndex,omitempty"`
	PatchesIndex string       `json:"patchesIndex,omitempty"`
	Canvas       ManifestSize `json:"canvas"`
}

// ManifestDZI references a deep-zoom descriptor.
type ManifestDZI struct {
	DZI string `json:"dzi"`
}

// ManifestSize is the overlay canvas size.
type ManifestSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// WriteJSONFile writes v as compact JSON to path.
func WriteJSONFile(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %v", path, err)
	}
	return f.Close()
}
