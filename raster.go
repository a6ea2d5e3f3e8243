package overlay

// DefaultPatchSize is the side length of a predicted patch in level 2 pixels.
const DefaultPatchSize = 256

// Point is a [y, x] pair. It marshals as a two element JSON array.
type Point [2]int

// Canvas is a dense H×W probability accumulator with a parallel coverage
// count. Both slices are row-major.
type Canvas struct {
	Size
	Values []float32
	Counts []int32

	// Tumour holds the unclipped top-left corner of every tumour-flagged
	// patch, in input order, including patches outside the canvas.
	Tumour []Point
}

// NewCanvas returns a zeroed canvas.
func NewCanvas(size Size) *Canvas {
	n := size.Width * size.Height
	return &Canvas{
		Size:   size,
		Values: make([]float32, n),
		Counts: make([]int32, n),
	}
}

// Contains reports whether (y, x) lies on the canvas.
func (c *Canvas) Contains(y, x int) bool {
	return y >= 0 && y < c.Height && x >= 0 && x < c.Width
}

// Value returns the value at (y, x). After Rasterize this is the mean
// probability of the patches covering the pixel, or 0 if none do.
func (c *Canvas) Value(y, x int) float32 {
	return c.Values[y*c.Width+x]
}

// Covered reports whether any patch contributed to (y, x).
func (c *Canvas) Covered(y, x int) bool {
	return c.Counts[y*c.Width+x] > 0
}

// Mask returns the coverage mask, row-major.
func (c *Canvas) Mask() []bool {
	m := make([]bool, len(c.Counts))
	for i, n := range c.Counts {
		m[i] = n > 0
	}
	return m
}

// CoveredCount returns the number of covered pixels.
func (c *Canvas) CoveredCount() int {
	n := 0
	for _, k := range c.Counts {
		if k > 0 {
			n++
		}
	}
	return n
}

// Accumulate adds prob to every pixel of the patch at (y, x), clipped to the
// canvas. It returns false, leaving the canvas untouched, when the corner is
// off the canvas.
func (c *Canvas) Accumulate(y, x, patchSize int, prob float32) bool {
	if !c.Contains(y, x) {
		return false
	}
	y1, x1 := min(y+patchSize, c.Height), min(x+patchSize, c.Width)
	for row := y; row < y1; row++ {
		off := row * c.Width
		for col := x; col < x1; col++ {
			c.Values[off+col] += prob
			c.Counts[off+col]++
		}
	}
	return true
}

// Average divides every covered pixel by its count, turning the accumulated
// sums into means. Uncovered pixels stay 0.
func (c *Canvas) Average() {
	for i, n := range c.Counts {
		if n > 0 {
			c.Values[i] /= float32(n)
		}
	}
}

// Rasterize paints the entry's patches onto a new canvas of the given size
// and averages overlapping patches. Pairs beyond the shorter of probs and
// patches are ignored.
func Rasterize(size Size, e *PredictionEntry, patchSize int) *Canvas {
	c := NewCanvas(size)
	for i := 0; i < e.Pairs(); i++ {
		p := e.Patches[i]
		c.Accumulate(p.Y, p.X, patchSize, e.Probs[i])
		if p.Tumour {
			c.Tumour = append(c.Tumour, Point{p.Y, p.X})
		}
	}
	c.Average()
	return c
}
