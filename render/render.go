// Package render turns an averaged probability canvas into an RGBA overlay
// image, and writes it and its companions (legend, preview) as PNG.
package render

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
	"time"

	overlay "github.com/pathviz/slide-overlay"
	"github.com/pathviz/slide-overlay/colormap"

	"github.com/disintegration/imaging"
)

// Opts selects the colour mapping and alpha policy. The two are independent.
type Opts struct {
	ColorMap  colormap.Name
	AlphaMode colormap.AlphaMode
	Opacity   uint8 // Alpha of covered pixels in mask mode.
	Verbose   bool
}

// Encode maps every canvas pixel to a colour and alpha. Values are clipped
// to [0, 1] first.
func Encode(c *overlay.Canvas, opts Opts) (*image.NRGBA, error) {
	cmap, err := colormap.Lookup(opts.ColorMap)
	if err != nil {
		return nil, err
	}
	if _, err := colormap.ParseAlphaMode(string(opts.AlphaMode)); err != nil {
		return nil, err
	}

	t0 := time.Now()
	img := image.NewNRGBA(image.Rect(0, 0, c.Width, c.Height))
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			i := y*c.Width + x
			v := float64(c.Values[i])
			px := cmap(v)
			if opts.AlphaMode == colormap.AlphaValue {
				px.A = colormap.ValueAlpha(v)
			} else {
				px.A = colormap.MaskAlpha(c.Counts[i] > 0, opts.Opacity)
			}
			img.SetNRGBA(x, y, px)
		}
	}
	if opts.Verbose {
		log.Printf("encoded %s overlay (%s, alpha %s) in %v", c.Size, opts.ColorMap, opts.AlphaMode, time.Since(t0))
	}
	return img, nil
}

// Smooth blurs the canvas values in place with a gaussian of the given
// sigma, softening patch boundaries before colour mapping. Counts are left
// alone so the coverage mask is unchanged, and uncovered pixels are reset to
// 0 afterwards. The blur works on 8-bit grey, so values come back quantized
// to 1/255. A sigma of 0 leaves c unchanged.
func Smooth(c *overlay.Canvas, sigma float64) {
	if sigma <= 0 || c.Width == 0 || c.Height == 0 {
		return
	}
	gray := image.NewGray(image.Rect(0, 0, c.Width, c.Height))
	for i, v := range c.Values {
		gray.Pix[i] = uint8(math.Round(colormap.Clip(float64(v)) * 255))
	}
	blurred := imaging.Blur(gray, sigma)
	for i := range c.Values {
		if c.Counts[i] == 0 {
			c.Values[i] = 0
			continue
		}
		c.Values[i] = float32(blurred.Pix[i*4]) / 255
	}
}

// Preview scales img down to fit within bound×bound, keeping aspect ratio.
func Preview(img image.Image, bound int) *image.NRGBA {
	return imaging.Fit(img, bound, bound, imaging.Lanczos)
}

// Legend draws a horizontal colour bar of the named mapping, 0 on the left
// and 1 on the right.
func Legend(name colormap.Name, width, height int) (*image.NRGBA, error) {
	cmap, err := colormap.Lookup(name)
	if err != nil {
		return nil, err
	}
	if width < 2 || height < 1 {
		return nil, fmt.Errorf("legend size %dx%d too small", width, height)
	}
	bar := imaging.New(width, 1, color.NRGBA{})
	for x := 0; x < width; x++ {
		bar.SetNRGBA(x, 0, cmap(float64(x)/float64(width-1)))
	}
	return imaging.Resize(bar, width, height, imaging.NearestNeighbor), nil
}

// Save writes img to path. The format follows the extension, callers use
// .png so the overlay stays lossless.
func Save(path string, img image.Image) error {
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("saving %s: %v", path, err)
	}
	return nil
}
