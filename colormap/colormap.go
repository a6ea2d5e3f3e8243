// Package colormap maps probabilities to overlay colours and alpha values.
package colormap

import (
	"fmt"
	"image/color"
	"math"
)

// Name selects a colour mapping.
type Name string

const (
	// TwoToneName is a linear blue (0) to red (1) mapping.
	TwoToneName Name = "twotone"

	// HeatmapName is a jet-like blue, cyan, yellow, red ramp.
	HeatmapName Name = "heatmap"
)

// Func maps a probability to an opaque colour.
type Func func(v float64) color.NRGBA

// Lookup returns the mapping called name.
func Lookup(name Name) (Func, error) {
	switch name {
	case TwoToneName:
		return TwoTone, nil
	case HeatmapName:
		return Heatmap, nil
	}
	return nil, fmt.Errorf("unknown colour map %q, expected %q or %q", name, TwoToneName, HeatmapName)
}

// AlphaMode selects how overlay transparency is derived.
type AlphaMode string

const (
	// AlphaMask gives covered pixels a constant opacity and uncovered ones 0.
	AlphaMask AlphaMode = "mask"

	// AlphaValue scales opacity with the probability, up to MaxValueAlpha.
	AlphaValue AlphaMode = "value"
)

// MaxValueAlpha is the alpha of probability 1 in value mode.
const MaxValueAlpha = 200

// ParseAlphaMode checks s is a known alpha mode.
func ParseAlphaMode(s string) (AlphaMode, error) {
	switch m := AlphaMode(s); m {
	case AlphaMask, AlphaValue:
		return m, nil
	}
	return "", fmt.Errorf("unknown alpha mode %q, expected %q or %q", s, AlphaMask, AlphaValue)
}

// Clip clamps v to [0, 1]. NaN maps to 0.
func Clip(v float64) float64 {
	if !(v > 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TwoTone maps 0 to blue and 1 to red. Channels are truncated, not rounded.
func TwoTone(v float64) color.NRGBA {
	r := uint8(Clip(v) * 255)
	return color.NRGBA{R: r, G: 0, B: 255 - r, A: 255}
}

func ramp(x float64) float64 { return Clip(x) }

// Heatmap maps v along a jet-like palette.
func Heatmap(v float64) color.NRGBA {
	v = Clip(v)
	r := ramp(1.5*v-0.5) + ramp(1.5*v-1.0)
	g := ramp(1.5*v) - ramp(1.5*v-1.0)
	b := ramp(1.5 * (1.0 - v))
	return color.NRGBA{
		R: uint8(math.Round(Clip(r) * 255)),
		G: uint8(math.Round(Clip(g) * 255)),
		B: uint8(math.Round(Clip(b) * 255)),
		A: 255,
	}
}

// ValueAlpha is the alpha of v in value mode.
func ValueAlpha(v float64) uint8 {
	return uint8(math.Round(Clip(v) * MaxValueAlpha))
}

// MaskAlpha is the alpha of a pixel in mask mode.
func MaskAlpha(covered bool, opacity uint8) uint8 {
	if !covered {
		return 0
	}
	return opacity
}
