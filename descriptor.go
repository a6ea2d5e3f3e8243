package overlay

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// DeepZoomNamespace is the XML namespace of deep-zoom image descriptors.
const DeepZoomNamespace = "http://schemas.microsoft.com/deepzoom/2008"

// ErrMalformedDescriptor is returned when a descriptor is not well-formed XML
// or lacks a usable Size element.
var ErrMalformedDescriptor = errors.New("malformed deep-zoom descriptor")

// Size is a canvas size in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Descriptor is the part of a .dzi file we look at. Only Size is required,
// the other fields are informational.
type Descriptor struct {
	Size
	TileSize string
	Overlap  string
	Format   string
}

type dziImage struct {
	XMLName  xml.Name `xml:"Image"`
	TileSize string   `xml:"TileSize,attr"`
	Overlap  string   `xml:"Overlap,attr"`
	Format   string   `xml:"Format,attr"`
	Sizes    []struct {
		XMLName xml.Name
		Width   *string `xml:"Width,attr"`
		Height  *string `xml:"Height,attr"`
	} `xml:",any"`
}

// ReadDescriptorSize returns the canvas size stated by the descriptor at path.
func ReadDescriptorSize(path string) (Size, error) {
	f, err := os.Open(path)
	if err != nil {
		return Size{}, fmt.Errorf("opening descriptor: %v", err)
	}
	defer f.Close()

	d, err := ParseDescriptor(f)
	if err != nil {
		return Size{}, fmt.Errorf("%s: %w", path, err)
	}
	return d.Size, nil
}

// ParseDescriptor parses a deep-zoom descriptor. The Size element must be in
// the deep-zoom namespace and carry positive integer Width and Height.
func ParseDescriptor(r io.Reader) (*Descriptor, error) {
	var img dziImage
	if err := xml.NewDecoder(r).Decode(&img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	if img.XMLName.Space != DeepZoomNamespace {
		return nil, fmt.Errorf("%w: root element in namespace %q, expected %q", ErrMalformedDescriptor, img.XMLName.Space, DeepZoomNamespace)
	}

	d := &Descriptor{TileSize: img.TileSize, Overlap: img.Overlap, Format: img.Format}
	for _, s := range img.Sizes {
		if s.XMLName.Local != "Size" || s.XMLName.Space != DeepZoomNamespace {
			continue
		}
		var err error
		if d.Width, err = dimension("Width", s.Width); err != nil {
			return nil, err
		}
		if d.Height, err = dimension("Height", s.Height); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: no Size element", ErrMalformedDescriptor)
}

func dimension(name string, v *string) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: Size has no %s attribute", ErrMalformedDescriptor, name)
	}
	n, err := strconv.Atoi(*v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: Size %s %q is not a positive integer", ErrMalformedDescriptor, name, *v)
	}
	return n, nil
}
