// Package overlay turns per-patch tumour predictions for a whole-slide image
// into a dense probability canvas, ready to be rendered as an overlay for a
// deep-zoom viewer.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

// RequiredLevel is the pyramid level at which patch coordinates and the
// descriptor size must both be expressed.
const RequiredLevel = 2

var (
	// ErrKeyNotFound is returned when the slide id is absent from the
	// prediction set.
	ErrKeyNotFound = errors.New("slide id not found")

	// ErrInvalidLevel is returned when an entry's level is not RequiredLevel.
	ErrInvalidLevel = errors.New("invalid prediction level")

	// ErrInvalidRecord is returned when an entry, probability or patch record
	// is missing a field or has a field of the wrong type.
	ErrInvalidRecord = errors.New("invalid prediction record")
)

// Format is the serialization of a prediction set.
type Format string

const (
	FormatPickle Format = "pickle"
	FormatJSON   Format = "json"
)

// FormatFromPath guesses the format from the file extension. Anything that
// isn't JSON is treated as a pickle.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatPickle
}

// PatchRecord is a single predicted patch. Y and X are the top-left corner in
// canvas pixels.
type PatchRecord struct {
	Y      int
	X      int
	Tumour bool
}

// PredictionEntry holds the predictions for one slide. Probs[i] belongs to
// Patches[i].
type PredictionEntry struct {
	Level   int
	Probs   []float32
	Patches []PatchRecord
}

// Pairs returns the number of usable (probability, patch) pairs, the shorter
// of the two sequences.
func (e *PredictionEntry) Pairs() int {
	if len(e.Probs) < len(e.Patches) {
		return len(e.Probs)
	}
	return len(e.Patches)
}

// PredictionSet maps slide identifiers to their undecoded entries. Entries are
// only decoded on Lookup, so a malformed entry for another slide does not
// prevent loading the one asked for.
type PredictionSet struct {
	lookup func(slideID string) (interface{}, bool)
}

// Lookup decodes the entry for slideID.
func (s *PredictionSet) Lookup(slideID string) (*PredictionEntry, error) {
	raw, ok := s.lookup(slideID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, slideID)
	}
	return decodeEntry(slideID, raw)
}

// ReadPredictionSet deserializes a prediction set from r.
func ReadPredictionSet(r io.Reader, format Format) (*PredictionSet, error) {
	switch format {
	case FormatJSON:
		return readJSONSet(r)
	case FormatPickle:
		return readPickleSet(r)
	default:
		return nil, fmt.Errorf("unknown prediction format %q", format)
	}
}

// LoadEntry reads the prediction set at path and returns the validated entry
// for slideID.
func LoadEntry(path, slideID string) (*PredictionEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening predictions: %v", err)
	}
	defer f.Close()

	set, err := ReadPredictionSet(f, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("reading predictions %s: %w", path, err)
	}
	return set.Lookup(slideID)
}

func readJSONSet(r io.Reader) (*PredictionSet, error) {
	var m map[string]interface{}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding json: %v", err)
	}
	return &PredictionSet{
		lookup: func(slideID string) (interface{}, bool) {
			v, ok := m[slideID]
			return v, ok
		},
	}, nil
}

// decodeEntry converts a generic decoded value (from JSON or pickle) into a
// typed entry. All checks fail fast with the slide and index in the message.
func decodeEntry(slideID string, raw interface{}) (*PredictionEntry, error) {
	fields, ok := asMapping(raw)
	if !ok {
		return nil, fmt.Errorf("%w: slide %q: entry is %s, expected a mapping", ErrInvalidRecord, slideID, describe(raw))
	}

	e := &PredictionEntry{Level: RequiredLevel}
	if v, ok := fields("level"); ok && v != nil {
		level, err := asInt(v)
		if err != nil {
			return nil, fmt.Errorf("%w: slide %q: level: %v", ErrInvalidRecord, slideID, err)
		}
		e.Level = level
	}
	if e.Level != RequiredLevel {
		return nil, fmt.Errorf("%w: predictions are level %d, expected %d", ErrInvalidLevel, e.Level, RequiredLevel)
	}

	v, ok := fields("probs")
	if !ok {
		return nil, fmt.Errorf("%w: slide %q: missing field probs", ErrInvalidRecord, slideID)
	}
	probs, ok := asSequence(v)
	if !ok {
		return nil, fmt.Errorf("%w: slide %q: probs is %s, expected a sequence", ErrInvalidRecord, slideID, describe(v))
	}
	e.Probs = make([]float32, len(probs))
	for i, p := range probs {
		f, err := asFloat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: slide %q: probs[%d]: %v", ErrInvalidRecord, slideID, i, err)
		}
		e.Probs[i] = float32(f)
	}

	v, ok = fields("patches")
	if !ok {
		return nil, fmt.Errorf("%w: slide %q: missing field patches", ErrInvalidRecord, slideID)
	}
	patches, ok := asSequence(v)
	if !ok {
		return nil, fmt.Errorf("%w: slide %q: patches is %s, expected a sequence", ErrInvalidRecord, slideID, describe(v))
	}
	e.Patches = make([]PatchRecord, len(patches))
	for i, p := range patches {
		rec, err := decodePatch(p)
		if err != nil {
			return nil, fmt.Errorf("%w: slide %q: patches[%d]: %v", ErrInvalidRecord, slideID, i, err)
		}
		e.Patches[i] = rec
	}
	return e, nil
}

// decodePatch accepts either a sequence (y, x[, is_tumour, ...]) or a mapping
// with keys y, x and is_tumour or tumour.
func decodePatch(v interface{}) (PatchRecord, error) {
	var rec PatchRecord
	var y, x, tumour interface{}
	var hasTumour bool

	if seq, ok := asSequence(v); ok {
		if len(seq) < 2 {
			return rec, fmt.Errorf("got %d values, need at least y and x", len(seq))
		}
		y, x = seq[0], seq[1]
		if len(seq) > 2 {
			tumour, hasTumour = seq[2], true
		}
	} else if fields, ok := asMapping(v); ok {
		if y, ok = fields("y"); !ok {
			return rec, fmt.Errorf("missing field y")
		}
		if x, ok = fields("x"); !ok {
			return rec, fmt.Errorf("missing field x")
		}
		if tumour, hasTumour = fields("is_tumour"); !hasTumour {
			tumour, hasTumour = fields("tumour")
		}
	} else {
		return rec, fmt.Errorf("patch is %s, expected a sequence or mapping", describe(v))
	}

	var err error
	if rec.Y, err = asInt(y); err != nil {
		return rec, fmt.Errorf("y: %v", err)
	}
	if rec.X, err = asInt(x); err != nil {
		return rec, fmt.Errorf("x: %v", err)
	}
	if hasTumour && tumour != nil {
		if rec.Tumour, err = asBool(tumour); err != nil {
			return rec, fmt.Errorf("tumour flag: %v", err)
		}
	}
	return rec, nil
}

// asMapping returns a field getter for JSON objects. Pickle mappings are
// handled in pickle.go.
func asMapping(v interface{}) (func(string) (interface{}, bool), bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return func(k string) (interface{}, bool) {
			f, ok := m[k]
			return f, ok
		}, true
	}
	return pickleMapping(v)
}

func asSequence(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	}
	return pickleSequence(v)
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("bad number %q", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("got %s, expected a number", describe(v))
}

func asInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case *big.Int:
		if !n.IsInt64() {
			return 0, fmt.Errorf("integer %s out of range", n)
		}
		return int(n.Int64()), nil
	case bool:
		return 0, fmt.Errorf("got bool, expected an integer")
	}
	f, err := asFloat(v)
	if err != nil {
		return 0, fmt.Errorf("got %s, expected an integer", describe(v))
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	return int(f), nil
}

// asBool accepts booleans and the integers 0 and 1, which is how numpy
// flags commonly end up after tolist().
func asBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	n, err := asInt(v)
	if err != nil || (n != 0 && n != 1) {
		return false, fmt.Errorf("got %v (%s), expected a boolean", v, describe(v))
	}
	return n == 1, nil
}
