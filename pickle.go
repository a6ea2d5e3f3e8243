package overlay

import (
	"fmt"
	"io"

	"github.com/nlpodyssey/gopickle/pickle"
)

// pickleDict matches gopickle's Dict and OrderedDict.
type pickleDict interface {
	Get(key interface{}) (interface{}, bool)
	Len() int
}

// pickleSeq matches gopickle's List and Tuple.
type pickleSeq interface {
	Get(i int) interface{}
	Len() int
}

// readPickleSet decodes a pickled dict of Python containers. Numpy scalars
// and arrays of fixed-size numbers are decoded, see findClass.
func readPickleSet(r io.Reader) (*PredictionSet, error) {
	u := pickle.NewUnpickler(r)
	u.FindClass = findClass
	v, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("unpickling: %v", err)
	}
	d, ok := v.(pickleDict)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, expected a dict", ErrInvalidRecord, v)
	}
	lookup, _ := pickleMapping(d)
	return &PredictionSet{lookup: lookup}, nil
}

func pickleMapping(v interface{}) (func(string) (interface{}, bool), bool) {
	d, ok := v.(pickleDict)
	if !ok {
		return nil, false
	}
	return func(k string) (interface{}, bool) {
		return d.Get(k)
	}, true
}

func pickleSequence(v interface{}) ([]interface{}, bool) {
	if a, ok := v.(*numpyArray); ok && a.err != nil {
		return nil, false
	}
	s, ok := v.(pickleSeq)
	if !ok {
		return nil, false
	}
	out := make([]interface{}, s.Len())
	for i := range out {
		out[i] = s.Get(i)
	}
	return out, true
}
