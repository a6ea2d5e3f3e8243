package overlay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// findClass resolves the globals a pickle refers to. Numpy scalars, dtypes
// and arrays decode to plain values and sequences. Any other class becomes a
// foreignClass, so an unreadable object fails only the slide that holds it.
func findClass(module, name string) (interface{}, error) {
	switch module + "." + name {
	case "numpy.core.multiarray.scalar", "numpy._core.multiarray.scalar":
		return pyFunc(numpyScalar), nil
	case "numpy.core.multiarray._reconstruct", "numpy._core.multiarray._reconstruct":
		return pyFunc(numpyReconstruct), nil
	case "numpy.core.numeric._frombuffer", "numpy._core.numeric._frombuffer":
		return pyFunc(numpyFromBuffer), nil
	case "numpy.dtype":
		return pyFunc(newDType), nil
	case "_codecs.encode":
		return pyFunc(codecsEncode), nil
	case "builtins.bytes", "__builtin__.bytes", "builtins.bytearray", "__builtin__.bytearray":
		return pyFunc(makeBytes), nil
	}
	return &foreignClass{module: module, name: name}, nil
}

// pyFunc adapts a Go function to the unpickler's REDUCE protocol.
type pyFunc func(args ...interface{}) (interface{}, error)

func (f pyFunc) Call(args ...interface{}) (interface{}, error) { return f(args...) }

// describer is implemented by stand-ins that name themselves in decode errors.
type describer interface {
	Describe() string
}

func describe(v interface{}) string {
	if d, ok := v.(describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", v)
}

// invalidValue replaces a pickled object that could not be decoded.
type invalidValue struct {
	reason string
}

func (v *invalidValue) Describe() string { return v.reason }

// foreignClass is any class the overlay does not know how to decode.
// Instances accept whatever state the pickle gives them and are rejected
// when an entry is decoded.
type foreignClass struct {
	module, name string
}

func (c *foreignClass) Call(args ...interface{}) (interface{}, error) {
	return &foreignObject{class: c}, nil
}

func (c *foreignClass) PyNew(args ...interface{}) (interface{}, error) {
	return &foreignObject{class: c}, nil
}

func (c *foreignClass) Describe() string {
	return "Python class " + c.module + "." + c.name
}

type foreignObject struct {
	class *foreignClass
}

func (o *foreignObject) PySetState(state interface{}) error            { return nil }
func (o *foreignObject) PyDictSet(key, value interface{}) error        { return nil }
func (o *foreignObject) PySetAttr(key string, value interface{}) error { return nil }
func (o *foreignObject) Append(v interface{})                          {}
func (o *foreignObject) Set(key, value interface{})                    {}

func (o *foreignObject) Describe() string {
	return "Python object " + o.class.module + "." + o.class.name
}

// numpyDType is the part of a numpy dtype needed to decode fixed-size
// numbers and booleans.
type numpyDType struct {
	desc  string
	kind  byte
	size  int
	order binary.ByteOrder
}

// newDType is numpy.dtype(desc, align, copy). The byte order arrives later
// through the BUILD state.
func newDType(args ...interface{}) (interface{}, error) {
	desc, _ := argAt(args, 0).(string)
	d := &numpyDType{desc: desc, order: binary.LittleEndian}
	if strings.HasPrefix(desc, ">") {
		d.order = binary.BigEndian
	}
	s := strings.TrimLeft(desc, "<>|=")
	if len(s) >= 2 {
		d.kind = s[0]
		d.size, _ = strconv.Atoi(s[1:])
	}
	return d, nil
}

// PySetState reads the byte order out of (version, order, subdtype, names,
// fields, elsize, alignment, flags).
func (d *numpyDType) PySetState(state interface{}) error {
	s, ok := pickleSequence(state)
	if !ok || len(s) < 2 {
		return nil
	}
	switch s[1] {
	case ">":
		d.order = binary.BigEndian
	case "<":
		d.order = binary.LittleEndian
	}
	return nil
}

func (d *numpyDType) Describe() string {
	return fmt.Sprintf("numpy dtype %q", d.desc)
}

func (d *numpyDType) decode(b []byte) (interface{}, error) {
	if d.size <= 0 || len(b) != d.size {
		return nil, fmt.Errorf("%d bytes for numpy dtype %q", len(b), d.desc)
	}
	switch d.kind {
	case 'f':
		switch d.size {
		case 4:
			return float64(math.Float32frombits(d.order.Uint32(b))), nil
		case 8:
			return math.Float64frombits(d.order.Uint64(b)), nil
		}
	case 'i', 'u':
		var u uint64
		switch d.size {
		case 1:
			u = uint64(b[0])
		case 2:
			u = uint64(d.order.Uint16(b))
		case 4:
			u = uint64(d.order.Uint32(b))
		case 8:
			u = d.order.Uint64(b)
		default:
			return nil, fmt.Errorf("unsupported numpy dtype %q", d.desc)
		}
		if d.kind == 'i' {
			shift := 64 - 8*uint(d.size)
			return int(int64(u<<shift) >> shift), nil
		}
		return int(u), nil
	case 'b':
		if d.size == 1 {
			return b[0] != 0, nil
		}
	}
	return nil, fmt.Errorf("unsupported numpy dtype %q", d.desc)
}

// numpyScalar is numpy.core.multiarray.scalar(dtype, payload).
func numpyScalar(args ...interface{}) (interface{}, error) {
	d, ok := argAt(args, 0).(*numpyDType)
	if !ok {
		return &invalidValue{reason: "numpy scalar without a dtype"}, nil
	}
	b, ok := asBytes(argAt(args, 1))
	if !ok {
		return &invalidValue{reason: fmt.Sprintf("numpy %s scalar without a byte payload", d.desc)}, nil
	}
	v, err := d.decode(b)
	if err != nil {
		return &invalidValue{reason: fmt.Sprintf("numpy scalar (%v)", err)}, nil
	}
	return v, nil
}

// numpyArray is a decoded ndarray. It satisfies pickleSeq, indexing along
// the first axis, so a (N, 3) patch array reads like a list of triples.
type numpyArray struct {
	shape  []int
	values []interface{} // C order
	err    error
}

// numpyReconstruct is numpy.core.multiarray._reconstruct(cls, shape, typecode).
// The contents arrive through PySetState.
func numpyReconstruct(args ...interface{}) (interface{}, error) {
	return &numpyArray{err: errors.New("no array state")}, nil
}

// numpyFromBuffer is numpy.core.numeric._frombuffer(buf, dtype, shape, order),
// used by protocol 5 pickles.
func numpyFromBuffer(args ...interface{}) (interface{}, error) {
	a := &numpyArray{}
	order, _ := argAt(args, 3).(string)
	a.set(argAt(args, 2), argAt(args, 1), order == "F", argAt(args, 0))
	return a, nil
}

// PySetState reads ([version,] shape, dtype, is_fortran, data). Failures are
// kept on the array rather than returned, which would abort the whole load.
func (a *numpyArray) PySetState(state interface{}) error {
	s, ok := pickleSequence(state)
	if !ok {
		a.err = fmt.Errorf("array state is %T", state)
		return nil
	}
	if len(s) == 5 {
		s = s[1:]
	}
	if len(s) != 4 {
		a.err = fmt.Errorf("array state has %d fields", len(s))
		return nil
	}
	fortran, _ := s[2].(bool)
	a.set(s[0], s[1], fortran, s[3])
	return nil
}

func (a *numpyArray) set(shape, dtype interface{}, fortran bool, data interface{}) {
	a.err = nil
	dims, ok := pickleSequence(shape)
	if !ok || len(dims) == 0 {
		a.err = errors.New("0-d or unshaped array")
		return
	}
	a.shape = make([]int, len(dims))
	n := 1
	for i, v := range dims {
		d, err := asInt(v)
		if err != nil || d < 0 {
			a.err = fmt.Errorf("bad dimension %v", v)
			return
		}
		a.shape[i] = d
		n *= d
	}
	d, ok := dtype.(*numpyDType)
	if !ok {
		a.err = fmt.Errorf("dtype is %s", describe(dtype))
		return
	}

	if raw, ok := asBytes(data); ok {
		if d.size <= 0 || len(raw) != n*d.size {
			a.err = fmt.Errorf("%d bytes for %d elements of dtype %q", len(raw), n, d.desc)
			return
		}
		a.values = make([]interface{}, n)
		for i := range a.values {
			v, err := d.decode(raw[i*d.size : (i+1)*d.size])
			if err != nil {
				a.err = err
				return
			}
			a.values[i] = v
		}
	} else if list, ok := pickleSequence(data); ok && len(list) == n {
		// Object arrays pickle their elements as a list.
		a.values = list
	} else {
		a.err = fmt.Errorf("array data is %s", describe(data))
		return
	}
	if fortran && len(a.shape) > 1 {
		a.values = fortranToC(a.shape, a.values)
	}
}

func (a *numpyArray) Len() int {
	if a.err != nil || len(a.shape) == 0 {
		return 0
	}
	return a.shape[0]
}

func (a *numpyArray) Get(i int) interface{} {
	if len(a.shape) == 1 {
		return a.values[i]
	}
	stride := len(a.values) / a.shape[0]
	return &numpyArray{shape: a.shape[1:], values: a.values[i*stride : (i+1)*stride]}
}

func (a *numpyArray) Describe() string {
	if a.err != nil {
		return fmt.Sprintf("numpy array (%v)", a.err)
	}
	return fmt.Sprintf("numpy array of shape %v", a.shape)
}

func fortranToC(shape []int, values []interface{}) []interface{} {
	out := make([]interface{}, len(values))
	idx := make([]int, len(shape))
	for c := range out {
		f, stride := 0, 1
		for k := range shape {
			f += idx[k] * stride
			stride *= shape[k]
		}
		out[c] = values[f]
		for k := len(shape) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return out
}

// codecsEncode is _codecs.encode(str, "latin1"), which protocol 2 uses to
// carry bytes.
func codecsEncode(args ...interface{}) (interface{}, error) {
	s, ok := argAt(args, 0).(string)
	if !ok {
		return &invalidValue{reason: "_codecs.encode of a non-string"}, nil
	}
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return &invalidValue{reason: "_codecs.encode outside latin1"}, nil
		}
		b = append(b, byte(r))
	}
	return b, nil
}

func makeBytes(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return []byte{}, nil
	}
	if b, ok := asBytes(args[0]); ok {
		return append([]byte(nil), b...), nil
	}
	return &invalidValue{reason: "bytes of " + describe(args[0])}, nil
}

func argAt(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// asBytes accepts []byte, strings from protocol 0/1 pickles and gopickle's
// byte array types.
func asBytes(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	}
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.IsValid() && rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return rv.Bytes(), true
	}
	return nil, false
}
