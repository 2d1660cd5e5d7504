package types

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindStruct
	KindArray
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBytes:  "bytes",
	KindStruct: "struct",
	KindArray:  "array",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind is the inverse of Kind.String
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return KindNull, fmt.Errorf("unknown value kind %q", s)
}

// Field is a named member of a struct Value
type Field struct {
	Name  string
	Value Value
}

// NDArray is a dense n-dimensional float64 array in row-major order
type NDArray struct {
	Shape []int
	Data  []float64
}

// Size returns the number of elements implied by the shape
func (a *NDArray) Size() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Validate checks that the data length agrees with the shape
func (a *NDArray) Validate() error {
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", a.Shape)
		}
	}
	if a.Size() != len(a.Data) {
		return fmt.Errorf("shape %v implies %d elements, got %d", a.Shape, a.Size(), len(a.Data))
	}
	return nil
}

// Value is a closed tagged union of the attribute types a Record can hold.
// The zero Value is Null.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	raw    []byte
	fields []Field
	arr    *NDArray
}

// Null returns the null Value
func Null() Value { return Value{} }

// Bool wraps a boolean
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int wraps a signed integer
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float wraps a float64
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// String wraps a string
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bytes wraps a binary payload. A nil slice is stored as an empty payload.
func Bytes(v []byte) Value {
	if v == nil {
		v = []byte{}
	}
	return Value{kind: KindBytes, raw: v}
}

// Struct builds a nested struct from a map. Null members are dropped and an
// empty struct normalises to Null so that absent and empty are the same thing.
func Struct(m map[string]Value) Value {
	fields := make([]Field, 0, len(m))
	for name, v := range m {
		if v.IsNull() {
			continue
		}
		fields = append(fields, Field{Name: name, Value: v})
	}
	if len(fields) == 0 {
		return Null()
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return Value{kind: KindStruct, fields: fields}
}

// Array wraps an n-dimensional array. The shape is validated against the data.
func Array(shape []int, data []float64) (Value, error) {
	arr := &NDArray{Shape: append([]int(nil), shape...), Data: append([]float64(nil), data...)}
	if err := arr.Validate(); err != nil {
		return Null(), err
	}
	return Value{kind: KindArray, arr: arr}, nil
}

// MustArray is Array that panics on a shape mismatch
func MustArray(shape []int, data []float64) Value {
	v, err := Array(shape, data)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) AsBool() bool     { return v.b }
func (v Value) AsInt() int64     { return v.i }
func (v Value) AsFloat() float64 { return v.f }
func (v Value) AsString() string { return v.s }
func (v Value) AsBytes() []byte  { return v.raw }

// Fields returns the struct members sorted by name
func (v Value) Fields() []Field { return v.fields }

// Field looks up a struct member by name
func (v Value) Field(name string) (Value, bool) {
	i := sort.Search(len(v.fields), func(i int) bool { return v.fields[i].Name >= name })
	if i < len(v.fields) && v.fields[i].Name == name {
		return v.fields[i].Value, true
	}
	return Null(), false
}

// AsArray returns the array payload, or nil for other kinds
func (v Value) AsArray() *NDArray { return v.arr }

// Equal reports deep equality. Float NaNs compare equal to each other so that
// round trips of missing measurements are checkable.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return floatEqual(v.f, o.f)
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindStruct:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for i := range v.fields {
			if v.fields[i].Name != o.fields[i].Name || !v.fields[i].Value.Equal(o.fields[i].Value) {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr.Shape) != len(o.arr.Shape) || len(v.arr.Data) != len(o.arr.Data) {
			return false
		}
		for i := range v.arr.Shape {
			if v.arr.Shape[i] != o.arr.Shape[i] {
				return false
			}
		}
		for i := range v.arr.Data {
			if !floatEqual(v.arr.Data[i], o.arr.Data[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func floatEqual(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}

// Size estimates the in-memory footprint of the value in bytes
func (v Value) Size() int {
	switch v.kind {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 8
	case KindString:
		return len(v.s)
	case KindBytes:
		return len(v.raw)
	case KindStruct:
		n := 0
		for _, f := range v.fields {
			n += len(f.Name) + f.Value.Size()
		}
		return n
	case KindArray:
		return 8*len(v.arr.Shape) + 8*len(v.arr.Data)
	}
	return 0
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBytes:
		return fmt.Sprintf("<%d bytes>", len(v.raw))
	case KindStruct:
		parts := make([]string, len(v.fields))
		for i, f := range v.fields {
			parts[i] = f.Name + ": " + f.Value.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindArray:
		return fmt.Sprintf("array%v", v.arr.Shape)
	}
	return "?"
}
