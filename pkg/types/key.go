package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash"
)

// KeyField is one named component of an IndexKey
type KeyField struct {
	Name  string
	Value Value
}

// IndexKey is the composite row key of a record within its table. Field values
// are restricted to Int and String so that keys are hashable and totally ordered.
type IndexKey struct {
	Fields []KeyField
}

// NewIndexKey validates the field kinds and builds a key
func NewIndexKey(fields ...KeyField) (IndexKey, error) {
	for _, f := range fields {
		if f.Name == "" {
			return IndexKey{}, fmt.Errorf("index field name cannot be empty")
		}
		if k := f.Value.Kind(); k != KindInt && k != KindString {
			return IndexKey{}, fmt.Errorf("index field %q has kind %s; want int or string", f.Name, k)
		}
	}
	return IndexKey{Fields: fields}, nil
}

// Len returns the number of fields
func (k IndexKey) Len() int { return len(k.Fields) }

// Names returns the field names in order
func (k IndexKey) Names() []string {
	names := make([]string, len(k.Fields))
	for i, f := range k.Fields {
		names[i] = f.Name
	}
	return names
}

// Get returns the value of a named field
func (k IndexKey) Get(name string) (Value, bool) {
	for _, f := range k.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Null(), false
}

// Compare orders keys field by field. Ints sort before strings when a
// position holds mixed kinds; shorter keys sort first on a common prefix.
func (k IndexKey) Compare(o IndexKey) int {
	n := len(k.Fields)
	if len(o.Fields) < n {
		n = len(o.Fields)
	}
	for i := 0; i < n; i++ {
		if c := compareKeyValue(k.Fields[i].Value, o.Fields[i].Value); c != 0 {
			return c
		}
	}
	switch {
	case len(k.Fields) < len(o.Fields):
		return -1
	case len(k.Fields) > len(o.Fields):
		return 1
	}
	return 0
}

func compareKeyValue(a, b Value) int {
	if a.Kind() != b.Kind() {
		if a.Kind() < b.Kind() {
			return -1
		}
		return 1
	}
	switch a.Kind() {
	case KindInt:
		switch {
		case a.AsInt() < b.AsInt():
			return -1
		case a.AsInt() > b.AsInt():
			return 1
		}
		return 0
	default:
		return strings.Compare(a.AsString(), b.AsString())
	}
}

// Equal reports whether both keys have the same field names and values
func (k IndexKey) Equal(o IndexKey) bool {
	if len(k.Fields) != len(o.Fields) {
		return false
	}
	for i := range k.Fields {
		if k.Fields[i].Name != o.Fields[i].Name || !k.Fields[i].Value.Equal(o.Fields[i].Value) {
			return false
		}
	}
	return true
}

// Hash returns a stable 64-bit hash of the canonical key encoding
func (k IndexKey) Hash() uint64 {
	return xxhash.Sum64(k.encode())
}

// encode writes a length-prefixed canonical form so that distinct keys never
// share an encoding.
func (k IndexKey) encode() []byte {
	buf := make([]byte, 0, 16*len(k.Fields))
	var scratch [binary.MaxVarintLen64]byte
	putString := func(s string) {
		n := binary.PutUvarint(scratch[:], uint64(len(s)))
		buf = append(buf, scratch[:n]...)
		buf = append(buf, s...)
	}
	for _, f := range k.Fields {
		putString(f.Name)
		buf = append(buf, byte(f.Value.Kind()))
		switch f.Value.Kind() {
		case KindInt:
			n := binary.PutVarint(scratch[:], f.Value.AsInt())
			buf = append(buf, scratch[:n]...)
		default:
			putString(f.Value.AsString())
		}
	}
	return buf
}

func (k IndexKey) String() string {
	parts := make([]string, len(k.Fields))
	for i, f := range k.Fields {
		if f.Value.Kind() == KindInt {
			parts[i] = f.Name + "=" + strconv.FormatInt(f.Value.AsInt(), 10)
		} else {
			parts[i] = f.Name + "=" + strconv.Quote(f.Value.AsString())
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
