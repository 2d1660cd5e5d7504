package types

import (
	"fmt"
	"sort"
)

// Record is one parsed unit of data: attribute name to typed value.
// Records are treated as immutable once a Handler returns them.
type Record map[string]Value

// Names returns the attribute names in sorted order
func (r Record) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size estimates the in-memory footprint of the record in bytes
func (r Record) Size() int {
	n := 0
	for name, v := range r {
		n += len(name) + v.Size()
	}
	return n
}

// Equal reports whether both records hold the same attributes and values.
// Null attributes are treated as absent.
func (r Record) Equal(o Record) bool {
	for name, v := range r {
		if !v.Equal(o[name]) {
			return false
		}
	}
	for name, v := range o {
		if _, ok := r[name]; !ok && !v.IsNull() {
			return false
		}
	}
	return true
}

// Renamed returns a copy of the record with attributes renamed according to
// mapping. A target of DeleteAttr drops the attribute. Two non-null attributes
// landing on the same name is an error.
func (r Record) Renamed(mapping map[string]string) (Record, error) {
	if len(mapping) == 0 {
		return r, nil
	}
	out := make(Record, len(r))
	from := make(map[string]string, len(r))
	for _, name := range r.Names() {
		v := r[name]
		target, ok := mapping[name]
		if !ok {
			target = name
		}
		if target == DeleteAttr || v.IsNull() {
			continue
		}
		if prev, dup := from[target]; dup {
			return nil, fmt.Errorf("attributes %s and %s both rename to %s", prev, name, target)
		}
		from[target] = name
		out[target] = v
	}
	return out, nil
}

// DeleteAttr is the rename target that removes an attribute
const DeleteAttr = "__delete__"

// Column names the writer adds to every row. Records must not use them.
const (
	IndexAttr  = "_index"
	SourceAttr = "_source"
	DirAttr    = "_dir"
)

// IsReserved reports whether name is one of the writer's own columns
func IsReserved(name string) bool {
	switch name {
	case IndexAttr, SourceAttr, DirAttr:
		return true
	}
	return false
}
