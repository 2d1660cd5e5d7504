package types

import (
	"sort"
	"strings"
)

// ColumnType is the storage type of one table column. Struct columns carry
// their member types; every other kind is flat.
type ColumnType struct {
	Kind   Kind
	Fields map[string]ColumnType
}

// TypeOf infers the column type of a value
func TypeOf(v Value) ColumnType {
	if v.Kind() != KindStruct {
		return ColumnType{Kind: v.Kind()}
	}
	fields := make(map[string]ColumnType, len(v.Fields()))
	for _, f := range v.Fields() {
		fields[f.Name] = TypeOf(f.Value)
	}
	return ColumnType{Kind: KindStruct, Fields: fields}
}

// Merge widens t with o. Null merges with anything, int and float widen to
// float, structs merge member-wise, any other kind mismatch is a conflict. The returned path names the first
// conflicting member, relative to the column.
func (t ColumnType) Merge(o ColumnType) (ColumnType, string, bool) {
	switch {
	case o.Kind == KindNull:
		return t, "", true
	case t.Kind == KindNull:
		return o, "", true
	case t.Kind != o.Kind:
		if t.isNumeric() && o.isNumeric() {
			return ColumnType{Kind: KindFloat}, "", true
		}
		return t, "", false
	case t.Kind != KindStruct:
		return t, "", true
	}
	merged := make(map[string]ColumnType, len(t.Fields)+len(o.Fields))
	for name, ft := range t.Fields {
		merged[name] = ft
	}
	for _, name := range sortedFieldNames(o.Fields) {
		cur, ok := merged[name]
		if !ok {
			merged[name] = o.Fields[name]
			continue
		}
		m, path, ok := cur.Merge(o.Fields[name])
		if !ok {
			if path == "" {
				return t, name, false
			}
			return t, name + "." + path, false
		}
		merged[name] = m
	}
	return ColumnType{Kind: KindStruct, Fields: merged}, "", true
}

func (t ColumnType) isNumeric() bool {
	return t.Kind == KindInt || t.Kind == KindFloat
}

// FieldNames returns struct member names in sorted order
func (t ColumnType) FieldNames() []string { return sortedFieldNames(t.Fields) }

func (t ColumnType) String() string {
	if t.Kind != KindStruct {
		return t.Kind.String()
	}
	parts := make([]string, 0, len(t.Fields))
	for _, name := range t.FieldNames() {
		parts = append(parts, name+": "+t.Fields[name].String())
	}
	return "struct<" + strings.Join(parts, ", ") + ">"
}

func sortedFieldNames(m map[string]ColumnType) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
