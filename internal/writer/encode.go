package writer

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"

	"github.com/dshills/crawltab/internal/assembler"
	"github.com/dshills/crawltab/pkg/types"
)

// Reserved column names. Attribute columns follow them in sorted order.
const (
	IndexColumn  = types.IndexAttr
	SourceColumn = types.SourceAttr
	DirColumn    = types.DirAttr

	kindsMetadataKey = "crawltab.kinds"
)

// ndarrayType stores an n-dimensional array as a one element list so that a
// missing array is a null list.
var ndarrayType = arrow.ListOf(arrow.StructOf(
	arrow.Field{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64), Nullable: true},
	arrow.Field{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64), Nullable: true},
))

// arrowType maps a column type to its storage type. Structs are wrapped in a
// list of zero or one element for the same reason as arrays.
func arrowType(t types.ColumnType) arrow.DataType {
	switch t.Kind {
	case types.KindBool:
		return arrow.FixedWidthTypes.Boolean
	case types.KindInt:
		return arrow.PrimitiveTypes.Int64
	case types.KindFloat:
		return arrow.PrimitiveTypes.Float64
	case types.KindBytes:
		return arrow.BinaryTypes.Binary
	case types.KindArray:
		return ndarrayType
	case types.KindStruct:
		fields := make([]arrow.Field, 0, len(t.Fields))
		for _, name := range t.FieldNames() {
			fields = append(fields, arrow.Field{Name: name, Type: arrowType(t.Fields[name]), Nullable: true})
		}
		return arrow.ListOf(arrow.StructOf(fields...))
	}
	return arrow.BinaryTypes.String
}

func indexType(key types.IndexKey) arrow.DataType {
	fields := make([]arrow.Field, len(key.Fields))
	for i, f := range key.Fields {
		dt := arrow.DataType(arrow.BinaryTypes.String)
		if f.Value.Kind() == types.KindInt {
			dt = arrow.PrimitiveTypes.Int64
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: true}
	}
	return arrow.StructOf(fields...)
}

type kindNode struct {
	Kind   string              `json:"kind"`
	Fields map[string]kindNode `json:"fields,omitempty"`
}

func toKindNode(t types.ColumnType) kindNode {
	n := kindNode{Kind: t.Kind.String()}
	if len(t.Fields) > 0 {
		n.Fields = make(map[string]kindNode, len(t.Fields))
		for name, ft := range t.Fields {
			n.Fields[name] = toKindNode(ft)
		}
	}
	return n
}

// batchSchema builds the arrow schema for a batch and returns the attribute
// columns in schema order
func batchSchema(batch *assembler.TableBatch) (*arrow.Schema, []string, error) {
	cols := batch.Columns()
	fields := make([]arrow.Field, 0, len(cols)+3)
	fields = append(fields,
		arrow.Field{Name: IndexColumn, Type: indexType(batch.Rows[0].Key), Nullable: true},
		arrow.Field{Name: SourceColumn, Type: arrow.BinaryTypes.String, Nullable: true},
		arrow.Field{Name: DirColumn, Type: arrow.BinaryTypes.String, Nullable: true},
	)
	kinds := make(map[string]kindNode, len(cols))
	for _, col := range cols {
		if types.IsReserved(col) {
			return nil, nil, fmt.Errorf("attribute name %s is reserved", col)
		}
		t := batch.Schema[col]
		fields = append(fields, arrow.Field{Name: col, Type: arrowType(t), Nullable: true})
		kinds[col] = toKindNode(t)
	}
	encoded, err := json.Marshal(kinds)
	if err != nil {
		return nil, nil, err
	}
	md := arrow.NewMetadata([]string{kindsMetadataKey}, []string{string(encoded)})
	return arrow.NewSchema(fields, &md), cols, nil
}

// encodeBatch converts a batch to a single arrow record
func encodeBatch(mem memory.Allocator, batch *assembler.TableBatch) (arrow.Record, error) {
	schema, cols, err := batchSchema(batch)
	if err != nil {
		return nil, err
	}
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	first := batch.Rows[0].Key
	idx := rb.Field(0).(*array.StructBuilder)
	src := rb.Field(1).(*array.StringBuilder)
	dir := rb.Field(2).(*array.StringBuilder)
	for _, row := range batch.Rows {
		if err := appendKey(idx, first, row.Key); err != nil {
			return nil, fmt.Errorf("%s: %w", row.Source, err)
		}
		src.Append(row.Source)
		dir.Append(row.Dir)
		for j, col := range cols {
			if err := appendValue(rb.Field(3+j), batch.Schema[col], row.Record[col]); err != nil {
				return nil, fmt.Errorf("%s: attribute %s: %w", row.Source, col, err)
			}
		}
	}
	return rb.NewRecord(), nil
}

func appendKey(b *array.StructBuilder, layout, key types.IndexKey) error {
	if key.Len() != layout.Len() {
		return fmt.Errorf("index key %s does not match layout %s", key, layout)
	}
	b.Append(true)
	for i, f := range key.Fields {
		want := layout.Fields[i]
		if f.Name != want.Name || f.Value.Kind() != want.Value.Kind() {
			return fmt.Errorf("index key %s does not match layout %s", key, layout)
		}
		switch f.Value.Kind() {
		case types.KindInt:
			b.FieldBuilder(i).(*array.Int64Builder).Append(f.Value.AsInt())
		default:
			b.FieldBuilder(i).(*array.StringBuilder).Append(f.Value.AsString())
		}
	}
	return nil
}

func appendValue(b array.Builder, t types.ColumnType, v types.Value) error {
	if v.IsNull() {
		b.AppendNull()
		return nil
	}
	if t.Kind == types.KindFloat && v.Kind() == types.KindInt {
		v = types.Float(float64(v.AsInt()))
	}
	if v.Kind() != t.Kind {
		return fmt.Errorf("value kind %s in %s column", v.Kind(), t.Kind)
	}
	switch t.Kind {
	case types.KindBool:
		b.(*array.BooleanBuilder).Append(v.AsBool())
	case types.KindInt:
		b.(*array.Int64Builder).Append(v.AsInt())
	case types.KindFloat:
		b.(*array.Float64Builder).Append(v.AsFloat())
	case types.KindString:
		b.(*array.StringBuilder).Append(v.AsString())
	case types.KindBytes:
		b.(*array.BinaryBuilder).Append(v.AsBytes())
	case types.KindStruct:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		sb := lb.ValueBuilder().(*array.StructBuilder)
		sb.Append(true)
		for i, name := range t.FieldNames() {
			fv, _ := v.Field(name)
			if err := appendValue(sb.FieldBuilder(i), t.Fields[name], fv); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	case types.KindArray:
		arr := v.AsArray()
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		sb := lb.ValueBuilder().(*array.StructBuilder)
		sb.Append(true)

		shape := sb.FieldBuilder(0).(*array.ListBuilder)
		shape.Append(true)
		dims := shape.ValueBuilder().(*array.Int64Builder)
		for _, d := range arr.Shape {
			dims.Append(int64(d))
		}

		data := sb.FieldBuilder(1).(*array.ListBuilder)
		data.Append(true)
		data.ValueBuilder().(*array.Float64Builder).AppendValues(arr.Data, nil)
	default:
		return fmt.Errorf("unsupported column kind %s", t.Kind)
	}
	return nil
}
