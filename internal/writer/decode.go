package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/ipc"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/metadata"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"

	"github.com/dshills/crawltab/internal/assembler"
	"github.com/dshills/crawltab/pkg/types"
)

// Shard is the decoded content of one shard file
type Shard struct {
	Path       string
	Format     Format
	IndexNames []string
	Columns    []string
	Schema     map[string]types.ColumnType
	Rows       []assembler.Row
	// Metadata holds the schema level key value metadata
	Metadata map[string]string
}

// ReadShard decodes a shard written by Flush. The format is chosen by extension.
func ReadShard(ctx context.Context, path string) (*Shard, error) {
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	shard := &Shard{Path: path, Format: format}
	switch format {
	case Parquet:
		pf, err := file.NewParquetReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open parquet shard: %w", err)
		}
		fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, mem)
		if err != nil {
			return nil, fmt.Errorf("failed to open parquet shard: %w", err)
		}
		tbl, err := fr.ReadTable(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet shard: %w", err)
		}
		defer tbl.Release()

		// ReadTable drops schema level metadata, the footer still has it
		md := footerMetadata(pf.MetaData().KeyValueMetadata())
		schema := arrow.NewSchema(tbl.Schema().Fields(), &md)

		chunks := make([][]arrow.Array, tbl.NumCols())
		for i := range chunks {
			chunks[i] = tbl.Column(i).Data().Chunks()
		}
		if err := shard.decode(schema, chunks, int(tbl.NumRows())); err != nil {
			return nil, err
		}
	case IPC:
		r, err := ipc.NewFileReader(f, ipc.WithAllocator(mem))
		if err != nil {
			return nil, fmt.Errorf("failed to open arrow shard: %w", err)
		}
		defer r.Close()
		for i := 0; i < r.NumRecords(); i++ {
			rec, err := r.Record(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read arrow shard record %d: %w", i, err)
			}
			chunks := make([][]arrow.Array, rec.NumCols())
			for c := range chunks {
				chunks[c] = []arrow.Array{rec.Column(c)}
			}
			if err := shard.decode(r.Schema(), chunks, int(rec.NumRows())); err != nil {
				return nil, err
			}
		}
		if shard.Schema == nil {
			if err := shard.describe(r.Schema()); err != nil {
				return nil, err
			}
		}
	}
	return shard, nil
}

func formatOf(path string) (Format, error) {
	switch filepath.Ext(path) {
	case ".parquet":
		return Parquet, nil
	case ".arrow":
		return IPC, nil
	}
	return "", fmt.Errorf("unknown shard format for %s", path)
}

// footerMetadata converts parquet key value metadata, leaving out the
// serialized arrow schema
func footerMetadata(kv metadata.KeyValueMetadata) arrow.Metadata {
	var keys, values []string
	for i, k := range kv.Keys() {
		if k == "ARROW:schema" {
			continue
		}
		keys = append(keys, k)
		values = append(values, kv.Values()[i])
	}
	return arrow.NewMetadata(keys, values)
}

// describe fills the column level fields from the schema. Column kinds come
// from the kinds metadata when present and are inferred from arrow types
// otherwise.
func (s *Shard) describe(schema *arrow.Schema) error {
	s.Schema = make(map[string]types.ColumnType)
	s.Columns = s.Columns[:0]
	s.IndexNames = s.IndexNames[:0]
	md := schema.Metadata()
	if md.Len() > 0 {
		s.Metadata = make(map[string]string, md.Len())
		for i, k := range md.Keys() {
			s.Metadata[k] = md.Values()[i]
		}
	}
	var kinds map[string]kindNode
	if raw, ok := s.Metadata[kindsMetadataKey]; ok {
		if err := json.Unmarshal([]byte(raw), &kinds); err != nil {
			return fmt.Errorf("%s: bad %s metadata: %w", s.Path, kindsMetadataKey, err)
		}
	}
	for _, f := range schema.Fields() {
		switch f.Name {
		case IndexColumn:
			if st, ok := f.Type.(*arrow.StructType); ok {
				for _, kf := range st.Fields() {
					s.IndexNames = append(s.IndexNames, kf.Name)
				}
			}
		case SourceColumn, DirColumn:
		default:
			s.Columns = append(s.Columns, f.Name)
			node, ok := kinds[f.Name]
			if !ok {
				s.Schema[f.Name] = columnTypeOf(f.Type)
				continue
			}
			t, err := fromKindNode(node)
			if err != nil {
				return fmt.Errorf("%s: column %s: %w", s.Path, f.Name, err)
			}
			s.Schema[f.Name] = t
		}
	}
	return nil
}

func fromKindNode(n kindNode) (types.ColumnType, error) {
	k, err := types.ParseKind(n.Kind)
	if err != nil {
		return types.ColumnType{}, err
	}
	t := types.ColumnType{Kind: k}
	if len(n.Fields) > 0 {
		t.Fields = make(map[string]types.ColumnType, len(n.Fields))
		for name, fn := range n.Fields {
			ft, err := fromKindNode(fn)
			if err != nil {
				return types.ColumnType{}, err
			}
			t.Fields[name] = ft
		}
	}
	return t, nil
}

// columnTypeOf inverts arrowType
func columnTypeOf(dt arrow.DataType) types.ColumnType {
	switch dt.ID() {
	case arrow.BOOL:
		return types.ColumnType{Kind: types.KindBool}
	case arrow.INT64:
		return types.ColumnType{Kind: types.KindInt}
	case arrow.FLOAT64:
		return types.ColumnType{Kind: types.KindFloat}
	case arrow.BINARY:
		return types.ColumnType{Kind: types.KindBytes}
	case arrow.LIST:
		st, ok := dt.(*arrow.ListType).Elem().(*arrow.StructType)
		if !ok {
			break
		}
		if isNDArray(st) {
			return types.ColumnType{Kind: types.KindArray}
		}
		fields := make(map[string]types.ColumnType, len(st.Fields()))
		for _, f := range st.Fields() {
			fields[f.Name] = columnTypeOf(f.Type)
		}
		return types.ColumnType{Kind: types.KindStruct, Fields: fields}
	}
	return types.ColumnType{Kind: types.KindString}
}

func isNDArray(st *arrow.StructType) bool {
	fields := st.Fields()
	if len(fields) != 2 || fields[0].Name != "shape" || fields[1].Name != "data" {
		return false
	}
	shape, ok := fields[0].Type.(*arrow.ListType)
	if !ok || shape.Elem().ID() != arrow.INT64 {
		return false
	}
	data, ok := fields[1].Type.(*arrow.ListType)
	return ok && data.Elem().ID() == arrow.FLOAT64
}

// cursor walks the chunks of one column by global row number
type cursor struct {
	chunks []arrow.Array
	chunk  int
	base   int
}

func (c *cursor) at(row int) (arrow.Array, int) {
	for c.chunk < len(c.chunks) && row >= c.base+c.chunks[c.chunk].Len() {
		c.base += c.chunks[c.chunk].Len()
		c.chunk++
	}
	if c.chunk >= len(c.chunks) {
		return nil, 0
	}
	return c.chunks[c.chunk], row - c.base
}

func (s *Shard) decode(schema *arrow.Schema, chunks [][]arrow.Array, numRows int) error {
	if s.Schema == nil {
		if err := s.describe(schema); err != nil {
			return err
		}
	}
	fields := schema.Fields()
	if len(fields) < 3 || fields[0].Name != IndexColumn || fields[1].Name != SourceColumn || fields[2].Name != DirColumn {
		return fmt.Errorf("%s is not a crawltab shard", s.Path)
	}
	cursors := make([]cursor, len(chunks))
	for i := range chunks {
		cursors[i] = cursor{chunks: chunks[i]}
	}

	for r := 0; r < numRows; r++ {
		var row assembler.Row
		arr, i := cursors[0].at(r)
		key, err := decodeKey(arr, i)
		if err != nil {
			return fmt.Errorf("row %d: %w", r, err)
		}
		row.Key = key
		if arr, i := cursors[1].at(r); arr != nil && !arr.IsNull(i) {
			row.Source = arr.(*array.String).Value(i)
		}
		if arr, i := cursors[2].at(r); arr != nil && !arr.IsNull(i) {
			row.Dir = arr.(*array.String).Value(i)
		}
		row.Record = make(types.Record, len(fields)-3)
		for c := 3; c < len(fields); c++ {
			arr, i := cursors[c].at(r)
			if arr == nil {
				return fmt.Errorf("row %d: column %s is short", r, fields[c].Name)
			}
			v, err := decodeValue(arr, i, s.Schema[fields[c].Name])
			if err != nil {
				return fmt.Errorf("row %d: column %s: %w", r, fields[c].Name, err)
			}
			if !v.IsNull() {
				row.Record[fields[c].Name] = v
			}
		}
		s.Rows = append(s.Rows, row)
	}
	return nil
}

func decodeKey(arr arrow.Array, i int) (types.IndexKey, error) {
	st, ok := arr.(*array.Struct)
	if !ok {
		return types.IndexKey{}, fmt.Errorf("index column is %T", arr)
	}
	stType := st.DataType().(*arrow.StructType)
	fields := make([]types.KeyField, st.NumField())
	for k := range fields {
		name := stType.Field(k).Name
		switch child := st.Field(k).(type) {
		case *array.Int64:
			fields[k] = types.KeyField{Name: name, Value: types.Int(child.Value(i))}
		case *array.String:
			fields[k] = types.KeyField{Name: name, Value: types.String(child.Value(i))}
		default:
			return types.IndexKey{}, fmt.Errorf("index field %s has type %s", name, child.DataType())
		}
	}
	return types.NewIndexKey(fields...)
}

func decodeValue(arr arrow.Array, i int, t types.ColumnType) (types.Value, error) {
	if arr.IsNull(i) {
		return types.Null(), nil
	}
	switch a := arr.(type) {
	case *array.Boolean:
		return types.Bool(a.Value(i)), nil
	case *array.Int64:
		return types.Int(a.Value(i)), nil
	case *array.Float64:
		return types.Float(a.Value(i)), nil
	case *array.String:
		return types.String(a.Value(i)), nil
	case *array.Binary:
		return types.Bytes(append([]byte(nil), a.Value(i)...)), nil
	case *array.List:
		offsets := a.Offsets()
		start, end := int(offsets[i]), int(offsets[i+1])
		if end == start {
			return types.Null(), nil
		}
		st, ok := a.ListValues().(*array.Struct)
		if !ok {
			return types.Null(), fmt.Errorf("list of %s is not a struct or array", a.ListValues().DataType())
		}
		if t.Kind == types.KindArray {
			return decodeNDArray(st, start)
		}
		return decodeStruct(st, start, t)
	}
	return types.Null(), fmt.Errorf("unsupported arrow type %s", arr.DataType())
}

func decodeStruct(st *array.Struct, i int, t types.ColumnType) (types.Value, error) {
	stType := st.DataType().(*arrow.StructType)
	members := make(map[string]types.Value, st.NumField())
	for k := 0; k < st.NumField(); k++ {
		name := stType.Field(k).Name
		ft, ok := t.Fields[name]
		if !ok {
			ft = columnTypeOf(stType.Field(k).Type)
		}
		v, err := decodeValue(st.Field(k), i, ft)
		if err != nil {
			return types.Null(), fmt.Errorf("%s: %w", name, err)
		}
		members[name] = v
	}
	return types.Struct(members), nil
}

func decodeNDArray(st *array.Struct, i int) (types.Value, error) {
	shapeList, ok1 := st.Field(0).(*array.List)
	dataList, ok2 := st.Field(1).(*array.List)
	if !ok1 || !ok2 {
		return types.Null(), fmt.Errorf("malformed array column")
	}
	dims, ok1 := shapeList.ListValues().(*array.Int64)
	vals, ok2 := dataList.ListValues().(*array.Float64)
	if !ok1 || !ok2 {
		return types.Null(), fmt.Errorf("malformed array column")
	}

	so := shapeList.Offsets()
	shape := make([]int, 0, so[i+1]-so[i])
	for j := so[i]; j < so[i+1]; j++ {
		shape = append(shape, int(dims.Value(int(j))))
	}
	do := dataList.Offsets()
	data := make([]float64, 0, do[i+1]-do[i])
	for j := do[i]; j < do[i+1]; j++ {
		data = append(data, vals.Value(int(j)))
	}
	return types.Array(shape, data)
}
