package loaders

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/dshills/crawltab/pkg/types"
)

type tsvOptions struct {
	Sep         string   `mapstructure:"sep"`
	Deserialize bool     `mapstructure:"deserialize"`
	NullValues  []string `mapstructure:"null_values"`
}

func defaultTSVOptions() tsvOptions {
	return tsvOptions{Sep: "\t", Deserialize: true, NullValues: []string{"", "n/a"}}
}

func (o tsvOptions) comma() (rune, error) {
	r := []rune(o.Sep)
	if len(r) != 1 {
		return 0, fmt.Errorf("sep must be a single character, got %q", o.Sep)
	}
	return r[0], nil
}

func readTSV(path string, comma rune) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = comma
	r.LazyQuotes = true
	r.Comment = '#'
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// cellValue types one table cell: null marker, int, float, json literal, else string
func (o tsvOptions) cellValue(cell string) (types.Value, error) {
	for _, nv := range o.NullValues {
		if cell == nv {
			return types.Null(), nil
		}
	}
	if !o.Deserialize {
		return types.String(cell), nil
	}
	s := strings.TrimSpace(cell)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return types.Int(i), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return types.Float(f), nil
	}
	switch s {
	case "true", "True":
		return types.Bool(true), nil
	case "false", "False":
		return types.Bool(false), nil
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		if v, ok := literalValue(s); ok {
			return v, nil
		}
	}
	return types.String(cell), nil
}

func literalValue(s string) (types.Value, bool) {
	rec, err := decodeJSONObject([]byte(`{"v":`+s+`}`), true)
	if err != nil {
		return types.Null(), false
	}
	return rec["v"], true
}

func (o tsvOptions) rowRecord(header, row []string) (types.Record, error) {
	if len(row) != len(header) {
		return nil, fmt.Errorf("row has %d columns, header has %d", len(row), len(header))
	}
	rec := make(types.Record, len(header))
	for i, name := range header {
		v, err := o.cellValue(row[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		if !v.IsNull() {
			rec[name] = v
		}
	}
	return rec, nil
}

func newTSVRow(raw map[string]any) (parseFunc, error) {
	opts := defaultTSVOptions()
	if err := decodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	comma, err := opts.comma()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, path string) ([]types.Record, error) {
		rows, err := readTSV(path, comma)
		if err != nil {
			return nil, err
		}
		if len(rows) < 2 {
			return nil, nil
		}
		rec, err := opts.rowRecord(rows[0], rows[1])
		if err != nil {
			return nil, err
		}
		return []types.Record{rec}, nil
	}, nil
}

func newTSVTable(raw map[string]any) (parseFunc, error) {
	opts := defaultTSVOptions()
	if err := decodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	comma, err := opts.comma()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, path string) ([]types.Record, error) {
		rows, err := readTSV(path, comma)
		if err != nil {
			return nil, err
		}
		if len(rows) < 2 {
			return nil, nil
		}
		recs := make([]types.Record, 0, len(rows)-1)
		for i, row := range rows[1:] {
			rec, err := opts.rowRecord(rows[0], row)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+2, err)
			}
			recs = append(recs, rec)
		}
		return recs, nil
	}, nil
}

type tsvArrayOptions struct {
	Sep  string `mapstructure:"sep"`
	Name string `mapstructure:"name"`
}

// newTSVArray loads a numeric vector or matrix. A single row or column yields
// a one dimensional array.
func newTSVArray(raw map[string]any) (parseFunc, error) {
	opts := tsvArrayOptions{Sep: "\t", Name: "array"}
	if err := decodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	comma, err := tsvOptions{Sep: opts.Sep}.comma()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, path string) ([]types.Record, error) {
		rows, err := readTSV(path, comma)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 || len(rows[0]) == 0 {
			return nil, nil
		}
		cols := len(rows[0])
		data := make([]float64, 0, len(rows)*cols)
		for i, row := range rows {
			if len(row) != cols {
				return nil, fmt.Errorf("line %d: %d columns, want %d", i+1, len(row), cols)
			}
			for j, cell := range row {
				cell = strings.TrimSpace(cell)
				if cell == "n/a" || strings.EqualFold(cell, "nan") {
					data = append(data, math.NaN())
					continue
				}
				f, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d column %d: %w", i+1, j+1, err)
				}
				data = append(data, f)
			}
		}
		shape := []int{len(rows), cols}
		switch {
		case len(rows) == 1:
			shape = []int{cols}
		case cols == 1:
			shape = []int{len(rows)}
		}
		v, err := types.Array(shape, data)
		if err != nil {
			return nil, err
		}
		return []types.Record{{opts.Name: v}}, nil
	}, nil
}
