package loaders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dshills/crawltab/pkg/types"
)

type jsonOptions struct {
	// Nested keeps objects and arrays. When false only scalar members survive.
	Nested bool `mapstructure:"nested"`
}

func newJSON(raw map[string]any) (parseFunc, error) {
	opts := jsonOptions{Nested: true}
	if err := decodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	return func(ctx context.Context, path string) ([]types.Record, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		rec, err := decodeJSONObject(data, opts.Nested)
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 {
			return nil, nil
		}
		return []types.Record{rec}, nil
	}, nil
}

func decodeJSONObject(data []byte, nested bool) (types.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid json: trailing data")
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("json document is %T, want an object", doc)
	}
	rec := make(types.Record, len(obj))
	for k, raw := range obj {
		if !nested && isContainer(raw) {
			continue
		}
		v, err := jsonValue(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		if !v.IsNull() {
			rec[k] = v
		}
	}
	return rec, nil
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// jsonValue converts a decoded json value. Numeric arrays of uniform shape
// become n-dimensional arrays; any other array is kept as its json text.
func jsonValue(raw any) (types.Value, error) {
	switch v := raw.(type) {
	case nil:
		return types.Null(), nil
	case bool:
		return types.Bool(v), nil
	case string:
		return types.String(v), nil
	case json.Number:
		return numberValue(v)
	case map[string]any:
		members := make(map[string]types.Value, len(v))
		for k, m := range v {
			mv, err := jsonValue(m)
			if err != nil {
				return types.Null(), fmt.Errorf("%s: %w", k, err)
			}
			members[k] = mv
		}
		return types.Struct(members), nil
	case []any:
		if shape, data, ok := numericArray(v); ok {
			return types.Array(shape, data)
		}
		text, err := json.Marshal(v)
		if err != nil {
			return types.Null(), err
		}
		return types.String(string(text)), nil
	}
	return types.Null(), fmt.Errorf("unsupported json value %T", raw)
}

func numberValue(n json.Number) (types.Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return types.Int(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return types.Null(), err
	}
	return types.Float(f), nil
}

// numericArray flattens a rectangular array of json numbers in row-major order
func numericArray(v []any) ([]int, []float64, bool) {
	shape := []int{len(v)}
	if len(v) > 0 {
		if first, ok := v[0].([]any); ok {
			inner, _, ok := numericArray(first)
			if !ok {
				return nil, nil, false
			}
			shape = append(shape, inner...)
		}
	}
	var data []float64
	var walk func(level int, items []any) bool
	walk = func(level int, items []any) bool {
		if len(items) != shape[level] {
			return false
		}
		for _, item := range items {
			if level < len(shape)-1 {
				sub, ok := item.([]any)
				if !ok || !walk(level+1, sub) {
					return false
				}
				continue
			}
			n, ok := item.(json.Number)
			if !ok {
				return false
			}
			f, err := n.Float64()
			if err != nil {
				return false
			}
			data = append(data, f)
		}
		return true
	}
	if !walk(0, v) {
		return nil, nil, false
	}
	return shape, data, true
}
