package indexer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/crawltab/pkg/types"
)

// Source selects where a field value comes from
type Source string

const (
	SourcePath   Source = "path"
	SourceRecord Source = "record"
)

// Dtype is the storage type of an index field
type Dtype string

const (
	DtypeStr Dtype = "str"
	DtypeInt Dtype = "int"
)

// Named patterns selected by key
var builtinPatterns = map[string]string{
	"suffix":    `_([a-zA-Z0-9]*?)\.[^/]+$`,
	"extension": `.*?(\.[^/]+)$`,
}

// FieldConfig describes one index field
type FieldConfig struct {
	Name      string `mapstructure:"name"`
	Key       string `mapstructure:"key"`
	Pattern   string `mapstructure:"pattern"`
	Dtype     Dtype  `mapstructure:"dtype"`
	Required  bool   `mapstructure:"required"`
	Source    Source `mapstructure:"source"`
	Attribute string `mapstructure:"attribute"`
}

type field struct {
	FieldConfig
	re *regexp.Regexp
}

// Indexer derives the IndexKey of a record from its file path and attributes.
// It holds only compiled configuration and is safe for concurrent use.
type Indexer struct {
	fields []field
}

// New compiles the field list. Patterns must have exactly one capture group.
func New(configs []FieldConfig) (*Indexer, error) {
	if len(configs) == 0 {
		return nil, types.Configf("indexer.fields", "at least one index field is required")
	}
	seen := make(map[string]bool, len(configs))
	fields := make([]field, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, types.Configf("indexer.fields", "field without name")
		}
		if seen[cfg.Name] {
			return nil, types.Configf("indexer.fields."+cfg.Name, "duplicate field")
		}
		seen[cfg.Name] = true

		if cfg.Key == "" {
			cfg.Key = cfg.Name
		}
		if cfg.Dtype == "" {
			cfg.Dtype = DtypeStr
		}
		if cfg.Source == "" {
			cfg.Source = SourcePath
		}
		if cfg.Dtype != DtypeStr && cfg.Dtype != DtypeInt {
			return nil, types.Configf("indexer.fields."+cfg.Name, "unknown dtype %q", cfg.Dtype)
		}

		f := field{FieldConfig: cfg}
		switch cfg.Source {
		case SourcePath:
			if f.Pattern == "" {
				f.Pattern = builtinPatterns[cfg.Key]
			}
			if f.Pattern == "" {
				f.Pattern = `(?:[_/]|^)` + regexp.QuoteMeta(cfg.Key) + `-(.+?)(?:[._/]|$)`
			}
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return nil, &types.ConfigurationError{Field: "indexer.fields." + cfg.Name, Msg: "bad pattern", Err: err}
			}
			if re.NumSubexp() != 1 {
				return nil, types.Configf("indexer.fields."+cfg.Name, "pattern %q must have exactly one capture group", f.Pattern)
			}
			f.re = re
		case SourceRecord:
			if f.Attribute == "" {
				f.Attribute = cfg.Name
			}
		default:
			return nil, types.Configf("indexer.fields."+cfg.Name, "unknown source %q", cfg.Source)
		}
		fields = append(fields, f)
	}
	return &Indexer{fields: fields}, nil
}

// Names returns the index field names in key order
func (idx *Indexer) Names() []string {
	names := make([]string, len(idx.fields))
	for i, f := range idx.fields {
		names[i] = f.Name
	}
	return names
}

// Dtypes returns the field dtypes in key order
func (idx *Indexer) Dtypes() []Dtype {
	dtypes := make([]Dtype, len(idx.fields))
	for i, f := range idx.fields {
		dtypes[i] = f.Dtype
	}
	return dtypes
}

// Derive extracts the key for rec found at path. A missing required field is
// an IndexError; a missing optional field takes the null value of its dtype
// ("" or -1).
func (idx *Indexer) Derive(path string, rec types.Record) (types.IndexKey, error) {
	slashed := strings.ReplaceAll(filepath.ToSlash(path), "\\", "/")
	key := types.IndexKey{Fields: make([]types.KeyField, 0, len(idx.fields))}
	for _, f := range idx.fields {
		raw, found := f.lookup(slashed, rec)
		if !found {
			if f.Required {
				return types.IndexKey{}, &types.IndexError{Path: path, Field: f.Name, Msg: "required field not found"}
			}
			key.Fields = append(key.Fields, types.KeyField{Name: f.Name, Value: f.null()})
			continue
		}
		v, err := f.convert(raw)
		if err != nil {
			return types.IndexKey{}, &types.IndexError{Path: path, Field: f.Name, Msg: err.Error()}
		}
		key.Fields = append(key.Fields, types.KeyField{Name: f.Name, Value: v})
	}
	return key, nil
}

func (f *field) lookup(path string, rec types.Record) (string, bool) {
	if f.Source == SourcePath {
		m := f.re.FindStringSubmatch(path)
		if m == nil {
			return "", false
		}
		return m[1], true
	}
	v, ok := rec[f.Attribute]
	if !ok {
		v, ok = nestedAttr(rec, f.Attribute)
	}
	if !ok || v.IsNull() {
		return "", false
	}
	switch v.Kind() {
	case types.KindString, types.KindInt:
		return v.String(), true
	case types.KindFloat:
		if fv := v.AsFloat(); fv == float64(int64(fv)) {
			return strconv.FormatInt(int64(fv), 10), true
		}
		return v.String(), true
	}
	return "", false
}

// nestedAttr resolves a dotted attribute path through struct values
func nestedAttr(rec types.Record, attr string) (types.Value, bool) {
	parts := strings.Split(attr, ".")
	if len(parts) < 2 {
		return types.Null(), false
	}
	v, ok := rec[parts[0]]
	for _, name := range parts[1:] {
		if !ok || v.Kind() != types.KindStruct {
			return types.Null(), false
		}
		v, ok = v.Field(name)
	}
	return v, ok
}

func (f *field) convert(raw string) (types.Value, error) {
	if f.Dtype == DtypeStr {
		return types.String(raw), nil
	}
	i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return types.Null(), fmt.Errorf("value %q is not an int", raw)
	}
	return types.Int(i), nil
}

func (f *field) null() types.Value {
	if f.Dtype == DtypeInt {
		return types.Int(-1)
	}
	return types.String("")
}
