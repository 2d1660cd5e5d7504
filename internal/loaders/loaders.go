// Package loaders provides the built-in file handlers that a table
// configuration can reference by type name.
package loaders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mitchellh/mapstructure"

	"github.com/dshills/crawltab/internal/handler"
	"github.com/dshills/crawltab/pkg/types"
)

// Spec configures one handler instance
type Spec struct {
	Type    string
	Label   string
	Rename  map[string]string
	Options map[string]any

	// Fields optionally declares attribute kinds. Records are cast to them and
	// undeclared attributes are dropped.
	Fields map[string]string
	// OverlapThreshold discards records whose share of declared fields present
	// falls below it. Zero disables the check.
	OverlapThreshold float64
	// Group nests every attribute under one struct attribute of this name
	Group string
}

// parseFunc is the type specific part of a loader
type parseFunc func(ctx context.Context, path string) ([]types.Record, error)

// Factory builds a parse function from raw type options
type Factory func(opts map[string]any) (parseFunc, error)

var factories = map[string]Factory{
	"json":      newJSON,
	"tsv_row":   newTSVRow,
	"tsv_table": newTSVTable,
	"tsv_array": newTSVArray,
	"blob":      newBlob,
	"path":      newPath,
}

// Types lists the registered loader type names
func Types() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loader is a configured handler. It applies renaming and the optional field
// schema to whatever the type specific parser returns.
type Loader struct {
	name      string
	parse     parseFunc
	rename    map[string]string
	fields    map[string]types.Kind
	threshold float64
	group     string
}

// New builds a handler from its spec
func New(spec Spec) (*Loader, error) {
	factory, ok := factories[spec.Type]
	if !ok {
		return nil, types.Configf("handlers."+spec.Label, "unknown handler type %q (have %v)", spec.Type, Types())
	}
	parse, err := factory(spec.Options)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "handlers." + spec.Label + ".options", Err: err}
	}
	if spec.OverlapThreshold < 0 || spec.OverlapThreshold > 1 {
		return nil, types.Configf("handlers."+spec.Label+".overlap_threshold", "must be in [0, 1], got %g", spec.OverlapThreshold)
	}

	l := &Loader{
		name:      spec.Type,
		parse:     parse,
		rename:    spec.Rename,
		threshold: spec.OverlapThreshold,
		group:     spec.Group,
	}
	if len(spec.Fields) > 0 {
		l.fields = make(map[string]types.Kind, len(spec.Fields))
		for name, kindName := range spec.Fields {
			k, err := types.ParseKind(kindName)
			if err != nil {
				return nil, &types.ConfigurationError{Field: "handlers." + spec.Label + ".fields." + name, Err: err}
			}
			l.fields[name] = k
		}
	}
	return l, nil
}

// Name implements handler.Handler
func (l *Loader) Name() string { return l.name }

// Parse implements handler.Handler
func (l *Loader) Parse(ctx context.Context, path string) ([]types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs, err := l.parse(ctx, path)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		rec, err = rec.Renamed(l.rename)
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 {
			continue
		}
		if l.fields != nil {
			var keep bool
			rec, keep, err = l.applySchema(path, rec)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		if l.group != "" {
			v := types.Struct(rec)
			if v.IsNull() {
				continue
			}
			rec = types.Record{l.group: v}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *Loader) applySchema(path string, rec types.Record) (types.Record, bool, error) {
	present := 0
	cast := make(types.Record, len(l.fields))
	for name, kind := range l.fields {
		v, ok := rec[name]
		if !ok || v.IsNull() {
			continue
		}
		present++
		cv, err := castValue(v, kind)
		if err != nil {
			return nil, false, fmt.Errorf("attribute %s: %w", name, err)
		}
		cast[name] = cv
	}
	overlap := float64(present) / float64(len(l.fields))
	if overlap < 1 {
		slog.Debug("record overlaps declared fields partially", "path", path, "handler", l.name, "overlap", overlap)
	}
	if l.threshold > 0 && overlap < l.threshold {
		slog.Warn("discarding record below overlap threshold", "path", path, "handler", l.name,
			"overlap", overlap, "threshold", l.threshold)
		return nil, false, nil
	}
	return cast, true, nil
}

// decodeOptions strictly decodes raw options into out, rejecting unknown keys
func decodeOptions(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

var _ handler.Handler = (*Loader)(nil)
