package handler

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/dshills/crawltab/pkg/types"
)

// Handler parses one file into zero or more records
type Handler interface {
	// Name identifies the handler implementation in logs and failure records
	Name() string
	// Parse reads path and returns its records. Errors are reported per file.
	Parse(ctx context.Context, path string) ([]types.Record, error)
}

// Func adapts a function to the Handler interface
type Func struct {
	Label string
	Fn    func(ctx context.Context, path string) ([]types.Record, error)
}

func (f Func) Name() string { return f.Label }

func (f Func) Parse(ctx context.Context, path string) ([]types.Record, error) {
	return f.Fn(ctx, path)
}

// Registration binds glob patterns to a handler that feeds one table
type Registration struct {
	Table    string
	Label    string
	Patterns []string
	Handler  Handler
}

// MatchResult describes which registration claimed a file
type MatchResult struct {
	Table   string
	Label   string
	Pattern string
	Handler Handler
}

// Registry resolves file paths to handlers. It is immutable after construction
// and safe for concurrent use.
type Registry struct {
	regs []Registration
}

// NewRegistry validates registrations and freezes their order. Malformed
// patterns, duplicate labels and ambiguous patterns are configuration errors.
func NewRegistry(regs []Registration) (*Registry, error) {
	seen := make(map[string]bool, len(regs))
	frozen := make([]Registration, len(regs))
	for i, reg := range regs {
		id := reg.Table + "/" + reg.Label
		switch {
		case reg.Table == "":
			return nil, types.Configf("tables", "handler %q has no table", reg.Label)
		case reg.Label == "":
			return nil, types.Configf("tables."+reg.Table, "handler without label")
		case reg.Handler == nil:
			return nil, types.Configf(id, "no handler")
		case len(reg.Patterns) == 0:
			return nil, types.Configf(id, "no patterns")
		case seen[id]:
			return nil, types.Configf(id, "duplicate handler label")
		}
		seen[id] = true
		for _, p := range reg.Patterns {
			if p == "" {
				return nil, types.Configf(id, "empty pattern")
			}
			if _, err := path.Match(p, ""); err != nil {
				return nil, &types.ConfigurationError{Field: id, Msg: fmt.Sprintf("bad pattern %q", p), Err: err}
			}
		}
		reg.Patterns = append([]string(nil), reg.Patterns...)
		frozen[i] = reg
	}

	for i := range frozen {
		for j := range frozen {
			if i == j {
				continue
			}
			if a, b, ok := overlap(frozen[i], frozen[j]); ok {
				return nil, types.Configf("tables",
					"ambiguous handlers: %s/%s pattern %q and %s/%s pattern %q match the same file",
					frozen[i].Table, frozen[i].Label, a, frozen[j].Table, frozen[j].Label, b)
			}
		}
	}
	return &Registry{regs: frozen}, nil
}

// overlap reports a literal pattern of a that is also matched by a pattern of b
func overlap(a, b Registration) (string, string, bool) {
	for _, pa := range a.Patterns {
		for _, pb := range b.Patterns {
			if pa == pb {
				return pa, pb, true
			}
			if !isLiteral(pa) {
				continue
			}
			if matchPattern(pb, pa) {
				return pa, pb, true
			}
		}
	}
	return "", "", false
}

func isLiteral(p string) bool {
	return !strings.ContainsAny(p, `*?[\`)
}

// matchPattern applies p to a slash separated relative path. Patterns without
// a slash only see the base name.
func matchPattern(p, rel string) bool {
	target := rel
	if !strings.Contains(p, "/") {
		target = path.Base(rel)
	}
	ok, _ := path.Match(p, target)
	return ok
}

// Match returns the first registration whose pattern matches rel, the file
// path relative to the crawl root.
func (r *Registry) Match(rel string) (MatchResult, bool) {
	rel = strings.TrimPrefix(strings.ReplaceAll(rel, "\\", "/"), "/")
	for _, reg := range r.regs {
		for _, p := range reg.Patterns {
			if matchPattern(p, rel) {
				return MatchResult{Table: reg.Table, Label: reg.Label, Pattern: p, Handler: reg.Handler}, true
			}
		}
	}
	return MatchResult{}, false
}

// Tables lists the distinct tables in registration order
func (r *Registry) Tables() []string {
	var tables []string
	seen := make(map[string]bool)
	for _, reg := range r.regs {
		if !seen[reg.Table] {
			seen[reg.Table] = true
			tables = append(tables, reg.Table)
		}
	}
	return tables
}

// Len returns the number of registrations
func (r *Registry) Len() int { return len(r.regs) }
