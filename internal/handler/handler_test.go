package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crawltab/pkg/types"
)

func stub(name string) Handler {
	return Func{Label: name, Fn: func(ctx context.Context, path string) ([]types.Record, error) {
		return []types.Record{{"handler": types.String(name)}}, nil
	}}
}

func TestRegistryMatchFirstWins(t *testing.T) {
	reg, err := NewRegistry([]Registration{
		{Table: "anat", Label: "t1w", Patterns: []string{"*_T1w.json"}, Handler: stub("t1w")},
		{Table: "func", Label: "bold", Patterns: []string{"*_bold.json", "*_bold.tsv"}, Handler: stub("bold")},
		{Table: "sidecars", Label: "any", Patterns: []string{"*.json"}, Handler: stub("any")},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())
	assert.Equal(t, []string{"anat", "func", "sidecars"}, reg.Tables())

	tests := []struct {
		rel   string
		table string
		ok    bool
	}{
		{"sub-01/anat/sub-01_T1w.json", "anat", true},
		{"sub-01/func/sub-01_task-rest_bold.tsv", "func", true},
		{"sub-01/func/sub-01_task-rest_events.json", "sidecars", true},
		{"sub-01/anat/sub-01_T1w.nii.gz", "", false},
		{`sub-01\anat\sub-01_T1w.json`, "anat", true},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			m, ok := reg.Match(tt.rel)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.table, m.Table)
		})
	}
}

func TestRegistrySlashPatterns(t *testing.T) {
	reg, err := NewRegistry([]Registration{
		{Table: "anat", Label: "json", Patterns: []string{"*/anat/*.json"}, Handler: stub("anat")},
	})
	require.NoError(t, err)

	_, ok := reg.Match("sub-01/anat/x.json")
	assert.True(t, ok)
	_, ok = reg.Match("sub-01/func/x.json")
	assert.False(t, ok)
	_, ok = reg.Match("x.json")
	assert.False(t, ok)
}

func TestRegistryHandlerRuns(t *testing.T) {
	reg, err := NewRegistry([]Registration{
		{Table: "t", Label: "a", Patterns: []string{"*.json"}, Handler: stub("a")},
	})
	require.NoError(t, err)

	m, ok := reg.Match("file.json")
	require.True(t, ok)
	assert.Equal(t, "a", m.Handler.Name())
	recs, err := m.Handler.Parse(context.Background(), "file.json")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0]["handler"].AsString())
}

func TestRegistryRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		regs []Registration
	}{
		{"ambiguous literal", []Registration{
			{Table: "participants", Label: "tsv", Patterns: []string{"participants.tsv"}, Handler: stub("a")},
			{Table: "tables", Label: "tsv", Patterns: []string{"*.tsv"}, Handler: stub("b")},
		}},
		{"ambiguous literal later", []Registration{
			{Table: "tables", Label: "tsv", Patterns: []string{"*.tsv"}, Handler: stub("b")},
			{Table: "participants", Label: "tsv", Patterns: []string{"participants.tsv"}, Handler: stub("a")},
		}},
		{"identical pattern", []Registration{
			{Table: "a", Label: "x", Patterns: []string{"*.json"}, Handler: stub("a")},
			{Table: "b", Label: "y", Patterns: []string{"*.json"}, Handler: stub("b")},
		}},
		{"duplicate label", []Registration{
			{Table: "a", Label: "x", Patterns: []string{"*.json"}, Handler: stub("a")},
			{Table: "a", Label: "x", Patterns: []string{"*.tsv"}, Handler: stub("b")},
		}},
		{"malformed pattern", []Registration{
			{Table: "a", Label: "x", Patterns: []string{"[a-"}, Handler: stub("a")},
		}},
		{"no patterns", []Registration{{Table: "a", Label: "x", Handler: stub("a")}}},
		{"no handler", []Registration{{Table: "a", Label: "x", Patterns: []string{"*"}}}},
		{"no table", []Registration{{Label: "x", Patterns: []string{"*"}, Handler: stub("a")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.regs)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}

func TestRegistryAllowsDisjointLiterals(t *testing.T) {
	_, err := NewRegistry([]Registration{
		{Table: "participants", Label: "tsv", Patterns: []string{"participants.tsv"}, Handler: stub("a")},
		{Table: "desc", Label: "json", Patterns: []string{"dataset_description.json"}, Handler: stub("b")},
		{Table: "events", Label: "tsv", Patterns: []string{"*_events.tsv"}, Handler: stub("c")},
	})
	assert.NoError(t, err)
}
