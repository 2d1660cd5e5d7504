package loaders

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crawltab/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func parseOne(t *testing.T, spec Spec, path string) []types.Record {
	t.Helper()
	l, err := New(spec)
	require.NoError(t, err)
	recs, err := l.Parse(context.Background(), path)
	require.NoError(t, err)
	return recs
}

func TestJSONLoader(t *testing.T) {
	path := writeFile(t, "sub-01_T1w.json", `{
		"RepetitionTime": 2.3,
		"EchoNumber": 1,
		"Manufacturer": "Siemens",
		"Skip": null,
		"SliceTiming": [0.0, 0.5, 1.0],
		"Matrix": [[1, 2], [3, 4]],
		"Mixed": [1, "two"],
		"Device": {"Model": "Prisma", "Field": 3}
	}`)

	recs := parseOne(t, Spec{Type: "json", Label: "sidecar"}, path)
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.True(t, rec["RepetitionTime"].Equal(types.Float(2.3)))
	assert.True(t, rec["EchoNumber"].Equal(types.Int(1)))
	assert.True(t, rec["Manufacturer"].Equal(types.String("Siemens")))
	assert.NotContains(t, rec, "Skip")
	assert.True(t, rec["SliceTiming"].Equal(types.MustArray([]int{3}, []float64{0, 0.5, 1})))
	assert.True(t, rec["Matrix"].Equal(types.MustArray([]int{2, 2}, []float64{1, 2, 3, 4})))
	assert.True(t, rec["Mixed"].Equal(types.String(`[1,"two"]`)))
	assert.Equal(t, types.KindStruct, rec["Device"].Kind())
	model, ok := rec["Device"].Field("Model")
	require.True(t, ok)
	assert.Equal(t, "Prisma", model.AsString())
}

func TestJSONLoaderFlat(t *testing.T) {
	path := writeFile(t, "a.json", `{"a": 1, "b": [1, 2], "c": {"d": 1}}`)
	recs := parseOne(t, Spec{Type: "json", Label: "flat", Options: map[string]any{"nested": false}}, path)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"a"}, recs[0].Names())
}

func TestJSONLoaderRejectsNonObject(t *testing.T) {
	l, err := New(Spec{Type: "json", Label: "x"})
	require.NoError(t, err)

	_, err = l.Parse(context.Background(), writeFile(t, "a.json", `[1, 2]`))
	assert.Error(t, err)
	_, err = l.Parse(context.Background(), writeFile(t, "b.json", `{"a": 1`))
	assert.Error(t, err)
	_, err = l.Parse(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestTSVRowLoader(t *testing.T) {
	path := writeFile(t, "scans.tsv", "age\tsex\tweight\tgroups\tnote\n31\tM\t70.5\t[1, 2]\tn/a\n")
	recs := parseOne(t, Spec{Type: "tsv_row", Label: "row"}, path)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.True(t, rec["age"].Equal(types.Int(31)))
	assert.True(t, rec["sex"].Equal(types.String("M")))
	assert.True(t, rec["weight"].Equal(types.Float(70.5)))
	assert.True(t, rec["groups"].Equal(types.MustArray([]int{2}, []float64{1, 2})))
	assert.NotContains(t, rec, "note")

	raw := parseOne(t, Spec{Type: "tsv_row", Label: "raw", Options: map[string]any{"deserialize": false}}, path)
	assert.True(t, raw[0]["age"].Equal(types.String("31")))

	empty := parseOne(t, Spec{Type: "tsv_row", Label: "row"}, writeFile(t, "h.tsv", "a\tb\n"))
	assert.Empty(t, empty)
}

func TestTSVTableLoader(t *testing.T) {
	path := writeFile(t, "participants.tsv", "participant_id\tage\nsub-01\t20\nsub-02\t30\n")
	recs := parseOne(t, Spec{Type: "tsv_table", Label: "participants"}, path)
	require.Len(t, recs, 2)
	assert.Equal(t, "sub-02", recs[1]["participant_id"].AsString())
	assert.Equal(t, int64(30), recs[1]["age"].AsInt())
}

func TestTSVArrayLoader(t *testing.T) {
	matrix := parseOne(t, Spec{Type: "tsv_array", Label: "conn", Options: map[string]any{"name": "conn"}},
		writeFile(t, "m.tsv", "1\t2\t3\n4\t5\tn/a\n"))
	require.Len(t, matrix, 1)
	arr := matrix[0]["conn"].AsArray()
	require.NotNil(t, arr)
	assert.Equal(t, []int{2, 3}, arr.Shape)
	assert.True(t, math.IsNaN(arr.Data[5]))

	vector := parseOne(t, Spec{Type: "tsv_array", Label: "vec"}, writeFile(t, "v.tsv", "1\n2\n3\n"))
	assert.Equal(t, []int{3}, vector[0]["array"].AsArray().Shape)

	l, err := New(Spec{Type: "tsv_array", Label: "bad"})
	require.NoError(t, err)
	_, err = l.Parse(context.Background(), writeFile(t, "bad.tsv", "1\tx\n"))
	assert.Error(t, err)
}

func TestBlobAndPathLoaders(t *testing.T) {
	path := writeFile(t, "raw.bin", "\x00\x01payload")
	recs := parseOne(t, Spec{Type: "blob", Label: "raw"}, path)
	assert.Equal(t, []byte("\x00\x01payload"), recs[0]["blob"].AsBytes())

	l, err := New(Spec{Type: "blob", Label: "small", Options: map[string]any{"max_bytes": "4 B"}})
	require.NoError(t, err)
	_, err = l.Parse(context.Background(), path)
	assert.Error(t, err)

	recs = parseOne(t, Spec{Type: "path", Label: "p", Options: map[string]any{"relative_to": filepath.Dir(path)}}, path)
	assert.Equal(t, "raw.bin", recs[0]["path"].AsString())
}

func TestRenameAndFields(t *testing.T) {
	path := writeFile(t, "a.json", `{"RepetitionTime": "2", "EchoTime": 0.03, "Junk": 1}`)
	recs := parseOne(t, Spec{
		Type:   "json",
		Label:  "typed",
		Rename: map[string]string{"RepetitionTime": "tr", "Junk": types.DeleteAttr},
		Fields: map[string]string{"tr": "float", "EchoTime": "float", "Missing": "int"},
	}, path)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Equal(types.Record{"tr": types.Float(2), "EchoTime": types.Float(0.03)}))

	dropped := parseOne(t, Spec{
		Type:             "json",
		Label:            "strict",
		Fields:           map[string]string{"a": "int", "b": "int", "c": "int"},
		OverlapThreshold: 0.5,
	}, writeFile(t, "b.json", `{"a": 1, "z": 2}`))
	assert.Empty(t, dropped)

	l, err := New(Spec{Type: "json", Label: "cast", Fields: map[string]string{"a": "int"}})
	require.NoError(t, err)
	_, err = l.Parse(context.Background(), writeFile(t, "c.json", `{"a": "abc"}`))
	assert.Error(t, err)
}

func TestNewRejectsBadSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"unknown type", Spec{Type: "xml", Label: "x"}},
		{"unknown option", Spec{Type: "json", Label: "x", Options: map[string]any{"bogus": 1}}},
		{"bad sep", Spec{Type: "tsv_row", Label: "x", Options: map[string]any{"sep": "ab"}}},
		{"bad kind", Spec{Type: "json", Label: "x", Fields: map[string]string{"a": "decimal"}}},
		{"bad threshold", Spec{Type: "json", Label: "x", OverlapThreshold: 2}},
		{"bad size", Spec{Type: "blob", Label: "x", Options: map[string]any{"max_bytes": "lots"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}

func TestParseHonoursCancellation(t *testing.T) {
	l, err := New(Spec{Type: "json", Label: "x"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Parse(ctx, writeFile(t, "a.json", `{}`))
	assert.ErrorIs(t, err, context.Canceled)
}
