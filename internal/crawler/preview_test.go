package crawler

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crawltab/internal/assembler"
	"github.com/dshills/crawltab/pkg/types"
)

func TestRenderBatch(t *testing.T) {
	a := assembler.New(nil, assembler.Error, nil)
	for _, sub := range []string{"01", "02", "03"} {
		key, err := types.NewIndexKey(types.KeyField{Name: "sub", Value: types.String(sub)})
		require.NoError(t, err)
		_, err = a.Insert("meta", assembler.Row{
			Key:    key,
			Source: "sub-" + sub + ".json",
			Record: types.Record{"RepetitionTime": types.Float(2), "note": types.Null()},
		})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	RenderBatch(&buf, a.Drain("meta"), 2)
	out := buf.String()
	assert.Contains(t, out, "meta (3 rows)")
	assert.Contains(t, out, "RepetitionTime")
	assert.Contains(t, out, "sub-02.json")
	assert.NotContains(t, out, "sub-03.json")
	assert.Contains(t, out, "... 1 more")
}

func TestRenderSchema(t *testing.T) {
	var buf bytes.Buffer
	RenderSchema(&buf, "meta schema", []string{"tr"}, map[string]types.ColumnType{"tr": {Kind: types.KindFloat}})
	assert.Contains(t, buf.String(), "tr")
	assert.Contains(t, buf.String(), "float")
}
