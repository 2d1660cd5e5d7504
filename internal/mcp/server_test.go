package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crawltab/internal/config"
	"github.com/dshills/crawltab/internal/engine"
	"github.com/dshills/crawltab/internal/indexer"
)

// runCollection crawls two directories, one with a broken file, and returns the db dir
func runCollection(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	require.NoError(t, os.MkdirAll(a, 0o755))
	require.NoError(t, os.MkdirAll(b, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a, "sub-01_T1w.json"), []byte(`{"tr": 2.5, "seq": "mprage"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(b, "sub-02_T1w.json"), []byte(`{"tr":`), 0o644))

	dbDir := t.TempDir()
	cfg := &config.Config{
		CollectionID: "ds",
		DBDir:        dbDir,
		LogDir:       filepath.Join(dbDir, ".crawltab"),
		NumWorkers:   1,
		LogLevel:     "info",
		Paths:        config.PathsConfig{List: []string{a, b}},
		Tables: []config.TableConfig{{
			Name:     "anat",
			Indexer:  config.IndexerConfig{Fields: []indexer.FieldConfig{{Name: "sub", Required: true}}},
			Handlers: []config.HandlerConfig{{Type: "json", Label: "json", Pattern: []string{"*.json"}}},
		}},
	}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	_, err := engine.Run(context.Background(), cfg, engine.WithLogger(logger))
	require.NoError(t, err)
	return dbDir
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func decode(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestNewServer(t *testing.T) {
	t.Run("requires db dir", func(t *testing.T) {
		_, err := NewServer("", "")
		assert.Error(t, err)
	})

	t.Run("rejects a file", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(f, nil, 0o644))
		_, err := NewServer(f, "")
		assert.ErrorIs(t, err, ErrNotDirectory)
	})

	t.Run("defaults log dir", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewServer(dir, "")
		require.NoError(t, err)
		assert.NotNil(t, s.mcp)
		assert.Equal(t, filepath.Join(dir, ".crawltab"), s.logDir)
	})
}

func TestCollectionStatus(t *testing.T) {
	s, err := NewServer(runCollection(t), "")
	require.NoError(t, err)

	res, err := s.handleCollectionStatus(context.Background(), call(map[string]interface{}{"collection_id": "ds"}))
	require.NoError(t, err)
	out := decode(t, res)

	assert.Equal(t, "ds", out["collection_id"])
	assert.Equal(t, float64(2), out["paths"])
	workers := out["workers"].([]interface{})
	require.Len(t, workers, 1)
	w := workers[0].(map[string]interface{})
	assert.Equal(t, float64(1), w["shards"])
	assert.Equal(t, float64(2), w["dirs_completed"])
	run := w["last_run"].(map[string]interface{})
	assert.Equal(t, "finished", run["status"])

	totals := out["totals"].(map[string]interface{})
	assert.Equal(t, float64(1), totals["files_errored"])
}

func TestCollectionStatusErrors(t *testing.T) {
	s, err := NewServer(t.TempDir(), "")
	require.NoError(t, err)

	_, err = s.handleCollectionStatus(context.Background(), call(map[string]interface{}{}))
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)

	_, err = s.handleCollectionStatus(context.Background(), call(map[string]interface{}{"collection_id": "../x"}))
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)

	_, err = s.handleCollectionStatus(context.Background(), call(map[string]interface{}{"collection_id": "nope"}))
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeCollectionNotFound, mcpErr.Code)
	_, statErr := os.Stat(filepath.Join(s.logDir, "nope"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestListShardsAndInspect(t *testing.T) {
	dbDir := runCollection(t)
	s, err := NewServer(dbDir, "")
	require.NoError(t, err)

	res, err := s.handleListShards(context.Background(), call(map[string]interface{}{}))
	require.NoError(t, err)
	out := decode(t, res)
	tables := out["tables"].([]interface{})
	require.Len(t, tables, 1)
	table := tables[0].(map[string]interface{})
	assert.Equal(t, "anat", table["table"])
	shards := table["shards"].([]interface{})
	require.Len(t, shards, 1)
	path := shards[0].(map[string]interface{})["path"].(string)

	rel, err := filepath.Rel(dbDir, path)
	require.NoError(t, err)
	res, err = s.handleInspectShard(context.Background(), call(map[string]interface{}{"path": rel, "limit": float64(5)}))
	require.NoError(t, err)
	shard := decode(t, res)
	assert.Equal(t, "parquet", shard["format"])
	assert.Equal(t, float64(1), shard["total_rows"])
	rows := shard["rows"].([]interface{})
	require.Len(t, rows, 1)
	row := rows[0].(map[string]interface{})
	assert.Equal(t, "01", row["_index"].(map[string]interface{})["sub"])
	attrs := row["attributes"].(map[string]interface{})
	assert.Equal(t, 2.5, attrs["tr"])
	assert.Equal(t, "mprage", attrs["seq"])
}

func TestInspectRejectsOutsidePaths(t *testing.T) {
	s, err := NewServer(t.TempDir(), "")
	require.NoError(t, err)

	var mcpErr *MCPError
	_, err = s.handleInspectShard(context.Background(), call(map[string]interface{}{"path": "../../etc/passwd"}))
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodePathOutsideDatabase, mcpErr.Code)

	_, err = s.handleInspectShard(context.Background(), call(map[string]interface{}{"path": "t/missing.parquet"}))
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeShardNotFound, mcpErr.Code)

	_, err = s.handleInspectShard(context.Background(), call(map[string]interface{}{"path": "x", "limit": float64(500)}))
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)
}

func TestFailures(t *testing.T) {
	s, err := NewServer(runCollection(t), "")
	require.NoError(t, err)

	res, err := s.handleFailures(context.Background(), call(map[string]interface{}{"collection_id": "ds"}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, float64(1), out["count"])
	f := out["failures"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "handler", f["kind"])
	assert.Equal(t, "anat", f["table"])

	res, err = s.handleFailures(context.Background(), call(map[string]interface{}{"collection_id": "ds", "worker_id": float64(3)}))
	require.NoError(t, err)
	assert.Equal(t, float64(0), decode(t, res)["count"])
}
