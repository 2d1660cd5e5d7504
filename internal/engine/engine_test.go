package engine

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crawltab/internal/config"
	"github.com/dshills/crawltab/internal/indexer"
	"github.com/dshills/crawltab/internal/ledger"
	"github.com/dshills/crawltab/internal/writer"
	"github.com/dshills/crawltab/pkg/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testConfig(t *testing.T, dirs ...string) *config.Config {
	t.Helper()
	dbDir := t.TempDir()
	return &config.Config{
		CollectionID: "c1",
		DBDir:        dbDir,
		LogDir:       filepath.Join(dbDir, ".crawltab"),
		NumWorkers:   1,
		LogLevel:     "info",
		Paths: config.PathsConfig{
			List:                   dirs,
			FilterCompleted:        true,
			RedoErrorRateThreshold: 0.25,
		},
		Tables: []config.TableConfig{{
			Name:      "meta",
			Collision: "error",
			Indexer:   config.IndexerConfig{Fields: []indexer.FieldConfig{{Name: "sub", Required: true}}},
			Handlers:  []config.HandlerConfig{{Type: "json", Label: "json", Pattern: []string{"*.json"}}},
		}},
	}
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func shards(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	paths, err := writer.ListShards(cfg.DBDir, "meta")
	require.NoError(t, err)
	return paths
}

func TestTwoWorkers(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeFile(t, filepath.Join(a, "sub-01_T1w.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(b, "sub-02_T1w.json"), `{"x": 2}`)

	cfg := testConfig(t, a, b)
	cfg.NumWorkers = 2
	cfg.LocalWorkers = true

	sum, err := Run(context.Background(), cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Status())
	require.Len(t, sum.Workers, 2)
	for _, w := range sum.Workers {
		require.NoError(t, w.Err)
		assert.Equal(t, types.Counts{Total: 1, Processed: 1, Errored: 0}, w.Stats.Dirs)
		assert.Equal(t, int64(1), w.Stats.Shards)
		assert.NotEmpty(t, w.RunID)
	}
	assert.Equal(t, int64(2), sum.Stats.Records)

	paths := shards(t, cfg)
	require.Len(t, paths, 2)
	assert.Equal(t, "c1-w0000-000000.parquet", filepath.Base(paths[0]))
	assert.Equal(t, "c1-w0001-000000.parquet", filepath.Base(paths[1]))

	saved, err := ReadPathList(PathsFile(cfg.LogDir, cfg.CollectionID))
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, saved)
}

func TestMatchedAndUnmatched(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub-01_T1w.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(root, "notes.txt"), "n/a")

	cfg := testConfig(t, root)
	sum, err := Run(context.Background(), cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, types.Counts{Total: 2, Processed: 1, Errored: 0}, sum.Stats.Files)
	assert.Equal(t, 0, sum.Status())
}

func TestFileErrorsGiveStatusTwo(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub-01_T1w.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(root, "sub-02_T1w.json"), `{"x":`)

	cfg := testConfig(t, root)
	sum, err := Run(context.Background(), cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Stats.Files.Errored)
	assert.Equal(t, 2, sum.Status())

	led, err := ledger.Open(context.Background(), ledger.PathFor(cfg.LogDir, cfg.CollectionID, 0))
	require.NoError(t, err)
	defer led.Close()
	failures, err := led.Failures(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "handler", failures[0].Kind)
}

func TestCrossDirectoryCollision(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeFile(t, filepath.Join(a, "sub-01_T1w.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(b, "sub-01_T1w.json"), `{"x": 2}`)

	cfg := testConfig(t, a, b)
	sum, err := Run(context.Background(), cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Status())
	failed := sum.Failed()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, types.ErrCollision)

	paths := shards(t, cfg)
	require.Len(t, paths, 1)
	shard, err := writer.ReadShard(context.Background(), paths[0])
	require.NoError(t, err)
	require.Len(t, shard.Rows, 1)
	assert.Equal(t, a, shard.Rows[0].Dir)

	led, err := ledger.Open(context.Background(), ledger.PathFor(cfg.LogDir, cfg.CollectionID, 0))
	require.NoError(t, err)
	defer led.Close()
	last, err := led.LastRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.RunFailed, last.Status)
	assert.Contains(t, last.Error, "collision")
}

func TestDryRunWritesNothing(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeFile(t, filepath.Join(a, "sub-01_T1w.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(b, "sub-02_T1w.json"), `{"x": 2}`)

	cfg := testConfig(t, a, b)
	cfg.DryRun = true
	var out bytes.Buffer
	sum, err := Run(context.Background(), cfg, quiet(), WithPreview(&out, 5))
	require.NoError(t, err)

	require.Len(t, sum.Workers, 1)
	assert.Equal(t, int64(1), sum.Stats.Dirs.Total)
	require.Len(t, sum.Workers[0].Preview, 1)
	assert.Contains(t, out.String(), "sub-01_T1w.json")

	entries, err := os.ReadDir(cfg.DBDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRerunSkipsAndFilters(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeFile(t, filepath.Join(a, "sub-01_T1w.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(b, "sub-02_T1w.json"), `{"x": 2}`)
	cfg := testConfig(t, a, b)

	_, err := Run(context.Background(), cfg, quiet())
	require.NoError(t, err)
	first := shards(t, cfg)
	require.Len(t, first, 2)

	t.Run("finished worker is skipped", func(t *testing.T) {
		sum, err := Run(context.Background(), cfg, quiet())
		require.NoError(t, err)
		require.Len(t, sum.Workers, 1)
		assert.True(t, sum.Workers[0].Skipped)
		assert.Equal(t, int64(0), sum.Stats.Dirs.Total)
	})

	t.Run("forced rerun filters completed directories", func(t *testing.T) {
		require.NoError(t, os.Remove(first[1]))
		cfg.Force = true
		sum, err := Run(context.Background(), cfg, quiet())
		require.NoError(t, err)
		w := sum.Workers[0]
		require.NoError(t, w.Err)
		assert.Equal(t, 1, w.Filtered)
		assert.Equal(t, 1, w.Dirs)
		assert.Equal(t, int64(1), w.Stats.Shards)

		paths := shards(t, cfg)
		require.Len(t, paths, 2)
		assert.Equal(t, "c1-w0000-000002.parquet", filepath.Base(paths[1]))
	})
}

func TestSavedPathsWin(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeFile(t, filepath.Join(a, "sub-01_T1w.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(b, "sub-02_T1w.json"), `{"x": 2}`)

	cfg := testConfig(t, a)
	writeFile(t, PathsFile(cfg.LogDir, cfg.CollectionID), "# saved\n"+a+"\n"+b+"\n")

	sum, err := Run(context.Background(), cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Paths)
	assert.Equal(t, int64(2), sum.Stats.Dirs.Processed)
}

func TestConfigurationErrorsComeFirst(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Tables[0].Handlers[0].Type = "xml"

	_, err := Run(context.Background(), cfg, quiet())
	require.ErrorIs(t, err, types.ErrConfiguration)
	_, statErr := os.Stat(cfg.LogDir)
	assert.True(t, os.IsNotExist(statErr))
}
