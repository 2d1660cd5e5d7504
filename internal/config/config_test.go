package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crawltab/internal/indexer"
	"github.com/dshills/crawltab/pkg/types"
)

const sampleYAML = `
collection_id: ds001
db_dir: /out/db
num_workers: 4
worker_id: 2
paths:
  list: ["/data/sub-*"]
  redo_error_rate_threshold: 0.5
crawler:
  flush: threshold
  flush_max_bytes: 8 MiB
writer:
  format: arrow
tables:
  - name: mriqc
    collision: error
    indexer:
      fields:
        - name: sub
          required: true
        - name: run
          dtype: int
    handlers:
      - type: json
        pattern: "*_T1w.json"
        rename:
          RepetitionTime: tr
        options:
          nested: false
      - type: tsv_row
        label: qc
        group: qc
        pattern: ["*_qc.tsv", "qc/*.tsv"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawltab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(nil, writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ds001", cfg.CollectionID)
	assert.Equal(t, filepath.Join("/out/db", ".crawltab"), cfg.LogDir)
	assert.Equal(t, 4, cfg.NumWorkers)
	assert.Equal(t, 2, cfg.WorkerID)
	assert.Equal(t, []int{2}, cfg.Workers())
	assert.Equal(t, []string{"/data/sub-*"}, cfg.Paths.List)
	assert.True(t, cfg.Paths.FilterCompleted)
	assert.Equal(t, 0.5, cfg.Paths.RedoErrorRateThreshold)
	assert.Equal(t, ByteSize(8<<20), cfg.Crawler.FlushMaxBytes)
	assert.Equal(t, "threshold", cfg.Crawler.Flush)
	assert.Equal(t, "arrow", cfg.Writer.Format)
	assert.Equal(t, 10, cfg.LogFrequency)

	require.Len(t, cfg.Tables, 1)
	tbl := cfg.Tables[0]
	assert.Equal(t, "mriqc", tbl.Name)
	require.Len(t, tbl.Indexer.Fields, 2)
	assert.True(t, tbl.Indexer.Fields[0].Required)
	assert.Equal(t, indexer.DtypeInt, tbl.Indexer.Fields[1].Dtype)

	require.Len(t, tbl.Handlers, 2)
	h := tbl.Handlers[0]
	assert.Equal(t, "json", h.Label)
	assert.Equal(t, []string{"*_T1w.json"}, h.Pattern)
	assert.Equal(t, map[string]string{"RepetitionTime": "tr"}, h.Rename)
	assert.Equal(t, false, h.Options["nested"])
	assert.Equal(t, []string{"*_qc.tsv", "qc/*.tsv"}, tbl.Handlers[1].Pattern)

	spec := h.LoaderSpec()
	assert.Equal(t, "json", spec.Type)
	assert.Equal(t, "tr", spec.Rename["RepetitionTime"])
	assert.Empty(t, spec.Group)
	assert.Equal(t, "qc", tbl.Handlers[1].LoaderSpec().Group)
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.NumWorkers)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "roundrobin", cfg.Paths.Scheme)
	assert.Equal(t, 0.25, cfg.Paths.RedoErrorRateThreshold)
	assert.Equal(t, ByteSize(64<<20), cfg.Crawler.FlushMaxBytes)
	assert.Equal(t, "parquet", cfg.Writer.Format)
	assert.False(t, cfg.Crawler.Recursive)
	assert.Empty(t, cfg.LogDir)
}

func TestPrecedence(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("CRAWLTAB_DB_DIR", "/env/db")
	t.Setenv("CRAWLTAB_NUM_WORKERS", "8")
	t.Setenv("CRAWLTAB_CRAWLER_MAX_FAILURES", "5")

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--num-workers=16", "--local-workers", "--paths=/a,/b"}))

	cfg, err := Load(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "/env/db", cfg.DBDir)
	assert.Equal(t, 16, cfg.NumWorkers)
	assert.Equal(t, 5, cfg.Crawler.MaxFailures)
	assert.True(t, cfg.LocalWorkers)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Paths.List)
	assert.Len(t, cfg.Workers(), 16)
	assert.Equal(t, "ds001", cfg.CollectionID)
}

func TestUnknownKey(t *testing.T) {
	_, err := Load(nil, writeConfig(t, "collection_id: x\nbogus_key: 1\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestBadSize(t *testing.T) {
	_, err := Load(nil, writeConfig(t, "crawler:\n  flush_max_bytes: lots\n"))
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		cfg, err := Load(nil, writeConfig(t, sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"no collection", func(c *Config) { c.CollectionID = "" }, "collection_id"},
		{"no db dir", func(c *Config) { c.DBDir = "" }, "db_dir"},
		{"worker out of range", func(c *Config) { c.WorkerID = 4 }, "worker_id"},
		{"zero workers", func(c *Config) { c.NumWorkers = 0 }, "num_workers"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"no paths", func(c *Config) { c.Paths.List = nil }, "paths"},
		{"both paths", func(c *Config) { c.Paths.ListPath = "/x.txt" }, "paths"},
		{"bad threshold", func(c *Config) { c.Paths.RedoErrorRateThreshold = 2 }, "paths.redo_error_rate_threshold"},
		{"bad flush", func(c *Config) { c.Crawler.Flush = "never" }, "crawler.flush"},
		{"bad format", func(c *Config) { c.Writer.Format = "csv" }, ""},
		{"no tables", func(c *Config) { c.Tables = nil }, "tables"},
		{"bad collision", func(c *Config) { c.Tables[0].Collision = "replace" }, ""},
		{"reserved group", func(c *Config) { c.Tables[0].Handlers[1].Group = "_source" }, "tables.mriqc.handlers.qc.group"},
		{"duplicate group", func(c *Config) { c.Tables[0].Handlers[0].Group = "qc" }, "tables.mriqc.handlers.qc.group"},
		{"hidden table", func(c *Config) { c.Tables[0].Name = ".x" }, "tables..x"},
		{"duplicate table", func(c *Config) { c.Tables = append(c.Tables, c.Tables[0]) }, "tables.mriqc"},
		{"no handlers", func(c *Config) { c.Tables[0].Handlers = nil }, "tables.mriqc.handlers"},
		{"no fields", func(c *Config) { c.Tables[0].Indexer.Fields = nil }, "tables.mriqc.indexer.fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrConfiguration)
			if tt.field != "" {
				var ce *types.ConfigurationError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, tt.field, ce.Field)
			}
		})
	}
}
