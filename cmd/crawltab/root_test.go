package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crawltab/internal/ledger"
	"github.com/dshills/crawltab/internal/writer"
	"github.com/dshills/crawltab/pkg/types"
)

const testConfig = `
tables:
  - name: meta
    collision: error
    indexer:
      fields:
        - name: sub
          required: true
    handlers:
      - type: json
        pattern: "*.json"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "crawltab "+version)
	assert.Contains(t, out, ledger.DriverName)
}

func TestRunAndInspect(t *testing.T) {
	root := t.TempDir()
	data := filepath.Join(root, "data")
	dbDir := filepath.Join(root, "db")
	writeFile(t, filepath.Join(data, "sub-01_T1w.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(data, "sub-02_T1w.json"), `{"x": 2}`)
	configFile := filepath.Join(root, "crawltab.yaml")
	writeFile(t, configFile, testConfig)

	_, _, err := execute(t, "run", "-c", configFile,
		"--collection-id", "c1", "--db-dir", dbDir, "--paths", data, "--log-level", "error")
	require.NoError(t, err)

	paths, err := writer.ListShards(dbDir, "meta")
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "c1-w0000-000000.parquet", filepath.Base(paths[0]))

	out, _, err := execute(t, "inspect", paths[0], "--rows", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "2 rows")
	assert.Contains(t, out, "_index")
	assert.Contains(t, out, "... 1 more")
}

func TestRunPartialFailureStatus(t *testing.T) {
	root := t.TempDir()
	data := filepath.Join(root, "data")
	writeFile(t, filepath.Join(data, "sub-01_T1w.json"), `{"x": 1}`)
	writeFile(t, filepath.Join(data, "sub-02_T1w.json"), `{"x": `)
	configFile := filepath.Join(root, "crawltab.yaml")
	writeFile(t, configFile, testConfig)

	_, _, err := execute(t, "run", "-c", configFile,
		"--collection-id", "c1", "--db-dir", filepath.Join(root, "db"), "--paths", data, "--log-level", "error")
	var se *statusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 2, se.code)
}

func TestRunConfigurationError(t *testing.T) {
	_, _, err := execute(t, "run", "--db-dir", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestInspectMissingShard(t *testing.T) {
	_, _, err := execute(t, "inspect", filepath.Join(t.TempDir(), "nope.parquet"))
	assert.Error(t, err)
}

func TestServeRequiresDBDir(t *testing.T) {
	_, _, err := execute(t, "serve")
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
