package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dshills/crawltab/internal/config"
	"github.com/dshills/crawltab/internal/ledger"
)

// statusError carries a non-zero exit status for a run that completed
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("completed with status %d", e.code)
}

// NewRootCommand builds the crawltab command tree
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "crawltab",
		Short: "Convert directory trees of data files into indexed columnar tables",
		Long: `crawltab walks a list of dataset directories, parses matching files with
configured handlers, keys every record by an index derived from the file
path and writes one set of parquet or arrow shards per table.

Work is split across workers by static partitioning of the directory list.
Run one process per worker (--worker-id) or all of them in one process
(--local-workers).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.SetVersionTemplate(fmt.Sprintf("crawltab {{.Version}}\nBuild Time: %s\nBuild Mode: %s\nSQLite Driver: %s\n",
		buildTime, ledger.BuildMode, ledger.DriverName))

	rc.AddCommand(newRunCommand(stdout, stderr))
	rc.AddCommand(newInspectCommand(stdout, stderr))
	rc.AddCommand(newServeCommand(stdout, stderr))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// loadConfig reads --config and layers env and flags on top
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(cmd.Flags(), file)
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
