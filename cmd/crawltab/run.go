package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/crawltab/internal/config"
	"github.com/dshills/crawltab/internal/engine"
)

func newRunCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl the configured directories and write table shards",
		Long: `Crawl the configured directories and write table shards.

Exit status is 0 when everything succeeded, 1 on a configuration error or
when a worker failed, and 2 when the run completed but some directories or
files could not be processed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			level, _ := cfg.Level()
			logger := newLogger(stderr, level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sum, err := engine.Run(ctx, cfg, engine.WithLogger(logger), engine.WithPreview(stdout, 20))
			if err != nil {
				return err
			}
			if code := sum.Status(); code != 0 {
				return &statusError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "configuration file (yaml, toml or json)")
	config.RegisterFlags(cmd.Flags())
	return cmd
}
