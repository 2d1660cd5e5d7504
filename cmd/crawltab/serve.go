package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/crawltab/internal/mcp"
	"github.com/dshills/crawltab/pkg/types"
)

func newServeCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve collection ledgers and shards to MCP clients over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.DBDir == "" {
				return types.Configf("db_dir", "required")
			}
			level, err := cfg.Level()
			if err != nil {
				return err
			}
			// stdout carries the protocol
			logger := newLogger(stderr, level)

			server, err := mcp.NewServer(cfg.DBDir, cfg.LogDir)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			errChan := make(chan error, 1)
			go func() {
				logger.Info("MCP server ready, listening on stdio", "db_dir", cfg.DBDir, "log_dir", cfg.LogDir)
				errChan <- server.Serve(ctx)
			}()

			select {
			case sig := <-sigChan:
				logger.Info("shutting down", "signal", sig.String())
				return nil
			case err := <-errChan:
				return err
			}
		},
	}
	cmd.Flags().StringP("config", "c", "", "configuration file (yaml, toml or json)")
	cmd.Flags().String("db-dir", "", "output directory of crawltab run")
	cmd.Flags().String("log-dir", "", "log directory of crawltab run (default {db-dir}/.crawltab)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}
