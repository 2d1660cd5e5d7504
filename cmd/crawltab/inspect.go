package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dshills/crawltab/internal/assembler"
	"github.com/dshills/crawltab/internal/crawler"
	"github.com/dshills/crawltab/internal/writer"
)

func newInspectCommand(stdout, stderr io.Writer) *cobra.Command {
	var rows int
	cmd := &cobra.Command{
		Use:   "inspect <shard>",
		Short: "Print the schema and first rows of a shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shard, err := writer.ReadShard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			table := filepath.Base(filepath.Dir(shard.Path))

			fmt.Fprintf(stdout, "%s: %s, %d rows, index (%v)\n", shard.Path, shard.Format, len(shard.Rows), shard.IndexNames)
			crawler.RenderSchema(stdout, table+" schema", shard.Columns, shard.Schema)

			keys := make([]string, 0, len(shard.Metadata))
			for k := range shard.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(stdout, "%s = %s\n", k, shard.Metadata[k])
			}

			crawler.RenderBatch(stdout, &assembler.TableBatch{Table: table, Rows: shard.Rows, Schema: shard.Schema}, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&rows, "rows", "n", 10, "rows to print (0 prints all)")
	return cmd
}
