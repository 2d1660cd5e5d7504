package crawler

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"github.com/dshills/crawltab/internal/assembler"
	"github.com/dshills/crawltab/pkg/types"
)

const nullValue = "NULL"

// RenderBatch prints up to limit rows of a batch as a text table. A limit of
// zero or less prints every row.
func RenderBatch(w io.Writer, batch *assembler.TableBatch, limit int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("%s (%d rows)", batch.Table, batch.Len()))

	// Keep attribute names as written.
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault

	cols := batch.Columns()
	header := table.Row{"_index", "_source"}
	for _, c := range cols {
		header = append(header, c)
	}
	t.AppendHeader(header)

	for i, row := range batch.Rows {
		if limit > 0 && i >= limit {
			break
		}
		r := table.Row{row.Key.String(), row.Source}
		for _, c := range cols {
			r = append(r, cell(row.Record[c]))
		}
		t.AppendRow(r)
	}
	if limit > 0 && batch.Len() > limit {
		t.AppendFooter(table.Row{fmt.Sprintf("... %d more", batch.Len()-limit)})
	}
	t.Render()
}

// RenderSchema prints column names and kinds
func RenderSchema(w io.Writer, title string, cols []string, schema map[string]types.ColumnType) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"column", "type"})
	for _, c := range cols {
		t.AppendRow(table.Row{c, schema[c].String()})
	}
	t.Render()
}

func cell(v types.Value) string {
	if v.IsNull() {
		return nullValue
	}
	return v.String()
}
