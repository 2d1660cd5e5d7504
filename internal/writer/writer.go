package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/ipc"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/compress"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"

	"github.com/dshills/crawltab/internal/assembler"
	"github.com/dshills/crawltab/pkg/types"
)

// Format is the on-disk shard encoding
type Format string

const (
	Parquet Format = "parquet"
	IPC     Format = "arrow"
)

// ParseFormat validates a format name. The empty string selects Parquet.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", Parquet:
		return Parquet, nil
	case IPC, "ipc":
		return IPC, nil
	}
	return "", types.Configf("writer.format", "unknown shard format %q", s)
}

var codecs = map[string]compress.Compression{
	"snappy": compress.Codecs.Snappy,
	"zstd":   compress.Codecs.Zstd,
	"gzip":   compress.Codecs.Gzip,
	"none":   compress.Codecs.Uncompressed,
}

// ParseCompression validates a parquet codec name. The empty string selects snappy.
func ParseCompression(s string) (compress.Compression, error) {
	if s == "" {
		s = "snappy"
	}
	c, ok := codecs[strings.ToLower(s)]
	if !ok {
		return compress.Codecs.Uncompressed, types.Configf("writer.compression", "unknown compression %q", s)
	}
	return c, nil
}

// Options configures a Writer
type Options struct {
	Format      Format
	Compression string
	// RowGroupRows caps the rows per parquet row group
	RowGroupRows int64
}

// ShardID names one shard of a table. Seq increases with every flush a worker
// performs, so (collection, worker, seq) never repeats within a run.
type ShardID struct {
	CollectionID string
	WorkerID     int
	Seq          int
}

// FileName returns the shard file name for a format
func (id ShardID) FileName(format Format) string {
	return fmt.Sprintf("%s-w%04d-%06d.%s", id.CollectionID, id.WorkerID, id.Seq, format)
}

// ShardInfo describes a flushed shard
type ShardInfo struct {
	Table string
	Path  string
	Seq   int
	Rows  int
	Bytes int64
}

// Writer persists table batches as immutable shard files under
// {db_dir}/{table}/. A Writer is safe for concurrent use.
type Writer struct {
	root     string
	format   Format
	codec    compress.Compression
	rowGroup int64
	mem      memory.Allocator
}

// New creates a writer rooted at dbDir
func New(dbDir string, opts Options) (*Writer, error) {
	if dbDir == "" {
		return nil, types.Configf("db_dir", "required")
	}
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return nil, err
	}
	codec, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	rowGroup := opts.RowGroupRows
	if rowGroup <= 0 {
		rowGroup = 64 * 1024
	}
	return &Writer{
		root:     dbDir,
		format:   format,
		codec:    codec,
		rowGroup: rowGroup,
		mem:      memory.NewGoAllocator(),
	}, nil
}

// Format returns the shard format
func (w *Writer) Format() Format { return w.format }

// Path returns where the shard for table and id lives
func (w *Writer) Path(table string, id ShardID) string {
	return filepath.Join(w.root, table, id.FileName(w.format))
}

// Flush encodes batch and writes it atomically. An empty batch writes nothing.
// Any failure is a PersistenceError.
func (w *Writer) Flush(ctx context.Context, batch *assembler.TableBatch, id ShardID) (ShardInfo, error) {
	if batch.Len() == 0 {
		return ShardInfo{}, nil
	}
	path := w.Path(batch.Table, id)
	if err := ctx.Err(); err != nil {
		return ShardInfo{}, &types.PersistenceError{Path: path, Err: err}
	}

	data, err := w.encode(batch)
	if err != nil {
		return ShardInfo{}, &types.PersistenceError{Path: path, Err: err}
	}
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return ShardInfo{}, &types.PersistenceError{Path: path, Err: err}
	}
	return ShardInfo{
		Table: batch.Table,
		Path:  path,
		Seq:   id.Seq,
		Rows:  batch.Len(),
		Bytes: int64(len(data)),
	}, nil
}

func (w *Writer) encode(batch *assembler.TableBatch) ([]byte, error) {
	rec, err := encodeBatch(w.mem, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	defer rec.Release()

	switch w.format {
	case IPC:
		var buf seekBuffer
		fw, err := ipc.NewFileWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(w.mem))
		if err != nil {
			return nil, fmt.Errorf("failed to create arrow writer: %w", err)
		}
		if err := fw.Write(rec); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to write arrow record: %w", err)
		}
		if err := fw.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish arrow file: %w", err)
		}
		return buf.Bytes(), nil
	default:
		tbl := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
		defer tbl.Release()
		props := parquet.NewWriterProperties(
			parquet.WithCompression(w.codec),
			parquet.WithAllocator(w.mem),
		)
		arrowProps := pqarrow.NewArrowWriterProperties(
			pqarrow.WithStoreSchema(),
			pqarrow.WithAllocator(w.mem),
		)
		var buf bytes.Buffer
		if err := pqarrow.WriteTable(tbl, &buf, w.rowGroup, props, arrowProps); err != nil {
			return nil, fmt.Errorf("failed to write parquet: %w", err)
		}
		return buf.Bytes(), nil
	}
}

// ListShards returns the shard files of a table in name order
func ListShards(dbDir, table string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dbDir, table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := formatOf(e.Name()); err == nil {
			paths = append(paths, filepath.Join(dbDir, table, e.Name()))
		}
	}
	return paths, nil
}
