// Package crawler walks one worker's directories and turns matched files into
// flushed table shards.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dshills/crawltab/internal/assembler"
	"github.com/dshills/crawltab/internal/handler"
	"github.com/dshills/crawltab/internal/indexer"
	"github.com/dshills/crawltab/internal/ledger"
	"github.com/dshills/crawltab/internal/writer"
	"github.com/dshills/crawltab/pkg/types"
)

// ErrTooManyFailures aborts a worker once max_failures is exceeded
var ErrTooManyFailures = errors.New("too many file failures")

// State is the crawler lifecycle
type State int32

const (
	Idle State = iota
	Walking
	Dispatching
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Walking:
		return "walking"
	case Dispatching:
		return "dispatching"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// FlushPolicy decides when pending batches are written
type FlushPolicy string

const (
	// FlushDirectory writes every pending table after each directory
	FlushDirectory FlushPolicy = "directory"
	// FlushThreshold writes when pending records or bytes reach a limit
	FlushThreshold FlushPolicy = "threshold"
)

// ParseFlushPolicy validates a policy name. The empty string selects FlushDirectory.
func ParseFlushPolicy(s string) (FlushPolicy, error) {
	switch p := FlushPolicy(strings.ToLower(s)); p {
	case "":
		return FlushDirectory, nil
	case FlushDirectory, FlushThreshold:
		return p, nil
	}
	return "", types.Configf("crawler.flush", "unknown flush policy %q", s)
}

// Options configures one crawler
type Options struct {
	CollectionID string
	WorkerID     int
	RunID        string

	Recursive     bool
	IncludeHidden bool
	// MaxFailures aborts the worker when more files fail. Zero is unlimited.
	MaxFailures int

	Flush           FlushPolicy
	FlushMaxRecords int
	FlushMaxBytes   int64
	// FlushOnError writes pending rows before returning a collision or
	// failure limit abort
	FlushOnError bool
	// StartSeq is the first shard sequence number, following earlier runs
	StartSeq int

	DryRun       bool
	LogFrequency int
}

// Flusher persists a batch as one shard
type Flusher interface {
	Flush(ctx context.Context, batch *assembler.TableBatch, id writer.ShardID) (writer.ShardInfo, error)
}

// Recorder is the part of the run ledger the crawler writes to
type Recorder interface {
	RecordDirectory(ctx context.Context, dir *ledger.Directory) error
	RecordShard(ctx context.Context, shard *ledger.Shard) error
	RecordFailure(ctx context.Context, f *ledger.Failure) error
}

// Deps are the collaborators of a crawler. Ledger may be nil.
type Deps struct {
	Registry  *handler.Registry
	Indexers  map[string]*indexer.Indexer
	Assembler *assembler.Assembler
	Writer    Flusher
	Ledger    Recorder
	Logger    *slog.Logger
}

// Crawler processes one work unit. It is single use: Run may be called once.
type Crawler struct {
	opts   Options
	deps   Deps
	logger *slog.Logger

	state   atomic.Int32
	stats   types.CrawlStats
	seq     int
	active  *ledger.Directory
	pending []*ledger.Directory
	preview []*assembler.TableBatch
}

// New validates the dependencies and builds an idle crawler
func New(opts Options, deps Deps) (*Crawler, error) {
	if deps.Registry == nil || deps.Assembler == nil {
		return nil, types.Configf("crawler", "registry and assembler are required")
	}
	if deps.Writer == nil && !opts.DryRun {
		return nil, types.Configf("crawler", "writer is required")
	}
	for _, table := range deps.Registry.Tables() {
		if deps.Indexers[table] == nil {
			return nil, types.Configf("tables."+table, "no indexer")
		}
	}
	if opts.Flush == "" {
		opts.Flush = FlushDirectory
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{opts: opts, deps: deps, logger: logger, seq: opts.StartSeq}, nil
}

// State reports the lifecycle state. Safe to call concurrently with Run.
func (c *Crawler) State() State { return State(c.state.Load()) }

func (c *Crawler) setState(s State) { c.state.Store(int32(s)) }

// Preview returns the batches assembled by a dry run
func (c *Crawler) Preview() []*assembler.TableBatch { return c.preview }

// Run crawls dirs in order. File and directory failures are counted and
// skipped; a collision under the error policy, a persistence failure, the
// failure limit or cancellation stop the crawl with an error. Shards already
// flushed stay on disk either way.
func (c *Crawler) Run(ctx context.Context, dirs []string) (types.CrawlStats, error) {
	if !c.state.CompareAndSwap(int32(Idle), int32(Walking)) {
		return c.stats, fmt.Errorf("crawler already ran")
	}
	start := time.Now()
	err := c.run(ctx, dirs, start)
	c.stats.Elapsed = time.Since(start)
	if err != nil {
		c.setState(Failed)
		return c.stats, err
	}
	c.setState(Done)
	return c.stats, nil
}

func (c *Crawler) run(ctx context.Context, dirs []string, start time.Time) error {
	if c.opts.DryRun && len(dirs) > 1 {
		dirs = dirs[:1]
	}
	for i, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.crawlDir(ctx, dir); err != nil {
			return c.abort(ctx, err)
		}
		if c.opts.LogFrequency > 0 && (i+1)%c.opts.LogFrequency == 0 {
			c.logProgress(i+1, len(dirs), start)
		}
	}

	if c.opts.DryRun {
		for _, table := range c.deps.Assembler.Pending() {
			c.preview = append(c.preview, c.deps.Assembler.Drain(table))
		}
		return nil
	}
	return c.flush(ctx)
}

// abort optionally flushes what is pending before giving up
func (c *Crawler) abort(ctx context.Context, err error) error {
	recoverable := errors.Is(err, types.ErrCollision) || errors.Is(err, ErrTooManyFailures)
	if c.opts.FlushOnError && recoverable && !c.opts.DryRun && ctx.Err() == nil {
		if ferr := c.flush(ctx); ferr != nil {
			return errors.Join(err, ferr)
		}
	}
	return err
}

func (c *Crawler) logProgress(done, total int, start time.Time) {
	elapsed := time.Since(start)
	c.logger.Info("progress",
		"dirs", fmt.Sprintf("%d/%d", done, total),
		"files", c.stats.Files.Total,
		"processed", c.stats.Files.Processed,
		"errored", c.stats.Files.Errored,
		"records", c.stats.Records,
		"elapsed", elapsed.Round(time.Millisecond),
		"dirs_per_sec", fmt.Sprintf("%.2f", float64(done)/elapsed.Seconds()))
}

func (c *Crawler) crawlDir(ctx context.Context, dir string) error {
	c.setState(Walking)
	c.stats.Dirs.Total++

	info, err := os.Stat(dir)
	if err == nil && !info.IsDir() {
		err = fmt.Errorf("not a directory")
	}
	if err != nil {
		return c.dirFailed(ctx, &types.DirectoryError{Path: dir, Err: err})
	}

	c.active = &ledger.Directory{Path: dir, RunID: c.opts.RunID}
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return &types.DirectoryError{Path: dir, Err: err}
			}
			c.logger.Warn("cannot enumerate", "path", path, "error", err)
			if rerr := c.record(ctx, &ledger.Failure{Dir: dir, Path: path, Kind: "directory", Error: err.Error()}); rerr != nil {
				return rerr
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != dir && !c.opts.IncludeHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && !c.opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		size, ok := c.fileSize(path, d)
		if !ok {
			return nil
		}
		return c.processFile(ctx, dir, path, size)
	})
	c.setState(Walking)

	var de *types.DirectoryError
	if errors.As(walkErr, &de) && de.Path == dir {
		c.active = nil
		return c.dirFailed(ctx, de)
	}
	if walkErr != nil {
		return walkErr
	}

	c.stats.Dirs.Processed++
	done := c.active
	c.active = nil
	if c.opts.DryRun {
		return nil
	}
	c.pending = append(c.pending, done)
	if c.opts.Flush == FlushDirectory {
		return c.flush(ctx)
	}
	return nil
}

func (c *Crawler) dirFailed(ctx context.Context, err *types.DirectoryError) error {
	c.stats.Dirs.Errored++
	c.logger.Warn("directory failed", "dir", err.Path, "error", err.Err)
	return c.record(ctx, &ledger.Failure{Dir: err.Path, Path: err.Path, Kind: "directory", Error: err.Err.Error()})
}

// fileSize reports whether the entry is a file to dispatch. Symlinks are
// followed one level: links to regular files are dispatched, links to
// directories are not walked and broken links are skipped.
func (c *Crawler) fileSize(path string, d fs.DirEntry) (int64, bool) {
	if d.Type()&fs.ModeSymlink != 0 {
		info, err := os.Stat(path)
		if err != nil {
			c.logger.Warn("skipping broken symlink", "path", path, "error", err)
			return 0, false
		}
		if !info.Mode().IsRegular() {
			c.logger.Debug("skipping symlink to non-regular file", "path", path, "mode", info.Mode().String())
			return 0, false
		}
		return info.Size(), true
	}
	if !d.Type().IsRegular() {
		return 0, false
	}
	info, err := d.Info()
	if err != nil {
		return 0, true
	}
	return info.Size(), true
}

func (c *Crawler) processFile(ctx context.Context, dir, path string, size int64) error {
	c.stats.Files.Total++
	c.active.FilesTotal++

	rel, err := filepath.Rel(dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	m, ok := c.deps.Registry.Match(filepath.ToSlash(rel))
	if !ok {
		return nil
	}

	c.setState(Dispatching)
	defer c.setState(Walking)

	c.stats.BytesRead += size

	recs, err := m.Handler.Parse(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.fileFailed(ctx, dir, path, m, &types.HandlerError{Path: path, Handler: m.Handler.Name(), Err: err})
	}

	idx := c.deps.Indexers[m.Table]
	rows := make([]assembler.Row, 0, len(recs))
	for _, rec := range recs {
		key, err := idx.Derive(path, rec)
		if err != nil {
			return c.fileFailed(ctx, dir, path, m, err)
		}
		rows = append(rows, assembler.Row{Key: key, Source: path, Dir: dir, Record: rec})
	}

	outs, err := c.deps.Assembler.InsertAll(m.Table, rows)
	for _, out := range outs {
		switch out {
		case assembler.Skipped:
			c.stats.Collisions++
			continue
		case assembler.Overwritten:
			c.stats.Collisions++
		}
		c.stats.Records++
		c.active.Records++
	}
	if err != nil {
		if types.IsFileLevel(err) {
			return c.fileFailed(ctx, dir, path, m, err)
		}
		c.logger.Error("index collision", "table", m.Table, "path", path, "error", err)
		return err
	}
	c.stats.Files.Processed++
	c.active.FilesProcessed++

	if c.opts.Flush == FlushThreshold && !c.opts.DryRun && c.overThreshold() {
		return c.flush(ctx)
	}
	return nil
}

func (c *Crawler) overThreshold() bool {
	a := c.deps.Assembler
	if c.opts.FlushMaxRecords > 0 && a.Len() >= c.opts.FlushMaxRecords {
		return true
	}
	return c.opts.FlushMaxBytes > 0 && int64(a.Bytes()) >= c.opts.FlushMaxBytes
}

func (c *Crawler) fileFailed(ctx context.Context, dir, path string, m handler.MatchResult, err error) error {
	c.stats.Files.Errored++
	c.active.FilesErrored++
	c.logger.Warn("file failed", "path", path, "table", m.Table, "handler", m.Label, "error", err)

	if rerr := c.record(ctx, &ledger.Failure{
		Dir:     dir,
		Path:    path,
		Table:   m.Table,
		Handler: m.Label,
		Pattern: m.Pattern,
		Kind:    failureKind(err),
		Error:   err.Error(),
	}); rerr != nil {
		return rerr
	}
	if c.opts.MaxFailures > 0 && c.stats.Files.Errored > int64(c.opts.MaxFailures) {
		return fmt.Errorf("%w: %d files failed", ErrTooManyFailures, c.stats.Files.Errored)
	}
	return nil
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, types.ErrHandler):
		return "handler"
	case errors.Is(err, types.ErrIndex):
		return "index"
	case errors.Is(err, types.ErrSchema):
		return "schema"
	}
	return "other"
}

func (c *Crawler) record(ctx context.Context, f *ledger.Failure) error {
	if c.deps.Ledger == nil || c.opts.DryRun {
		return nil
	}
	f.RunID = c.opts.RunID
	if err := c.deps.Ledger.RecordFailure(ctx, f); err != nil {
		return &types.PersistenceError{Path: "ledger", Err: err}
	}
	return nil
}

// flush writes every pending table as one shard round and records the
// completed directories whose rows are now on disk
func (c *Crawler) flush(ctx context.Context) error {
	id := writer.ShardID{CollectionID: c.opts.CollectionID, WorkerID: c.opts.WorkerID, Seq: c.seq}
	var paths []string
	for _, table := range c.deps.Assembler.Pending() {
		batch := c.deps.Assembler.Drain(table)
		info, err := c.deps.Writer.Flush(ctx, batch, id)
		if err != nil {
			c.logger.Error("flush failed", "table", table, "seq", id.Seq, "error", err)
			return err
		}
		if info.Path == "" {
			continue
		}
		c.stats.Shards++
		c.stats.BytesWritten += info.Bytes
		paths = append(paths, info.Path)
		c.logger.Debug("flushed shard", "table", table, "path", info.Path, "rows", info.Rows)

		if c.deps.Ledger != nil {
			if err := c.deps.Ledger.RecordShard(ctx, &ledger.Shard{
				RunID: c.opts.RunID, Table: table, Seq: id.Seq, Path: info.Path, Rows: info.Rows, Bytes: info.Bytes,
			}); err != nil {
				return &types.PersistenceError{Path: "ledger", Err: err}
			}
		}
	}
	if len(paths) > 0 {
		c.seq++
		if c.active != nil {
			c.active.Shards = append(c.active.Shards, paths...)
		}
	}

	for _, d := range c.pending {
		d.Shards = append(d.Shards, paths...)
		if c.deps.Ledger != nil {
			if err := c.deps.Ledger.RecordDirectory(ctx, d); err != nil {
				return &types.PersistenceError{Path: "ledger", Err: err}
			}
		}
	}
	c.pending = nil
	return nil
}
