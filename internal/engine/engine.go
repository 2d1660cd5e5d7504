// Package engine runs a collection: it resolves the directory list,
// partitions it across workers and drives one crawler per worker identity
// run by this process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/crawltab/internal/assembler"
	"github.com/dshills/crawltab/internal/config"
	"github.com/dshills/crawltab/internal/crawler"
	"github.com/dshills/crawltab/internal/handler"
	"github.com/dshills/crawltab/internal/indexer"
	"github.com/dshills/crawltab/internal/ledger"
	"github.com/dshills/crawltab/internal/loaders"
	"github.com/dshills/crawltab/internal/partition"
	"github.com/dshills/crawltab/internal/writer"
	"github.com/dshills/crawltab/pkg/types"
)

// Option customises Run
type Option func(*options)

type options struct {
	logger      *slog.Logger
	preview     io.Writer
	previewRows int
}

// WithLogger sets the base logger. Each worker logs with a worker attribute.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPreview renders dry run batches to w, at most rows per table
func WithPreview(w io.Writer, rows int) Option {
	return func(o *options) {
		o.preview = w
		o.previewRows = rows
	}
}

// WorkerResult is the outcome of one worker
type WorkerResult struct {
	WorkerID int
	RunID    string
	// Dirs is the size of the work unit actually crawled
	Dirs int
	// Filtered counts directories dropped because an earlier run completed them
	Filtered int
	// Skipped is set when the worker had already finished and force was off
	Skipped bool
	Stats   types.CrawlStats
	Err     error
	Preview []*assembler.TableBatch
}

// Summary aggregates a run over every worker of this process
type Summary struct {
	CollectionID string
	Paths        int
	Workers      []WorkerResult
	Stats        types.CrawlStats
	Elapsed      time.Duration
}

// Failed returns the workers that stopped with an error
func (s *Summary) Failed() []WorkerResult {
	var out []WorkerResult
	for _, w := range s.Workers {
		if w.Err != nil {
			out = append(out, w)
		}
	}
	return out
}

// Status is the advisory process exit status: 0 clean, 1 when a worker
// failed, 2 when everything ran but some directories or files errored.
func (s *Summary) Status() int {
	switch {
	case len(s.Failed()) > 0:
		return 1
	case s.Stats.HasErrors():
		return 2
	}
	return 0
}

type runner struct {
	cfg      *config.Config
	opts     options
	logger   *slog.Logger
	registry *handler.Registry
	indexers map[string]*indexer.Indexer
	policies map[string]assembler.Policy
	writer   *writer.Writer
	scheme   partition.Scheme
	flush    crawler.FlushPolicy
}

// Run executes the collection described by cfg. Configuration problems are
// returned before anything is crawled; worker failures are reported in the
// Summary.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) (*Summary, error) {
	o := options{logger: slog.Default(), previewRows: 20}
	for _, opt := range opts {
		opt(&o)
	}
	r, err := newRunner(cfg, o)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logEnvironment(ctx, r.logger)

	paths, err := r.resolvePaths()
	if err != nil {
		return nil, err
	}

	workers := cfg.Workers()
	if cfg.DryRun {
		workers = dryRunWorkers(workers)
	}

	results := make([]WorkerResult, len(workers))
	var g errgroup.Group
	limit := cfg.MaxParallel
	if limit <= 0 || limit > len(workers) {
		limit = len(workers)
	}
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, id := range workers {
		g.Go(func() error {
			results[i] = r.runWorker(ctx, id, paths)
			return nil
		})
	}
	_ = g.Wait()

	sum := &Summary{CollectionID: cfg.CollectionID, Paths: len(paths), Workers: results}
	for _, res := range results {
		sum.Stats.Add(res.Stats)
	}
	sum.Elapsed = time.Since(start)
	r.logSummary(sum)
	return sum, nil
}

func dryRunWorkers(ids []int) []int {
	for _, id := range ids {
		if id == 0 {
			return []int{0}
		}
	}
	return nil
}

func newRunner(cfg *config.Config, o options) (*runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &runner{
		cfg:      cfg,
		opts:     o,
		logger:   o.logger.With("collection", cfg.CollectionID),
		indexers: make(map[string]*indexer.Indexer, len(cfg.Tables)),
		policies: make(map[string]assembler.Policy, len(cfg.Tables)),
	}

	var regs []handler.Registration
	for _, t := range cfg.Tables {
		idx, err := indexer.New(t.Indexer.Fields)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		r.indexers[t.Name] = idx
		policy, err := assembler.ParsePolicy(t.Collision)
		if err != nil {
			return nil, err
		}
		r.policies[t.Name] = policy

		for _, h := range t.Handlers {
			l, err := loaders.New(h.LoaderSpec())
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", t.Name, err)
			}
			regs = append(regs, handler.Registration{Table: t.Name, Label: h.Label, Patterns: h.Pattern, Handler: l})
		}
	}
	registry, err := handler.NewRegistry(regs)
	if err != nil {
		return nil, err
	}
	r.registry = registry

	r.writer, err = writer.New(cfg.DBDir, writer.Options{
		Format:       writer.Format(cfg.Writer.Format),
		Compression:  cfg.Writer.Compression,
		RowGroupRows: cfg.Writer.RowGroupRows,
	})
	if err != nil {
		return nil, err
	}
	r.scheme, _ = partition.ParseScheme(cfg.Paths.Scheme)
	r.flush, _ = crawler.ParseFlushPolicy(cfg.Crawler.Flush)
	return r, nil
}

// resolvePaths returns the saved directory list of the collection when there
// is one, otherwise expands the configured list. Worker 0 saves what it
// expanded so later runs partition identically.
func (r *runner) resolvePaths() ([]string, error) {
	file := PathsFile(r.cfg.LogDir, r.cfg.CollectionID)
	saved, ok, err := loadSavedPaths(file)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "paths", Msg: "cannot read saved path list", Err: err}
	}
	if ok {
		r.logger.Info("using saved path list", "file", file, "paths", len(saved))
		return saved, nil
	}

	raw := r.cfg.Paths.List
	if r.cfg.Paths.ListPath != "" {
		raw, err = ReadPathList(r.cfg.Paths.ListPath)
		if err != nil {
			return nil, &types.ConfigurationError{Field: "paths.list_path", Err: err}
		}
	}
	paths, err := ExpandPaths(raw)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "paths", Err: err}
	}
	if len(paths) == 0 {
		r.logger.Warn("no directories to crawl")
	}

	ownsZero := false
	for _, id := range r.cfg.Workers() {
		ownsZero = ownsZero || id == 0
	}
	if ownsZero && !r.cfg.DryRun {
		if err := savePathList(file, paths); err != nil {
			return nil, &types.PersistenceError{Path: file, Err: err}
		}
		r.logger.Info("saved path list", "file", file, "paths", len(paths))
	}
	return paths, nil
}

func (r *runner) crawlerOptions(id int) crawler.Options {
	c := r.cfg.Crawler
	return crawler.Options{
		CollectionID:    r.cfg.CollectionID,
		WorkerID:        id,
		Recursive:       c.Recursive,
		IncludeHidden:   c.IncludeHidden,
		MaxFailures:     c.MaxFailures,
		Flush:           r.flush,
		FlushMaxRecords: c.FlushMaxRecords,
		FlushMaxBytes:   int64(c.FlushMaxBytes),
		FlushOnError:    r.cfg.FlushOnError,
		DryRun:          r.cfg.DryRun,
		LogFrequency:    r.cfg.LogFrequency,
	}
}

func (r *runner) runWorker(ctx context.Context, id int, paths []string) WorkerResult {
	logger := r.logger.With("worker", id)
	res := WorkerResult{WorkerID: id}

	unit, err := partition.Partition(paths, id, r.cfg.NumWorkers,
		partition.WithScheme(r.scheme), partition.WithMinPerWorker(r.cfg.Paths.MinPerWorker))
	if err != nil {
		res.Err = err
		return res
	}

	opts := r.crawlerOptions(id)
	deps := crawler.Deps{
		Registry:  r.registry,
		Indexers:  r.indexers,
		Assembler: assembler.New(r.policies, assembler.Overwrite, logger),
		Writer:    r.writer,
		Logger:    logger,
	}

	if r.cfg.DryRun {
		res.Dirs = len(unit)
		c, err := crawler.New(opts, deps)
		if err != nil {
			res.Err = err
			return res
		}
		res.Stats, res.Err = c.Run(ctx, unit)
		res.Preview = c.Preview()
		if r.opts.preview != nil {
			for _, batch := range res.Preview {
				crawler.RenderBatch(r.opts.preview, batch, r.opts.previewRows)
			}
		}
		logger.Info("dry run done", "dirs", res.Stats.Dirs.Total, "files", res.Stats.Files.Total, "tables", len(res.Preview))
		return res
	}

	ledgerPath := ledger.PathFor(r.cfg.LogDir, r.cfg.CollectionID, id)
	led, err := ledger.Open(ctx, ledgerPath)
	if err != nil {
		res.Err = &types.PersistenceError{Path: ledgerPath, Err: err}
		return res
	}
	defer led.Close()

	last, err := led.LastRun(ctx)
	switch {
	case err == nil && last.Status == ledger.RunFinished && !r.cfg.Force:
		logger.Info("worker already finished, skipping", "run", last.ID, "finished_at", last.FinishedAt)
		res.Skipped = true
		res.RunID = last.ID
		return res
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		res.Err = &types.PersistenceError{Path: ledgerPath, Err: err}
		return res
	}

	if r.cfg.Paths.FilterCompleted {
		kept, err := filterCompleted(ctx, led, unit, r.cfg.Paths.RedoErrorRateThreshold)
		if err != nil {
			res.Err = &types.PersistenceError{Path: ledgerPath, Err: err}
			return res
		}
		res.Filtered = len(unit) - len(kept)
		unit = kept
	}
	res.Dirs = len(unit)

	seq, err := led.NextSeq(ctx)
	if err != nil {
		res.Err = &types.PersistenceError{Path: ledgerPath, Err: err}
		return res
	}
	run := &ledger.Run{WorkerID: id, NumWorkers: r.cfg.NumWorkers, Host: hostname(ctx), PID: os.Getpid()}
	if err := led.StartRun(ctx, run); err != nil {
		res.Err = &types.PersistenceError{Path: ledgerPath, Err: err}
		return res
	}
	res.RunID = run.ID
	opts.RunID = run.ID
	opts.StartSeq = seq
	deps.Ledger = led

	logger.Info("worker starting", "run", run.ID, "dirs", len(unit), "filtered", res.Filtered, "seq", seq)
	c, err := crawler.New(opts, deps)
	if err == nil {
		res.Stats, err = c.Run(ctx, unit)
	}
	res.Err = err

	run.Stats = res.Stats
	run.Status = ledger.RunFinished
	if res.Err != nil {
		run.Status = ledger.RunFailed
		run.Error = res.Err.Error()
	}
	if err := led.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		res.Err = errors.Join(res.Err, &types.PersistenceError{Path: ledgerPath, Err: err})
	}

	s := res.Stats
	attrs := []any{
		"status", run.Status,
		"dirs", s.Dirs.Total, "dirs_errored", s.Dirs.Errored,
		"files", s.Files.Total, "processed", s.Files.Processed, "errored", s.Files.Errored,
		"records", s.Records, "shards", s.Shards, "collisions", s.Collisions,
		"read", humanize.Bytes(uint64(s.BytesRead)), "written", humanize.Bytes(uint64(s.BytesWritten)),
		"elapsed", s.Elapsed.Round(time.Millisecond),
	}
	if res.Err != nil {
		logger.Error("worker failed", append(attrs, "error", res.Err)...)
	} else {
		logger.Info("worker done", attrs...)
	}
	return res
}

// filterCompleted drops directories a previous run recorded as complete,
// keeping those whose error rate exceeds threshold or whose shards are gone
func filterCompleted(ctx context.Context, led ledger.Ledger, unit []string, threshold float64) ([]string, error) {
	done, err := led.Directories(ctx)
	if err != nil {
		return nil, err
	}
	if len(done) == 0 {
		return unit, nil
	}
	byPath := make(map[string]*ledger.Directory, len(done))
	for _, d := range done {
		byPath[d.Path] = d
	}

	kept := make([]string, 0, len(unit))
	for _, dir := range unit {
		d, ok := byPath[dir]
		if !ok || d.ErrorRate() > threshold || !shardsExist(d.Shards) {
			kept = append(kept, dir)
		}
	}
	return kept, nil
}

func shardsExist(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func (r *runner) logSummary(sum *Summary) {
	s := sum.Stats
	secs := sum.Elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	skipped := 0
	for _, w := range sum.Workers {
		if w.Skipped {
			skipped++
		}
	}
	r.logger.Info("run summary",
		"workers", len(sum.Workers),
		"failed", len(sum.Failed()),
		"skipped", skipped,
		"paths", humanize.Comma(int64(sum.Paths)),
		"dirs", fmt.Sprintf("%d/%d", s.Dirs.Processed, s.Dirs.Total),
		"dirs_errored", s.Dirs.Errored,
		"files", fmt.Sprintf("%d/%d", s.Files.Processed, s.Files.Total),
		"files_errored", s.Files.Errored,
		"records", humanize.Comma(s.Records),
		"shards", s.Shards,
		"written", humanize.Bytes(uint64(s.BytesWritten)),
		"throughput", humanize.Bytes(uint64(float64(s.BytesRead)/secs))+"/s",
		"dirs_per_sec", fmt.Sprintf("%.2f", float64(s.Dirs.Total)/secs),
		"elapsed", sum.Elapsed.Round(time.Millisecond),
		"status", sum.Status())
}
