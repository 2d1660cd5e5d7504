package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/crawltab/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entry doesn't exist
	ErrNotFound = errors.New("not found")
)

// RunStatus is the lifecycle state of a worker run
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
)

// Run is one attempt of a worker over its work unit
type Run struct {
	ID         string
	WorkerID   int
	NumWorkers int
	Host       string
	PID        int
	Status     RunStatus
	Error      string
	Stats      types.CrawlStats
	StartedAt  time.Time
	FinishedAt time.Time
}

// Directory records a work unit directory whose rows reached disk
type Directory struct {
	Path           string
	RunID          string
	FilesTotal     int64
	FilesProcessed int64
	FilesErrored   int64
	Records        int64
	Shards         []string
	CompletedAt    time.Time
}

// ErrorRate is the share of handled files that failed
func (d *Directory) ErrorRate() float64 {
	handled := d.FilesProcessed + d.FilesErrored
	if handled == 0 {
		return 0
	}
	return float64(d.FilesErrored) / float64(handled)
}

// Shard records one flushed shard file
type Shard struct {
	RunID     string
	Table     string
	Seq       int
	Path      string
	Rows      int
	Bytes     int64
	CreatedAt time.Time
}

// Failure records one file level error
type Failure struct {
	RunID     string
	Dir       string
	Path      string
	Table     string
	Handler   string
	Pattern   string
	Kind      string
	Error     string
	CreatedAt time.Time
}

// Ledger is the durable record of what one worker has done
type Ledger interface {
	StartRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	LastRun(ctx context.Context) (*Run, error)
	Runs(ctx context.Context) ([]*Run, error)

	RecordDirectory(ctx context.Context, dir *Directory) error
	Directories(ctx context.Context) ([]*Directory, error)

	RecordShard(ctx context.Context, shard *Shard) error
	Shards(ctx context.Context) ([]*Shard, error)
	NextSeq(ctx context.Context) (int, error)

	RecordFailure(ctx context.Context, f *Failure) error
	Failures(ctx context.Context, limit int) ([]*Failure, error)

	Close() error
}

// PathFor returns the ledger file of a worker
func PathFor(logDir, collectionID string, workerID int) string {
	return filepath.Join(logDir, collectionID, "ledger", fmt.Sprintf("worker-%04d.db", workerID))
}

// SQLiteLedger implements Ledger on a per-worker SQLite file
type SQLiteLedger struct {
	db *sql.DB
}

func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, err
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	// one writer per worker
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// Open opens or creates a ledger and brings its schema up to date
func Open(ctx context.Context, path string) (*SQLiteLedger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	db, err := openDatabase(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// OpenReadOnly opens an existing ledger for inspection. It creates nothing,
// applies no migrations and fails unless the schema is the current one.
func OpenReadOnly(ctx context.Context, path string) (*SQLiteLedger, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db, err := sql.Open(DriverName, readOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	v, err := schemaVersion(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}
	if v.String() != CurrentSchemaVersion {
		_ = db.Close()
		return nil, fmt.Errorf("ledger %s has schema %s, want %s", path, v, CurrentSchemaVersion)
	}
	return &SQLiteLedger{db: db}, nil
}

var uriEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

func readOnlyDSN(path string) string {
	return "file:" + uriEscaper.Replace(filepath.ToSlash(path)) + "?mode=ro"
}

// Close closes the database
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

// StartRun inserts a running attempt and assigns its ID
func (l *SQLiteLedger) StartRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = RunRunning
	run.StartedAt = time.Now()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, worker_id, num_workers, host, pid, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkerID, run.NumWorkers, run.Host, run.PID, string(run.Status), run.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and counters of a run
func (l *SQLiteLedger) FinishRun(ctx context.Context, run *Run) error {
	run.FinishedAt = time.Now()
	s := run.Stats
	res, err := l.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?,
			dirs_total = ?, dirs_processed = ?, dirs_errored = ?,
			files_total = ?, files_processed = ?, files_errored = ?,
			records = ?, shards = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status), run.Error,
		s.Dirs.Total, s.Dirs.Processed, s.Dirs.Errored,
		s.Files.Total, s.Files.Processed, s.Files.Errored,
		s.Records, s.Shards, run.FinishedAt.UnixMilli(), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

const runColumns = `id, worker_id, num_workers, host, pid, status, error,
	dirs_total, dirs_processed, dirs_errored, files_total, files_processed, files_errored,
	records, shards, started_at, finished_at`

func scanRun(scan func(...any) error) (*Run, error) {
	var (
		r                 Run
		status            string
		host, errMsg      sql.NullString
		pid               sql.NullInt64
		started, finished sql.NullInt64
	)
	err := scan(&r.ID, &r.WorkerID, &r.NumWorkers, &host, &pid, &status, &errMsg,
		&r.Stats.Dirs.Total, &r.Stats.Dirs.Processed, &r.Stats.Dirs.Errored,
		&r.Stats.Files.Total, &r.Stats.Files.Processed, &r.Stats.Files.Errored,
		&r.Stats.Records, &r.Stats.Shards, &started, &finished)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.Host = host.String
	r.PID = int(pid.Int64)
	r.Error = errMsg.String
	r.StartedAt = fromMillis(started)
	r.FinishedAt = fromMillis(finished)
	if !r.FinishedAt.IsZero() {
		r.Stats.Elapsed = r.FinishedAt.Sub(r.StartedAt)
	}
	return &r, nil
}

// LastRun returns the most recently started run
func (l *SQLiteLedger) LastRun(ctx context.Context) (*Run, error) {
	row := l.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1")
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	return r, nil
}

// Runs lists every run, oldest first
func (l *SQLiteLedger) Runs(ctx context.Context) ([]*Run, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY started_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordDirectory upserts a completed directory and its shard list
func (l *SQLiteLedger) RecordDirectory(ctx context.Context, dir *Directory) error {
	if dir.CompletedAt.IsZero() {
		dir.CompletedAt = time.Now()
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO directories (path, run_id, files_total, files_processed, files_errored, records, error_rate, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			run_id = excluded.run_id,
			files_total = excluded.files_total,
			files_processed = excluded.files_processed,
			files_errored = excluded.files_errored,
			records = excluded.records,
			error_rate = excluded.error_rate,
			completed_at = excluded.completed_at`,
		dir.Path, dir.RunID, dir.FilesTotal, dir.FilesProcessed, dir.FilesErrored, dir.Records,
		dir.ErrorRate(), dir.CompletedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record directory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM directory_shards WHERE dir_path = ?", dir.Path); err != nil {
		return fmt.Errorf("failed to reset directory shards: %w", err)
	}
	for _, shard := range dir.Shards {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO directory_shards (dir_path, shard_path) VALUES (?, ?)", dir.Path, shard); err != nil {
			return fmt.Errorf("failed to record directory shard: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Directories lists recorded directories with their shards
func (l *SQLiteLedger) Directories(ctx context.Context) ([]*Directory, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT path, run_id, files_total, files_processed, files_errored, records, completed_at
		FROM directories ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list directories: %w", err)
	}
	var dirs []*Directory
	byPath := make(map[string]*Directory)
	for rows.Next() {
		var d Directory
		var completed sql.NullInt64
		if err := rows.Scan(&d.Path, &d.RunID, &d.FilesTotal, &d.FilesProcessed, &d.FilesErrored, &d.Records, &completed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan directory: %w", err)
		}
		d.CompletedAt = fromMillis(completed)
		dirs = append(dirs, &d)
		byPath[d.Path] = &d
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// single connection: the first cursor must be closed before the second query
	srows, err := l.db.QueryContext(ctx, "SELECT dir_path, shard_path FROM directory_shards ORDER BY dir_path, shard_path")
	if err != nil {
		return nil, fmt.Errorf("failed to list directory shards: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var dir, shard string
		if err := srows.Scan(&dir, &shard); err != nil {
			return nil, fmt.Errorf("failed to scan directory shard: %w", err)
		}
		if d, ok := byPath[dir]; ok {
			d.Shards = append(d.Shards, shard)
		}
	}
	return dirs, srows.Err()
}

// RecordShard stores a flushed shard. Re-recording a path replaces the entry.
func (l *SQLiteLedger) RecordShard(ctx context.Context, shard *Shard) error {
	if shard.CreatedAt.IsZero() {
		shard.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO shards (run_id, table_name, seq, path, row_count, bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			run_id = excluded.run_id,
			seq = excluded.seq,
			row_count = excluded.row_count,
			bytes = excluded.bytes,
			created_at = excluded.created_at`,
		shard.RunID, shard.Table, shard.Seq, shard.Path, shard.Rows, shard.Bytes, shard.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record shard: %w", err)
	}
	return nil
}

// Shards lists recorded shards ordered by table and sequence
func (l *SQLiteLedger) Shards(ctx context.Context) ([]*Shard, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, table_name, seq, path, row_count, bytes, created_at
		FROM shards ORDER BY table_name, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	defer rows.Close()

	var shards []*Shard
	for rows.Next() {
		var s Shard
		var created sql.NullInt64
		if err := rows.Scan(&s.RunID, &s.Table, &s.Seq, &s.Path, &s.Rows, &s.Bytes, &created); err != nil {
			return nil, fmt.Errorf("failed to scan shard: %w", err)
		}
		s.CreatedAt = fromMillis(created)
		shards = append(shards, &s)
	}
	return shards, rows.Err()
}

// NextSeq returns the flush sequence number following the last recorded shard
func (l *SQLiteLedger) NextSeq(ctx context.Context) (int, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM shards").Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read shard sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return int(seq.Int64) + 1, nil
}

// RecordFailure stores one file level error
func (l *SQLiteLedger) RecordFailure(ctx context.Context, f *Failure) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO failures (run_id, dir_path, path, table_name, handler, pattern, kind, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.RunID, f.Dir, f.Path, f.Table, f.Handler, f.Pattern, f.Kind, f.Error, f.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// Failures lists the most recent failures first. A limit of zero lists all.
func (l *SQLiteLedger) Failures(ctx context.Context, limit int) ([]*Failure, error) {
	query := `SELECT run_id, dir_path, path, table_name, handler, pattern, kind, error, created_at
		FROM failures ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []*Failure
	for rows.Next() {
		var f Failure
		var table, handler, pattern sql.NullString
		var created sql.NullInt64
		if err := rows.Scan(&f.RunID, &f.Dir, &f.Path, &table, &handler, &pattern, &f.Kind, &f.Error, &created); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Table, f.Handler, f.Pattern = table.String, handler.String, pattern.String
		f.CreatedAt = fromMillis(created)
		out = append(out, &f)
	}
	return out, rows.Err()
}

var _ Ledger = (*SQLiteLedger)(nil)
