// Package config loads the run configuration from defaults, an optional
// config file, CRAWLTAB_ environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dshills/crawltab/internal/assembler"
	"github.com/dshills/crawltab/internal/crawler"
	"github.com/dshills/crawltab/internal/indexer"
	"github.com/dshills/crawltab/internal/loaders"
	"github.com/dshills/crawltab/internal/partition"
	"github.com/dshills/crawltab/internal/writer"
	"github.com/dshills/crawltab/pkg/types"
)

// EnvPrefix prefixes environment overrides, e.g. CRAWLTAB_DB_DIR
const EnvPrefix = "CRAWLTAB"

// ByteSize is a size that may be written as "64 MiB" in config files
type ByteSize int64

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Config is the full run configuration. Treat it as immutable after Load.
type Config struct {
	CollectionID string `mapstructure:"collection_id"`
	DBDir        string `mapstructure:"db_dir"`
	// LogDir holds paths.txt and the run ledgers. Defaults to {db_dir}/.crawltab.
	LogDir string `mapstructure:"log_dir"`

	WorkerID     int  `mapstructure:"worker_id"`
	NumWorkers   int  `mapstructure:"num_workers"`
	LocalWorkers bool `mapstructure:"local_workers"`
	MaxParallel  int  `mapstructure:"max_parallel"`

	DryRun       bool   `mapstructure:"dry_run"`
	Force        bool   `mapstructure:"force"`
	FlushOnError bool   `mapstructure:"flush_on_error"`
	LogLevel     string `mapstructure:"log_level"`
	LogFrequency int    `mapstructure:"log_frequency"`

	Paths   PathsConfig   `mapstructure:"paths"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Writer  WriterConfig  `mapstructure:"writer"`
	Tables  []TableConfig `mapstructure:"tables"`
}

// PathsConfig selects the directories to crawl
type PathsConfig struct {
	List                   []string `mapstructure:"list"`
	ListPath               string   `mapstructure:"list_path"`
	FilterCompleted        bool     `mapstructure:"filter_completed"`
	RedoErrorRateThreshold float64  `mapstructure:"redo_error_rate_threshold"`
	Scheme                 string   `mapstructure:"scheme"`
	MinPerWorker           int      `mapstructure:"min_per_worker"`
}

// CrawlerConfig tunes directory walking and flushing
type CrawlerConfig struct {
	Recursive       bool     `mapstructure:"recursive"`
	IncludeHidden   bool     `mapstructure:"include_hidden"`
	MaxFailures     int      `mapstructure:"max_failures"`
	Flush           string   `mapstructure:"flush"`
	FlushMaxRecords int      `mapstructure:"flush_max_records"`
	FlushMaxBytes   ByteSize `mapstructure:"flush_max_bytes"`
}

// WriterConfig selects the shard format
type WriterConfig struct {
	Format       string `mapstructure:"format"`
	Compression  string `mapstructure:"compression"`
	RowGroupRows int64  `mapstructure:"row_group_rows"`
}

// TableConfig declares one output table
type TableConfig struct {
	Name      string          `mapstructure:"name"`
	Collision string          `mapstructure:"collision"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Handlers  []HandlerConfig `mapstructure:"handlers"`
}

// IndexerConfig lists the index fields of a table
type IndexerConfig struct {
	Fields []indexer.FieldConfig `mapstructure:"fields"`
}

// HandlerConfig declares one handler of a table
type HandlerConfig struct {
	Type             string            `mapstructure:"type"`
	Label            string            `mapstructure:"label"`
	Pattern          []string          `mapstructure:"pattern"`
	Rename           map[string]string `mapstructure:"rename"`
	Options          map[string]any    `mapstructure:"options"`
	Fields           map[string]string `mapstructure:"fields"`
	OverlapThreshold float64           `mapstructure:"overlap_threshold"`
	Group            string            `mapstructure:"group"`
}

// LoaderSpec converts the handler config for the loader factory
func (h HandlerConfig) LoaderSpec() loaders.Spec {
	return loaders.Spec{
		Type:             h.Type,
		Label:            h.Label,
		Rename:           h.Rename,
		Options:          h.Options,
		Fields:           h.Fields,
		OverlapThreshold: h.OverlapThreshold,
		Group:            h.Group,
	}
}

var defaults = map[string]any{
	"collection_id":                   "",
	"db_dir":                          "",
	"log_dir":                         "",
	"worker_id":                       0,
	"num_workers":                     1,
	"local_workers":                   false,
	"max_parallel":                    0,
	"dry_run":                         false,
	"force":                           false,
	"flush_on_error":                  false,
	"log_level":                       "info",
	"log_frequency":                   10,
	"paths.list":                      []string{},
	"paths.list_path":                 "",
	"paths.filter_completed":          true,
	"paths.redo_error_rate_threshold": 0.25,
	"paths.scheme":                    string(partition.RoundRobin),
	"paths.min_per_worker":            0,
	"crawler.recursive":               false,
	"crawler.include_hidden":          false,
	"crawler.max_failures":            0,
	"crawler.flush":                   string(crawler.FlushDirectory),
	"crawler.flush_max_records":       0,
	"crawler.flush_max_bytes":         "64 MiB",
	"writer.format":                   string(writer.Parquet),
	"writer.compression":              "snappy",
	"writer.row_group_rows":           0,
}

// flagKeys maps command line flag names to config keys
var flagKeys = map[string]string{
	"collection-id":  "collection_id",
	"db-dir":         "db_dir",
	"log-dir":        "log_dir",
	"worker-id":      "worker_id",
	"num-workers":    "num_workers",
	"local-workers":  "local_workers",
	"max-parallel":   "max_parallel",
	"dry-run":        "dry_run",
	"force":          "force",
	"flush-on-error": "flush_on_error",
	"log-level":      "log_level",
	"paths":          "paths.list",
	"paths-file":     "paths.list_path",
}

// RegisterFlags defines the run flags on fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("collection-id", "", "unique id of this collection run (required)")
	fs.String("db-dir", "", "output directory for table shards")
	fs.String("log-dir", "", "directory for paths.txt and run ledgers (default {db-dir}/.crawltab)")
	fs.Int("worker-id", 0, "worker id of this process")
	fs.Int("num-workers", 1, "total number of workers")
	fs.Bool("local-workers", false, "run every worker in this process")
	fs.Int("max-parallel", 0, "max concurrent local workers (0 = num-workers)")
	fs.Bool("dry-run", false, "process the first directory of worker 0 and write nothing")
	fs.Bool("force", false, "rerun workers that already finished")
	fs.Bool("flush-on-error", false, "flush pending rows before aborting on a collision")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.StringSlice("paths", nil, "directories or glob patterns to crawl")
	fs.String("paths-file", "", "file listing directories to crawl, one per line")
}

// Load builds a Config. flags may be nil and configFile may be empty.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &types.ConfigurationError{Field: "config", Msg: "cannot read " + configFile, Err: err}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			byteSizeHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)),
		func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true },
	)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "config", Msg: "cannot decode", Err: err}
	}

	if cfg.LogDir == "" && cfg.DBDir != "" {
		cfg.LogDir = filepath.Join(cfg.DBDir, ".crawltab")
	}
	for i := range cfg.Tables {
		for j := range cfg.Tables[i].Handlers {
			h := &cfg.Tables[i].Handlers[j]
			if h.Label == "" {
				h.Label = h.Type
			}
		}
	}
	return &cfg, nil
}

func byteSizeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(ByteSize(0)) || from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(reflect.ValueOf(data).String())
	if s == "" {
		return ByteSize(0), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Validate checks everything that can be checked without touching the
// filesystem. Every failure is a ConfigurationError.
func (c *Config) Validate() error {
	if c.CollectionID == "" {
		return types.Configf("collection_id", "required")
	}
	if strings.ContainsAny(c.CollectionID, `/\`) {
		return types.Configf("collection_id", "must not contain path separators")
	}
	if c.DBDir == "" {
		return types.Configf("db_dir", "required")
	}
	if c.NumWorkers <= 0 {
		return types.Configf("num_workers", "must be positive, got %d", c.NumWorkers)
	}
	if !c.LocalWorkers && (c.WorkerID < 0 || c.WorkerID >= c.NumWorkers) {
		return types.Configf("worker_id", "must be in [0, %d), got %d", c.NumWorkers, c.WorkerID)
	}
	if c.MaxParallel < 0 {
		return types.Configf("max_parallel", "must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	if len(c.Paths.List) == 0 && c.Paths.ListPath == "" {
		return types.Configf("paths", "one of paths.list or paths.list_path is required")
	}
	if len(c.Paths.List) > 0 && c.Paths.ListPath != "" {
		return types.Configf("paths", "paths.list and paths.list_path are mutually exclusive")
	}
	if t := c.Paths.RedoErrorRateThreshold; t < 0 || t > 1 {
		return types.Configf("paths.redo_error_rate_threshold", "must be in [0, 1], got %g", t)
	}
	if _, err := partition.ParseScheme(c.Paths.Scheme); err != nil {
		return err
	}
	if c.Paths.MinPerWorker < 0 {
		return types.Configf("paths.min_per_worker", "must not be negative")
	}

	if _, err := crawler.ParseFlushPolicy(c.Crawler.Flush); err != nil {
		return err
	}
	if c.Crawler.MaxFailures < 0 || c.Crawler.FlushMaxRecords < 0 || c.Crawler.FlushMaxBytes < 0 {
		return types.Configf("crawler", "limits must not be negative")
	}
	if _, err := writer.ParseFormat(c.Writer.Format); err != nil {
		return err
	}
	if _, err := writer.ParseCompression(c.Writer.Compression); err != nil {
		return err
	}

	if len(c.Tables) == 0 {
		return types.Configf("tables", "at least one table is required")
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return types.Configf("tables", "table without name")
		}
		if strings.HasPrefix(t.Name, ".") || strings.ContainsAny(t.Name, `/\`) {
			return types.Configf("tables."+t.Name, "invalid table name")
		}
		if seen[t.Name] {
			return types.Configf("tables."+t.Name, "duplicate table")
		}
		seen[t.Name] = true
		if _, err := assembler.ParsePolicy(t.Collision); err != nil {
			return err
		}
		if len(t.Indexer.Fields) == 0 {
			return types.Configf("tables."+t.Name+".indexer.fields", "at least one index field is required")
		}
		if len(t.Handlers) == 0 {
			return types.Configf("tables."+t.Name+".handlers", "at least one handler is required")
		}
		groups := make(map[string]bool)
		for _, h := range t.Handlers {
			if h.Type == "" {
				return types.Configf("tables."+t.Name+".handlers", "handler without type")
			}
			if len(h.Pattern) == 0 {
				return types.Configf("tables."+t.Name+".handlers."+h.Label, "pattern is required")
			}
			if h.Group == "" {
				continue
			}
			field := "tables." + t.Name + ".handlers." + h.Label + ".group"
			if types.IsReserved(h.Group) {
				return types.Configf(field, "%s is reserved for a writer column", h.Group)
			}
			if groups[h.Group] {
				return types.Configf(field, "group %s is used by another handler", h.Group)
			}
			groups[h.Group] = true
		}
	}
	return nil
}

// Level parses LogLevel
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, &types.ConfigurationError{Field: "log_level", Err: err}
	}
	return level, nil
}

// Workers returns the worker ids this process runs
func (c *Config) Workers() []int {
	if !c.LocalWorkers {
		return []int{c.WorkerID}
	}
	ids := make([]int, c.NumWorkers)
	for i := range ids {
		ids[i] = i
	}
	return ids
}
