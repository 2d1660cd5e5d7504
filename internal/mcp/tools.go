package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/crawltab/internal/ledger"
	"github.com/dshills/crawltab/internal/writer"
	"github.com/dshills/crawltab/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams       = -32602 // Invalid method parameters
	ErrorCodeInternalError       = -32603 // Internal JSON-RPC error
	ErrorCodeCollectionNotFound  = -32001 // No ledger exists for the collection
	ErrorCodeShardNotFound       = -32002 // Shard path does not exist
	ErrorCodePathOutsideDatabase = -32003 // Shard path escapes the db dir
)

const timeFormat = "2006-01-02T15:04:05Z07:00"

// handleCollectionStatus handles the collection_status tool invocation
func (s *Server) handleCollectionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	cid, err := collectionParam(args)
	if err != nil {
		return nil, err
	}

	files, err := s.ledgerFiles(cid)
	if err != nil {
		return nil, err
	}

	workers := make([]map[string]interface{}, 0, len(files))
	var total types.CrawlStats
	for _, lf := range files {
		status, stats, err := s.workerStatus(ctx, lf)
		if err != nil {
			return nil, newMCPError(ErrorCodeInternalError, "failed to read ledger", map[string]interface{}{
				"worker_id": lf.workerID,
				"error":     err.Error(),
			})
		}
		total.Add(stats)
		workers = append(workers, status)
	}

	response := map[string]interface{}{
		"collection_id": cid,
		"workers":       workers,
		"totals":        statsJSON(total),
	}
	if paths, err := readLines(filepath.Join(s.logDir, cid, "paths.txt")); err == nil {
		response["paths"] = paths
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

func (s *Server) workerStatus(ctx context.Context, lf ledgerFile) (map[string]interface{}, types.CrawlStats, error) {
	led, err := ledger.OpenReadOnly(ctx, lf.path)
	if err != nil {
		return nil, types.CrawlStats{}, err
	}
	defer led.Close()

	status := map[string]interface{}{"worker_id": lf.workerID}
	runs, err := led.Runs(ctx)
	if err != nil {
		return nil, types.CrawlStats{}, err
	}
	status["runs"] = len(runs)

	var stats types.CrawlStats
	if len(runs) > 0 {
		last := runs[len(runs)-1]
		stats = last.Stats
		run := map[string]interface{}{
			"id":         last.ID,
			"status":     string(last.Status),
			"host":       last.Host,
			"started_at": last.StartedAt.Format(timeFormat),
			"stats":      statsJSON(last.Stats),
		}
		if !last.FinishedAt.IsZero() {
			run["finished_at"] = last.FinishedAt.Format(timeFormat)
		}
		if last.Error != "" {
			run["error"] = last.Error
		}
		status["last_run"] = run
	}

	dirs, err := led.Directories(ctx)
	if err != nil {
		return nil, types.CrawlStats{}, err
	}
	shards, err := led.Shards(ctx)
	if err != nil {
		return nil, types.CrawlStats{}, err
	}
	var rows int
	for _, sh := range shards {
		rows += sh.Rows
	}
	status["dirs_completed"] = len(dirs)
	status["shards"] = len(shards)
	status["rows"] = rows
	return status, stats, nil
}

// handleListShards handles the list_shards tool invocation
func (s *Server) handleListShards(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	only := getStringDefault(args, "table", "")

	tables, err := listTables(s.dbDir)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list tables", map[string]interface{}{"error": err.Error()})
	}

	out := make([]map[string]interface{}, 0, len(tables))
	for _, table := range tables {
		if only != "" && table != only {
			continue
		}
		paths, err := writer.ListShards(s.dbDir, table)
		if err != nil {
			return nil, newMCPError(ErrorCodeInternalError, "failed to list shards", map[string]interface{}{
				"table": table,
				"error": err.Error(),
			})
		}
		shards := make([]map[string]interface{}, 0, len(paths))
		var size int64
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				continue
			}
			size += info.Size()
			shards = append(shards, map[string]interface{}{
				"path":  p,
				"bytes": info.Size(),
			})
		}
		out = append(out, map[string]interface{}{
			"table":  table,
			"shards": shards,
			"bytes":  size,
		})
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"db_dir": s.dbDir, "tables": out})), nil
}

// handleFailures handles the failures tool invocation
func (s *Server) handleFailures(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	cid, err := collectionParam(args)
	if err != nil {
		return nil, err
	}
	limit := getIntDefault(args, "limit", 20)
	if limit < 1 || limit > 1000 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 1000", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}
	worker := getIntDefault(args, "worker_id", -1)

	files, err := s.ledgerFiles(cid)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0)
	for _, lf := range files {
		if worker >= 0 && lf.workerID != worker {
			continue
		}
		failures, err := readFailures(ctx, lf.path, limit)
		if err != nil {
			return nil, newMCPError(ErrorCodeInternalError, "failed to read ledger", map[string]interface{}{
				"worker_id": lf.workerID,
				"error":     err.Error(),
			})
		}
		for _, f := range failures {
			entry := map[string]interface{}{
				"worker_id":  lf.workerID,
				"run_id":     f.RunID,
				"dir":        f.Dir,
				"path":       f.Path,
				"kind":       f.Kind,
				"error":      f.Error,
				"created_at": f.CreatedAt.Format(timeFormat),
			}
			if f.Table != "" {
				entry["table"] = f.Table
				entry["handler"] = f.Handler
				entry["pattern"] = f.Pattern
			}
			out = append(out, entry)
		}
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"collection_id": cid,
		"count":         len(out),
		"failures":      out,
	})), nil
}

func readFailures(ctx context.Context, path string, limit int) ([]*ledger.Failure, error) {
	led, err := ledger.OpenReadOnly(ctx, path)
	if err != nil {
		return nil, err
	}
	defer led.Close()
	return led.Failures(ctx, limit)
}

// handleInspectShard handles the inspect_shard tool invocation
func (s *Server) handleInspectShard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}
	limit := getIntDefault(args, "limit", 10)
	if limit < 0 || limit > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 0 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	abs, err := s.resolveShard(path)
	if err != nil {
		return nil, err
	}
	shard, err := writer.ReadShard(ctx, abs)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to read shard", map[string]interface{}{
			"path":  abs,
			"error": err.Error(),
		})
	}

	columns := make([]map[string]interface{}, 0, len(shard.Columns))
	for _, c := range shard.Columns {
		columns = append(columns, map[string]interface{}{"name": c, "type": shard.Schema[c].String()})
	}
	rows := make([]map[string]interface{}, 0, limit)
	for i, r := range shard.Rows {
		if i >= limit {
			break
		}
		attrs := make(map[string]interface{}, len(r.Record))
		for name, v := range r.Record {
			attrs[name] = jsonValue(v)
		}
		index := make(map[string]interface{}, r.Key.Len())
		for _, f := range r.Key.Fields {
			index[f.Name] = jsonValue(f.Value)
		}
		rows = append(rows, map[string]interface{}{
			writer.IndexColumn:  index,
			writer.SourceColumn: r.Source,
			writer.DirColumn:    r.Dir,
			"attributes":        attrs,
		})
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"path":       abs,
		"format":     string(shard.Format),
		"index":      shard.IndexNames,
		"columns":    columns,
		"total_rows": len(shard.Rows),
		"rows":       rows,
	})), nil
}

// resolveShard makes path absolute and keeps it inside the db dir
func (s *Server) resolveShard(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.dbDir, abs)
	}
	abs = filepath.Clean(abs)
	root, err := filepath.Abs(s.dbDir)
	if err != nil {
		return "", newMCPError(ErrorCodeInternalError, "invalid db dir", map[string]interface{}{"error": err.Error()})
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", newMCPError(ErrorCodePathOutsideDatabase, "path is outside the db dir", map[string]interface{}{
			"param": "path",
			"value": path,
		})
	}
	if _, err := os.Stat(abs); err != nil {
		return "", newMCPError(ErrorCodeShardNotFound, "shard not found", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}
	return abs, nil
}

type ledgerFile struct {
	workerID int
	path     string
}

// ledgerFiles lists the worker ledgers of a collection without creating any
func (s *Server) ledgerFiles(cid string) ([]ledgerFile, error) {
	pattern := filepath.Join(s.logDir, cid, "ledger", "worker-*.db")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid collection id", map[string]interface{}{"error": err.Error()})
	}
	var out []ledgerFile
	for _, m := range matches {
		var id int
		if _, err := fmt.Sscanf(filepath.Base(m), "worker-%d.db", &id); err != nil {
			continue
		}
		out = append(out, ledgerFile{workerID: id, path: m})
	}
	if len(out) == 0 {
		return nil, newMCPError(ErrorCodeCollectionNotFound, "collection not found", map[string]interface{}{
			"collection_id": cid,
			"log_dir":       s.logDir,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].workerID < out[j].workerID })
	return out, nil
}

func listTables(dbDir string) ([]string, error) {
	entries, err := os.ReadDir(dbDir)
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			tables = append(tables, e.Name())
		}
	}
	return tables, nil
}

func readLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			n++
		}
	}
	return n, nil
}

func statsJSON(s types.CrawlStats) map[string]interface{} {
	return map[string]interface{}{
		"dirs_total":      s.Dirs.Total,
		"dirs_processed":  s.Dirs.Processed,
		"dirs_errored":    s.Dirs.Errored,
		"files_total":     s.Files.Total,
		"files_processed": s.Files.Processed,
		"files_errored":   s.Files.Errored,
		"records":         s.Records,
		"shards":          s.Shards,
	}
}

// jsonValue converts a Value to something encoding/json accepts
func jsonValue(v types.Value) interface{} {
	switch v.Kind() {
	case types.KindNull:
		return nil
	case types.KindBool:
		return v.AsBool()
	case types.KindInt:
		return v.AsInt()
	case types.KindFloat:
		f := v.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return v.String()
		}
		return f
	case types.KindStruct:
		m := make(map[string]interface{}, len(v.Fields()))
		for _, f := range v.Fields() {
			m[f.Name] = jsonValue(f.Value)
		}
		return m
	case types.KindArray:
		return map[string]interface{}{"shape": v.AsArray().Shape, "size": v.AsArray().Size()}
	}
	return v.String()
}

// Helper functions

func collectionParam(args map[string]interface{}) (string, error) {
	cid, ok := args["collection_id"].(string)
	if !ok || cid == "" {
		return "", newMCPError(ErrorCodeInvalidParams, "collection_id parameter is required", map[string]interface{}{
			"param":  "collection_id",
			"reason": "missing or empty",
		})
	}
	if strings.ContainsAny(cid, `/\`) || cid == "." || cid == ".." {
		return "", newMCPError(ErrorCodeInvalidParams, "invalid collection_id", map[string]interface{}{
			"param":  "collection_id",
			"reason": "must be a plain name",
		})
	}
	return cid, nil
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// ErrNotDirectory is returned when the db dir is a file
var ErrNotDirectory = errors.New("path is not a directory")
