package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"
)

const (
	// ServerName is the MCP server name
	ServerName = "crawltab"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server exposes collection ledgers and table shards to MCP clients.
// It only reads what crawltab run wrote.
type Server struct {
	mcp    *server.MCPServer
	dbDir  string
	logDir string
}

// NewServer creates a server over dbDir. An empty logDir selects {dbDir}/.crawltab.
func NewServer(dbDir, logDir string) (*Server, error) {
	if dbDir == "" {
		return nil, fmt.Errorf("db dir is required")
	}
	info, err := os.Stat(dbDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open db dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("db dir %s: %w", dbDir, ErrNotDirectory)
	}
	if logDir == "" {
		logDir = filepath.Join(dbDir, ".crawltab")
	}

	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion),
		dbDir:  dbDir,
		logDir: logDir,
	}
	s.registerTools()
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(collectionStatusTool(), s.handleCollectionStatus)
	s.mcp.AddTool(listShardsTool(), s.handleListShards)
	s.mcp.AddTool(failuresTool(), s.handleFailures)
	s.mcp.AddTool(inspectShardTool(), s.handleInspectShard)
}
