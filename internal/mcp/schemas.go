package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// collectionStatusTool returns the tool definition for collection_status
func collectionStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "collection_status",
		Description: "Report the latest run of every worker of a collection",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection_id": map[string]interface{}{
					"type":        "string",
					"description": "Collection id passed to crawltab run",
				},
			},
			Required: []string{"collection_id"},
		},
	}
}

// listShardsTool returns the tool definition for list_shards
func listShardsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_shards",
		Description: "List tables and their shard files",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"table": map[string]interface{}{
					"type":        "string",
					"description": "Only list shards of this table",
				},
			},
		},
	}
}

// failuresTool returns the tool definition for failures
func failuresTool() mcp.Tool {
	return mcp.Tool{
		Name:        "failures",
		Description: "List recent file and directory failures of a collection",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection_id": map[string]interface{}{
					"type":        "string",
					"description": "Collection id passed to crawltab run",
				},
				"worker_id": map[string]interface{}{
					"type":        "integer",
					"description": "Only this worker",
					"minimum":     0,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum failures per worker (1-1000)",
					"default":     20,
					"minimum":     1,
					"maximum":     1000,
				},
			},
			Required: []string{"collection_id"},
		},
	}
}

// inspectShardTool returns the tool definition for inspect_shard
func inspectShardTool() mcp.Tool {
	return mcp.Tool{
		Name:        "inspect_shard",
		Description: "Show the schema and first rows of a shard file",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Shard path, absolute or relative to the db dir",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Rows to return (0-100)",
					"default":     10,
					"minimum":     0,
					"maximum":     100,
				},
			},
			Required: []string{"path"},
		},
	}
}
