// Package mcp implements the Model Context Protocol (MCP) server behind
// crawltab serve.
//
// The server is read-only. It exposes four tools:
//   - collection_status: latest run and counters of every worker of a collection
//   - list_shards: tables under the db dir and their shard files
//   - failures: recent file and directory failures from the worker ledgers
//   - inspect_shard: schema and first rows of one shard
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// # Tool: inspect_shard
//
//	Request:
//	{
//	  "name": "inspect_shard",
//	  "arguments": {
//	    "path": "mriqc/ds001-w0000-000000.parquet",
//	    "limit": 5
//	  }
//	}
//
// Relative paths are resolved against the db dir and paths outside it are
// rejected with code -32003.
//
// # Error Codes
//
//	-32602  Invalid params
//	-32603  Internal error
//	-32001  Collection not found
//	-32002  Shard not found
//	-32003  Path outside the db dir
package mcp
