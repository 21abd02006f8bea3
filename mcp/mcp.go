// Package mcp implements the MCP Client Pool: connecting to
// heterogeneous MCP servers over several transports, caching their tool
// catalogs, and dispatching tool calls behind a uniform interface: a Caller
// interface and JSON-RPC error codes, with an SSE transport plus
// stdio/composio/pipedream variants built in the same per-variant,
// tagged-union style.
package mcp

import (
	"context"
	"encoding/json"
)

// TransportKind is the tagged union discriminant for MCPConnection.Transport.
type TransportKind string

const (
	TransportStreamableHTTP TransportKind = "streamable_http"
	TransportSSE            TransportKind = "sse"
	TransportStdio          TransportKind = "stdio"
	TransportComposio       TransportKind = "composio"
	TransportPipedream      TransportKind = "pipedream"
)

// Connection is the value-like configuration for one MCP server. No live
// session is retained between calls; each invocation opens a fresh transport
// session.
type Connection struct {
	QualifiedName  string
	DisplayName    string
	Transport      TransportKind
	Config         map[string]any
	EnabledTools   map[string]struct{}
	ExternalUserID string
}

// ToolSchema describes one tool's calling contract.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Source      string // "builtin" or "mcp:<qualified_name>"
}

// Caller invokes a single MCP tool call over a concrete transport. Each
// transport variant implements Caller by opening a fresh session per call:
// "do not hold a persistent session between tool invocations."
type Caller interface {
	// ListTools performs the one-time schema discovery call.
	ListTools(ctx context.Context) ([]ToolSchema, error)
	// CallTool invokes a named tool and returns its raw JSON result.
	CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, bool, error)
}

// JSON-RPC canonical error codes per the MCP spec.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)
