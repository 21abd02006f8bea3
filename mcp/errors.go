package mcp

import "errors"

// Error kinds raised to the Response Processor (C8),
var (
	// ErrNotFound indicates an unknown tool, or a tool disabled by config.
	ErrNotFound = errors.New("mcp: tool not found")
	// ErrInvalidArgs indicates a schema validation failure pre-dispatch.
	ErrInvalidArgs = errors.New("mcp: invalid arguments")
	// ErrTransport indicates a network/subprocess failure; retryable.
	ErrTransport = errors.New("mcp: transport error")
	// ErrRemote indicates the server returned isError=true; not retried.
	ErrRemote = errors.New("mcp: remote tool error")
	// ErrTimeout indicates the per-call deadline was exceeded.
	ErrTimeout = errors.New("mcp: call timeout")
)
