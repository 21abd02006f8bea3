package mcp

import (
	"encoding/json"
	"fmt"
)

// rpcRequest/rpcResponse mirror the minimal JSON-RPC 2.0 envelope used by MCP
// over HTTP/SSE transports.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int64  `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) callerError() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case JSONRPCMethodNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, e.Message)
	case JSONRPCInvalidParams, JSONRPCInvalidRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgs, e.Message)
	default:
		return fmt.Errorf("%w: %s", ErrTransport, e.Message)
	}
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// listToolsResult is the decoded shape of a tools/list response.
type listToolsResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

// toolCallResult is the decoded shape of a tools/call response.
type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
	// StructuredContent, when present, is returned verbatim instead of the
	// concatenated text blocks.
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

func decodeToolCallResult(raw json.RawMessage) (json.RawMessage, bool, error) {
	var res toolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("%w: decode tool result: %s", ErrTransport, err)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, res.IsError, nil
	}
	text := ""
	for _, c := range res.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	out, err := json.Marshal(text)
	if err != nil {
		return nil, res.IsError, fmt.Errorf("%w: encode tool text: %s", ErrTransport, err)
	}
	return out, res.IsError, nil
}

func decodeListTools(raw json.RawMessage) ([]ToolSchema, error) {
	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: decode tools/list: %s", ErrTransport, err)
	}
	schemas := make([]ToolSchema, 0, len(res.Tools))
	for _, t := range res.Tools {
		schemas = append(schemas, ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return schemas, nil
}
