package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// HTTPOptions configures the streamable_http and sse transports.
type HTTPOptions struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// httpTransport holds the shared HTTP plumbing for the streamable_http and
// sse Callers: an HTTP client, the target endpoint, and a request-id counter.
type httpTransport struct {
	client   *http.Client
	endpoint string
	headers  map[string]string
	seq      atomic.Int64
}

func newHTTPTransport(_ context.Context, opts HTTPOptions) (*httpTransport, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidArgs)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{
		client:   &http.Client{Timeout: timeout},
		endpoint: opts.URL,
		headers:  opts.Headers,
	}, nil
}

func (t *httpTransport) nextID() int64 { return t.seq.Add(1) }

func (t *httpTransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

// StreamableHTTPCaller implements Caller using plain HTTP POST JSON-RPC
// (the streamable_http transport), returning a single JSON response body
// per call rather than an SSE stream.
type StreamableHTTPCaller struct{ transport *httpTransport }

// NewStreamableHTTPCaller constructs a streamable_http Caller.
func NewStreamableHTTPCaller(ctx context.Context, opts HTTPOptions) (*StreamableHTTPCaller, error) {
	transport, err := newHTTPTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &StreamableHTTPCaller{transport: transport}, nil
}

func (c *StreamableHTTPCaller) do(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rpcReq := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.transport.nextID(), Params: params}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %s", ErrTransport, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transport.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %s", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	c.transport.applyHeaders(httpReq)
	resp, err := c.transport.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %s", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d: %s", ErrTransport, resp.StatusCode, string(raw))
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %s", ErrTransport, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error.callerError()
	}
	return rpcResp.Result, nil
}

// ListTools performs the one-time tools/list schema discovery call.
func (c *StreamableHTTPCaller) ListTools(ctx context.Context) ([]ToolSchema, error) {
	result, err := c.do(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return decodeListTools(result)
}

// CallTool invokes tools/call and normalizes the response.
func (c *StreamableHTTPCaller) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, bool, error) {
	result, err := c.do(ctx, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		return nil, false, err
	}
	return decodeToolCallResult(result)
}

// SSECaller implements Caller over an HTTP SSE stream for tools/call, via a
// readSSEEvent state machine handling response/error/close events.
type SSECaller struct{ transport *httpTransport }

// NewSSECaller constructs an sse-transport Caller.
func NewSSECaller(ctx context.Context, opts HTTPOptions) (*SSECaller, error) {
	transport, err := newHTTPTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &SSECaller{transport: transport}, nil
}

func (c *SSECaller) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rpcReq := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.transport.nextID(), Params: params}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %s", ErrTransport, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transport.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %s", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.transport.applyHeaders(httpReq)
	resp, err := c.transport.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: sse status %d: %s", ErrTransport, resp.StatusCode, string(raw))
	}
	reader := bufio.NewReader(resp.Body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: sse stream closed before response", ErrTransport)
			}
			return nil, fmt.Errorf("%w: %s", ErrTransport, err)
		}
		switch event {
		case "response":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				return nil, fmt.Errorf("%w: decode sse response: %s", ErrTransport, err)
			}
			if rpcResp.Error != nil {
				return nil, rpcResp.Error.callerError()
			}
			return rpcResp.Result, nil
		case "error":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err == nil && rpcResp.Error != nil {
				return nil, rpcResp.Error.callerError()
			}
			return nil, fmt.Errorf("%w: sse error event", ErrTransport)
		case "", "notification":
			continue
		case "close":
			return nil, fmt.Errorf("%w: sse stream closed without response", ErrTransport)
		default:
			continue
		}
	}
}

// ListTools performs schema discovery over the SSE transport.
func (c *SSECaller) ListTools(ctx context.Context) ([]ToolSchema, error) {
	result, err := c.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return decodeListTools(result)
}

// CallTool invokes tools/call over the SSE transport.
func (c *SSECaller) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, bool, error) {
	result, err := c.request(ctx, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		return nil, false, err
	}
	return decodeToolCallResult(result)
}

// readSSEEvent reads one "event:"/"data:" frame.
func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			chunk := after
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			continue
		}
	}
}
