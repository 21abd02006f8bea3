package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync/atomic"
	"time"
)

// StdioOptions configures the stdio transport: a subprocess speaking
// newline-delimited JSON-RPC 2.0 over stdin/stdout.
type StdioOptions struct {
	Command string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// StdioCaller implements Caller by spawning a fresh subprocess per call,
// matching the "no persistent session between tool invocations" rule of
// even for the process-based transport. Follows the exec-based tool-runner
// shape used elsewhere in this codebase, adapted to the JSON-RPC framing
// used by the HTTP/SSE callers in this package.
type StdioCaller struct {
	opts StdioOptions
	seq  atomic.Int64
}

// NewStdioCaller constructs a stdio-transport Caller.
func NewStdioCaller(_ context.Context, opts StdioOptions) (*StdioCaller, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidArgs)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &StdioCaller{opts: opts}, nil
}

func (c *StdioCaller) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.opts.Command, c.opts.Args...)
	if len(c.opts.Env) > 0 {
		cmd.Env = c.opts.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %s", ErrTransport, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %s", ErrTransport, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start process: %s", ErrTransport, err)
	}

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.seq.Add(1), Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: encode request: %s", ErrTransport, err)
	}
	body = append(body, '\n')
	if _, err := stdin.Write(body); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("%w: write request: %s", ErrTransport, err)
	}
	_ = stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var respLine []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		respLine = append([]byte(nil), line...)
		break
	}
	waitErr := cmd.Wait()

	if respLine == nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: no response from process: %v", ErrTransport, waitErr)
	}

	var resp rpcResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %s", ErrTransport, err)
	}
	if resp.Error != nil {
		return nil, resp.Error.callerError()
	}
	return resp.Result, nil
}

// ListTools performs schema discovery over the stdio transport.
func (c *StdioCaller) ListTools(ctx context.Context) ([]ToolSchema, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return decodeListTools(result)
}

// CallTool invokes tools/call over the stdio transport.
func (c *StdioCaller) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, bool, error) {
	result, err := c.call(ctx, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		return nil, false, err
	}
	return decodeToolCallResult(result)
}
