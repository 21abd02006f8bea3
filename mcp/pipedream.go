package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// PipedreamOptions configures the pipedream transport: Pipedream exposes a
// workflow-connector catalog behind its own MCP gateway, scoped per external
// account and optional project id.
type PipedreamOptions struct {
	GatewayURL     string
	AccessToken    string
	ExternalUserID string
	ProjectID      string
	Timeout        HTTPOptions
}

// PipedreamCaller adapts the streamable_http transport to Pipedream's gateway
// conventions, one variant of this package's tagged union of MCP transports;
// structurally identical to ComposioCaller since both providers speak
// MCP-over-HTTP with a provider-specific auth header and user-scoping header.
type PipedreamCaller struct {
	inner *StreamableHTTPCaller
}

// NewPipedreamCaller constructs a pipedream-transport Caller.
func NewPipedreamCaller(ctx context.Context, opts PipedreamOptions) (*PipedreamCaller, error) {
	if opts.GatewayURL == "" {
		return nil, fmt.Errorf("%w: gateway_url is required", ErrInvalidArgs)
	}
	if opts.AccessToken == "" {
		return nil, fmt.Errorf("%w: access_token is required", ErrInvalidArgs)
	}
	headers := map[string]string{
		"Authorization": "Bearer " + opts.AccessToken,
	}
	if opts.ExternalUserID != "" {
		headers["X-PD-External-User-Id"] = opts.ExternalUserID
	}
	if opts.ProjectID != "" {
		headers["X-PD-Project-Id"] = opts.ProjectID
	}
	inner, err := NewStreamableHTTPCaller(ctx, HTTPOptions{
		URL:     opts.GatewayURL,
		Headers: headers,
		Timeout: opts.Timeout.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &PipedreamCaller{inner: inner}, nil
}

// ListTools delegates to the underlying streamable_http transport.
func (c *PipedreamCaller) ListTools(ctx context.Context) ([]ToolSchema, error) {
	return c.inner.ListTools(ctx)
}

// CallTool delegates to the underlying streamable_http transport.
func (c *PipedreamCaller) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, bool, error) {
	return c.inner.CallTool(ctx, tool, args)
}
