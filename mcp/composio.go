package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// ComposioOptions configures the composio transport: Composio proxies a
// managed catalog of third-party integrations behind its own MCP gateway,
// scoped to one external end-user ExternalUserID field.
type ComposioOptions struct {
	GatewayURL     string
	APIKey         string
	ExternalUserID string
	Timeout        HTTPOptions
}

// ComposioCaller adapts the streamable_http transport to Composio's gateway
// conventions (bearer auth, per-user scoping headers), one variant of this
// package's tagged union of MCP transports; built in the same
// thin-wrapper-over-HTTP style used for other provider-specific MCP
// connectors.
type ComposioCaller struct {
	inner *StreamableHTTPCaller
}

// NewComposioCaller constructs a composio-transport Caller.
func NewComposioCaller(ctx context.Context, opts ComposioOptions) (*ComposioCaller, error) {
	if opts.GatewayURL == "" {
		return nil, fmt.Errorf("%w: gateway_url is required", ErrInvalidArgs)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: api_key is required", ErrInvalidArgs)
	}
	headers := map[string]string{
		"Authorization": "Bearer " + opts.APIKey,
	}
	if opts.ExternalUserID != "" {
		headers["X-Composio-User-Id"] = opts.ExternalUserID
	}
	inner, err := NewStreamableHTTPCaller(ctx, HTTPOptions{
		URL:     opts.GatewayURL,
		Headers: headers,
		Timeout: opts.Timeout.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &ComposioCaller{inner: inner}, nil
}

// ListTools delegates to the underlying streamable_http transport.
func (c *ComposioCaller) ListTools(ctx context.Context) ([]ToolSchema, error) {
	return c.inner.ListTools(ctx)
}

// CallTool delegates to the underlying streamable_http transport.
func (c *ComposioCaller) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, bool, error) {
	return c.inner.CallTool(ctx, tool, args)
}
