package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/codes"

	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/errtaxonomy"
	"github.com/driftloom/agentcore/telemetry"
)

// defaultCallRate and defaultCallBurst bound how often the pool will dispatch
// calls to any one MCP server, pacing outbound traffic so a chatty run
// doesn't trip the server's own rate limiting (§7 RateLimited).
const (
	defaultCallRate  = 5 // requests per second
	defaultCallBurst = 5
)

// schemaCacheTTL is how long a discovered tool catalog is trusted before the
// pool re-lists it from the server, matching the mcp_schema:<fingerprint>
// default lifetime.
const schemaCacheTTL = time.Hour

// maxParallelInit bounds how many MCP servers are initialized concurrently
// for a single agent run.
const maxParallelInit = 8

// maxCallRetries bounds the Transport/Timeout retry loop per tool call.
const maxCallRetries = 2

func schemaCacheKey(fingerprint string) string { return "mcp_schema:" + fingerprint }

// CallerFactory builds a fresh Caller for a connection. Production code
// supplies one backed by the transport constructors in this package; tests
// supply a fake.
type CallerFactory func(ctx context.Context, conn Connection) (Caller, error)

// DefaultCallerFactory dispatches on Connection.Transport to the concrete
// transport constructors in this package.
func DefaultCallerFactory(ctx context.Context, conn Connection) (Caller, error) {
	switch conn.Transport {
	case TransportStreamableHTTP:
		return NewStreamableHTTPCaller(ctx, httpOptionsFromConfig(conn.Config))
	case TransportSSE:
		return NewSSECaller(ctx, httpOptionsFromConfig(conn.Config))
	case TransportStdio:
		return NewStdioCaller(ctx, stdioOptionsFromConfig(conn.Config))
	case TransportComposio:
		return NewComposioCaller(ctx, composioOptionsFromConfig(conn))
	case TransportPipedream:
		return NewPipedreamCaller(ctx, pipedreamOptionsFromConfig(conn))
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidArgs, conn.Transport)
	}
}

func httpOptionsFromConfig(cfg map[string]any) HTTPOptions {
	opts := HTTPOptions{}
	if v, ok := cfg["url"].(string); ok {
		opts.URL = v
	}
	if v, ok := cfg["headers"].(map[string]string); ok {
		opts.Headers = v
	}
	if v, ok := cfg["timeout_seconds"].(float64); ok {
		opts.Timeout = time.Duration(v) * time.Second
	}
	return opts
}

func stdioOptionsFromConfig(cfg map[string]any) StdioOptions {
	opts := StdioOptions{}
	if v, ok := cfg["command"].(string); ok {
		opts.Command = v
	}
	if v, ok := cfg["args"].([]string); ok {
		opts.Args = v
	}
	if v, ok := cfg["env"].([]string); ok {
		opts.Env = v
	}
	return opts
}

func composioOptionsFromConfig(conn Connection) ComposioOptions {
	opts := ComposioOptions{ExternalUserID: conn.ExternalUserID}
	if v, ok := conn.Config["gateway_url"].(string); ok {
		opts.GatewayURL = v
	}
	if v, ok := conn.Config["api_key"].(string); ok {
		opts.APIKey = v
	}
	return opts
}

func pipedreamOptionsFromConfig(conn Connection) PipedreamOptions {
	opts := PipedreamOptions{ExternalUserID: conn.ExternalUserID}
	if v, ok := conn.Config["gateway_url"].(string); ok {
		opts.GatewayURL = v
	}
	if v, ok := conn.Config["access_token"].(string); ok {
		opts.AccessToken = v
	}
	if v, ok := conn.Config["project_id"].(string); ok {
		opts.ProjectID = v
	}
	return opts
}

// ResolvedTool is one namespaced, dispatch-ready tool surfaced by the pool.
type ResolvedTool struct {
	// NamespacedName is the mcp_<qualified_name>_<tool_name> identifier
	// (hash-truncated if needed) surfaced to the LLM and tool registry.
	NamespacedName string
	Connection     Connection
	Schema         ToolSchema
}

// Pool manages a set of MCP connections for one agent run: it discovers and
// caches each server's tool catalog, exposes a namespaced flat tool list, and
// dispatches calls by opening a fresh Caller session per invocation, using a
// broker-backed cache for schema discovery.
type Pool struct {
	b       broker.Broker
	log     telemetry.Logger
	factory CallerFactory

	mu       sync.Mutex
	tools    map[string]ResolvedTool // namespaced name -> tool
	conns    []Connection
	limiters map[string]*rate.Limiter // qualified name -> per-server call pacer

	tracer  telemetry.Tracer
	metrics telemetry.Metrics
}

// NewPool constructs an empty Pool. Call Init to discover tool catalogs for
// a set of connections before dispatching calls.
func NewPool(b broker.Broker, log telemetry.Logger, factory CallerFactory) *Pool {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if factory == nil {
		factory = DefaultCallerFactory
	}
	return &Pool{
		b: b, log: log, factory: factory, tools: map[string]ResolvedTool{}, limiters: map[string]*rate.Limiter{},
		tracer: telemetry.NewNoopTracer(), metrics: telemetry.NewNoopMetrics(),
	}
}

// WithTracer attaches a Tracer so Call opens a per-dispatch span.
func (p *Pool) WithTracer(t telemetry.Tracer) *Pool {
	if t != nil {
		p.tracer = t
	}
	return p
}

// WithMetrics attaches a Metrics recorder so Call records per-tool-call
// latency and a retry counter.
func (p *Pool) WithMetrics(m telemetry.Metrics) *Pool {
	if m != nil {
		p.metrics = m
	}
	return p
}

// limiterFor returns the per-server token-bucket limiter pacing calls to
// qualifiedName, creating one lazily on first use.
func (p *Pool) limiterFor(qualifiedName string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[qualifiedName]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(defaultCallRate), defaultCallBurst)
		p.limiters[qualifiedName] = lim
	}
	return lim
}

// Init discovers tool catalogs for every connection, bounded to
// maxParallelInit concurrent server initializations. A single server's
// discovery failure does not abort the others: it is logged and the server
// contributes zero tools.
func (p *Pool) Init(ctx context.Context, conns []Connection) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelInit)

	results := make([]map[string]ResolvedTool, len(conns))
	for i, conn := range conns {
		i, conn := i, conn
		group.Go(func() error {
			tools, err := p.discover(gctx, conn)
			if err != nil {
				p.log.Warn(gctx, "mcp: server discovery failed", "server", conn.QualifiedName, "err", err)
				return nil
			}
			results[i] = tools
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = conns
	for _, tools := range results {
		for name, tool := range tools {
			p.tools[name] = tool
		}
	}
	return nil
}

// discover returns a connection's namespaced tool catalog, preferring a
// cached entry keyed by the connection's config fingerprint.
func (p *Pool) discover(ctx context.Context, conn Connection) (map[string]ResolvedTool, error) {
	fingerprint := Fingerprint(conn)
	schemas, err := p.cachedSchemas(ctx, fingerprint)
	if err != nil || schemas == nil {
		caller, ferr := p.factory(ctx, conn)
		if ferr != nil {
			return nil, ferr
		}
		schemas, ferr = caller.ListTools(ctx)
		if ferr != nil {
			return nil, ferr
		}
		if cerr := p.storeSchemas(ctx, fingerprint, schemas); cerr != nil {
			p.log.Warn(ctx, "mcp: schema cache store failed", "server", conn.QualifiedName, "err", cerr)
		}
	}

	tools := make(map[string]ResolvedTool, len(schemas))
	for _, schema := range schemas {
		if conn.EnabledTools != nil {
			if _, enabled := conn.EnabledTools[schema.Name]; !enabled {
				continue
			}
		}
		schema.Source = "mcp:" + conn.QualifiedName
		name := NamespacedToolName(conn.QualifiedName, schema.Name)
		tools[name] = ResolvedTool{NamespacedName: name, Connection: conn, Schema: schema}
	}
	return tools, nil
}

func (p *Pool) cachedSchemas(ctx context.Context, fingerprint string) ([]ToolSchema, error) {
	raw, found, err := p.b.Get(ctx, schemaCacheKey(fingerprint))
	if err != nil || !found {
		return nil, err
	}
	var schemas []ToolSchema
	if err := json.Unmarshal([]byte(raw), &schemas); err != nil {
		return nil, nil
	}
	return schemas, nil
}

func (p *Pool) storeSchemas(ctx context.Context, fingerprint string, schemas []ToolSchema) error {
	encoded, err := json.Marshal(schemas)
	if err != nil {
		return err
	}
	return p.b.Set(ctx, schemaCacheKey(fingerprint), string(encoded), schemaCacheTTL)
}

// Tools returns the flat, namespaced catalog of tools discovered across all
// connections passed to Init.
func (p *Pool) Tools() []ResolvedTool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ResolvedTool, 0, len(p.tools))
	for _, t := range p.tools {
		out = append(out, t)
	}
	return out
}

// Call dispatches a namespaced tool call, opening a fresh Caller session per
// call (no session reuse) and retrying TransportRetryable/timeout failures
// up to maxCallRetries times with jittered backoff.
func (p *Pool) Call(ctx context.Context, namespacedName string, args json.RawMessage) (json.RawMessage, bool, error) {
	ctx, span := p.tracer.Start(ctx, "mcp.pool.call")
	span.AddEvent("mcp_call_started", "tool", namespacedName)
	started := time.Now()
	defer func() {
		p.metrics.RecordTimer("mcp.pool.call.duration", time.Since(started), "tool", namespacedName)
		span.End()
	}()

	p.mu.Lock()
	tool, ok := p.tools[namespacedName]
	p.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNotFound, namespacedName)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown tool")
		return nil, false, err
	}

	limiter := p.limiterFor(tool.Connection.QualifiedName)

	var lastErr error
	for attempt := 0; attempt <= maxCallRetries; attempt++ {
		if attempt > 0 {
			p.metrics.IncCounter("mcp.pool.call.retry", 1, "tool", namespacedName, "server", tool.Connection.QualifiedName)
		}
		if err := limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limiter wait")
			return nil, false, err
		}
		caller, err := p.factory(ctx, tool.Connection)
		if err != nil {
			lastErr = err
			break
		}
		result, isError, err := caller.CallTool(ctx, tool.Schema.Name, args)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return result, isError, nil
		}
		lastErr = err
		if !isRetryableTransportErr(err) {
			break
		}
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context cancelled")
			return nil, false, ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "tool call failed")
	return nil, false, lastErr
}

func isRetryableTransportErr(err error) bool {
	return isErr(err, ErrTransport) || isErr(err, ErrTimeout)
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func retryBackoff(attempt int) time.Duration {
	return errtaxonomy.Backoff(attempt)
}

// toolNameHashSuffixLen bounds the hash suffix appended to namespaced tool
// names that would otherwise exceed maxToolNameLen.
const (
	maxToolNameLen       = 64
	toolNameHashSuffixLen = 8
)

// NamespacedToolName builds the mcp_<qualified_name>_<tool_name> identifier,
// hash-truncating when the natural concatenation would exceed provider
// tool-name length limits.
func NamespacedToolName(qualifiedName, toolName string) string {
	name := fmt.Sprintf("mcp_%s_%s", qualifiedName, toolName)
	if len(name) <= maxToolNameLen {
		return name
	}
	sum := sha1.Sum([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:toolNameHashSuffixLen]
	keep := maxToolNameLen - toolNameHashSuffixLen - 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(name) {
		keep = len(name)
	}
	return name[:keep] + "_" + suffix
}
