package mcp_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/mcp"
	"github.com/driftloom/agentcore/telemetry"
)

// fakeMetrics records every call made to it, so tests can assert that
// instrumented code paths actually invoke the Metrics interface.
type fakeMetrics struct {
	mu       sync.Mutex
	timers   []string
	counters []string
}

func (m *fakeMetrics) IncCounter(name string, _ float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, name)
}
func (m *fakeMetrics) RecordTimer(name string, _ time.Duration, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = append(m.timers, name)
}
func (m *fakeMetrics) RecordGauge(string, float64, ...string) {}

func (m *fakeMetrics) counterCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.counters {
		if c == name {
			n++
		}
	}
	return n
}

type fakeCaller struct {
	listCalls atomic.Int64
	tools     []mcp.ToolSchema
	callFn    func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, bool, error)
}

func (f *fakeCaller) ListTools(ctx context.Context) ([]mcp.ToolSchema, error) {
	f.listCalls.Add(1)
	return f.tools, nil
}

func (f *fakeCaller) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, bool, error) {
	if f.callFn != nil {
		return f.callFn(ctx, tool, args)
	}
	return json.RawMessage(`"ok"`), false, nil
}

func TestPoolInitCachesSchemaAcrossConnections(t *testing.T) {
	b := broker.NewInMemory()
	caller := &fakeCaller{tools: []mcp.ToolSchema{{Name: "search", Description: "search the web"}}}
	var factoryCalls atomic.Int64
	factory := func(ctx context.Context, conn mcp.Connection) (mcp.Caller, error) {
		factoryCalls.Add(1)
		return caller, nil
	}

	pool := mcp.NewPool(b, nil, factory)
	conn := mcp.Connection{QualifiedName: "web", Transport: mcp.TransportStreamableHTTP, Config: map[string]any{"url": "https://example.invalid"}}

	require.NoError(t, pool.Init(context.Background(), []mcp.Connection{conn}))
	assert.Equal(t, int64(1), caller.listCalls.Load())

	tools := pool.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "mcp_web_search", tools[0].NamespacedName)

	// Re-initializing with the same connection must hit the schema cache,
	// not call ListTools again.
	pool2 := mcp.NewPool(b, nil, factory)
	require.NoError(t, pool2.Init(context.Background(), []mcp.Connection{conn}))
	assert.Equal(t, int64(1), caller.listCalls.Load())
}

func TestPoolCallOpensFreshSessionPerCall(t *testing.T) {
	b := broker.NewInMemory()
	caller := &fakeCaller{tools: []mcp.ToolSchema{{Name: "search"}}}
	var factoryCalls atomic.Int64
	factory := func(ctx context.Context, conn mcp.Connection) (mcp.Caller, error) {
		factoryCalls.Add(1)
		return caller, nil
	}

	pool := mcp.NewPool(b, nil, factory)
	conn := mcp.Connection{QualifiedName: "web", Transport: mcp.TransportStreamableHTTP, Config: map[string]any{"url": "https://example.invalid"}}
	require.NoError(t, pool.Init(context.Background(), []mcp.Connection{conn}))

	before := factoryCalls.Load()
	_, _, err := pool.Call(context.Background(), "mcp_web_search", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, _, err = pool.Call(context.Background(), "mcp_web_search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, before+2, factoryCalls.Load())
}

func TestPoolCallUnknownToolReturnsNotFound(t *testing.T) {
	pool := mcp.NewPool(broker.NewInMemory(), nil, func(ctx context.Context, conn mcp.Connection) (mcp.Caller, error) {
		return &fakeCaller{}, nil
	})
	_, _, err := pool.Call(context.Background(), "mcp_missing_tool", json.RawMessage(`{}`))
	require.ErrorIs(t, err, mcp.ErrNotFound)
}

func TestPoolCallRecordsDurationTimer(t *testing.T) {
	caller := &fakeCaller{tools: []mcp.ToolSchema{{Name: "search"}}}
	factory := func(ctx context.Context, conn mcp.Connection) (mcp.Caller, error) { return caller, nil }

	metrics := &fakeMetrics{}
	pool := mcp.NewPool(broker.NewInMemory(), nil, factory).WithTracer(telemetry.NewNoopTracer()).WithMetrics(metrics)
	conn := mcp.Connection{QualifiedName: "web", Transport: mcp.TransportStreamableHTTP, Config: map[string]any{"url": "https://example.invalid"}}
	require.NoError(t, pool.Init(context.Background(), []mcp.Connection{conn}))

	_, _, err := pool.Call(context.Background(), "mcp_web_search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Contains(t, metrics.timers, "mcp.pool.call.duration")
	assert.Zero(t, metrics.counterCount("mcp.pool.call.retry"), "a call that succeeds on the first attempt must not record a retry")
}

func TestPoolCallRecordsRetryCounterOnTransientFailure(t *testing.T) {
	var calls atomic.Int64
	caller := &fakeCaller{
		tools: []mcp.ToolSchema{{Name: "search"}},
		callFn: func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, bool, error) {
			if calls.Add(1) == 1 {
				return nil, false, mcp.ErrTransport
			}
			return json.RawMessage(`"ok"`), false, nil
		},
	}
	factory := func(ctx context.Context, conn mcp.Connection) (mcp.Caller, error) { return caller, nil }

	metrics := &fakeMetrics{}
	pool := mcp.NewPool(broker.NewInMemory(), nil, factory).WithMetrics(metrics)
	conn := mcp.Connection{QualifiedName: "web", Transport: mcp.TransportStreamableHTTP, Config: map[string]any{"url": "https://example.invalid"}}
	require.NoError(t, pool.Init(context.Background(), []mcp.Connection{conn}))

	_, _, err := pool.Call(context.Background(), "mcp_web_search", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.counterCount("mcp.pool.call.retry"))
}

func TestNamespacedToolNameTruncatesLongNames(t *testing.T) {
	name := mcp.NamespacedToolName("a-very-long-qualified-server-name-indeed", "an-extremely-long-tool-name-too")
	assert.LessOrEqual(t, len(name), 64)
}
