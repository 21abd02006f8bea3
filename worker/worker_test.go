package worker_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/llm"
	"github.com/driftloom/agentcore/run"
	"github.com/driftloom/agentcore/runlog"
	"github.com/driftloom/agentcore/runregistry"
	"github.com/driftloom/agentcore/thread"
	"github.com/driftloom/agentcore/toolregistry"
	"github.com/driftloom/agentcore/worker"
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

type fakeStreamer struct {
	chunks []llm.Chunk
	i      int
}

func (f *fakeStreamer) Recv() (llm.Chunk, error) {
	if f.i >= len(f.chunks) {
		return llm.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}
func (f *fakeStreamer) Close() error { return nil }

type fakeClient struct{ chunks []llm.Chunk }

func (f *fakeClient) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	return &fakeStreamer{chunks: f.chunks}, nil
}

func newHarness(t *testing.T, client llm.Client) (*worker.Worker, broker.Broker, *runregistry.Registry, *runlog.Log) {
	t.Helper()
	b := broker.NewInMemory()
	registry := runregistry.New(b)
	events := runlog.New(b)
	store := thread.NewBrokerMessageStore(b)
	threads := thread.New(store)
	tools := toolregistry.New()
	w := worker.New(b, registry, events, threads, client, tools, "instance-1", nil)
	return w, b, registry, events
}

func TestRunCompletesSuccessfullyAndTransitionsTerminal(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{chunks: []llm.Chunk{
		{Type: llm.ChunkTypeText, TextDelta: "hello"},
		{Type: llm.ChunkTypeStop, FinishReason: "stop"},
	}}
	w, _, registry, events := newHarness(t, client)

	_, err := registry.Create(ctx, "run-1", "thread-1", "sonnet", nil)
	require.NoError(t, err)

	err = w.Run(ctx, worker.Request{RunID: "run-1", ThreadID: "thread-1", Model: "sonnet", SystemPrompt: "be terse"})
	require.NoError(t, err)

	ar, err := registry.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, ar.Status)
	assert.Equal(t, run.PhaseCompleted, ar.Phase)
	assert.NotEmpty(t, ar.Responses, "the terminal snapshot must carry the emitted events")

	flushed, _, err := events.Flush(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, flushed, "events must be mirrored into the resumable event log")
}

func TestRunYieldsToAnotherWorkerAlreadyHoldingTheLock(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{chunks: []llm.Chunk{{Type: llm.ChunkTypeStop}}}
	w, b, registry, _ := newHarness(t, client)

	_, err := registry.Create(ctx, "run-2", "thread-2", "sonnet", nil)
	require.NoError(t, err)

	created, err := b.SetNX(ctx, "run_lock:run-2", "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, created)

	err = w.Run(ctx, worker.Request{RunID: "run-2", ThreadID: "thread-2", Model: "sonnet"})
	assert.NoError(t, err, "Run must yield silently when another worker already owns the lock")

	ar, err := registry.Get(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, ar.Status, "a run whose lock is held elsewhere must not be transitioned")
}

func TestRunFailsWhenLLMClientErrors(t *testing.T) {
	ctx := context.Background()
	w, _, registry, _ := newHarness(t, erroringClient{})

	_, err := registry.Create(ctx, "run-3", "thread-3", "sonnet", nil)
	require.NoError(t, err)

	err = w.Run(ctx, worker.Request{RunID: "run-3", ThreadID: "thread-3", Model: "sonnet"})
	require.Error(t, err)

	ar, err := registry.Get(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, ar.Status)
	assert.NotEmpty(t, ar.Error)
}

func TestRunRecordsDurationAndCompletionMetrics(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{chunks: []llm.Chunk{
		{Type: llm.ChunkTypeText, TextDelta: "hello"},
		{Type: llm.ChunkTypeStop, FinishReason: "stop"},
	}}
	w, _, registry, _ := newHarness(t, client)
	metrics := &fakeMetrics{}
	w.WithMetrics(metrics)

	_, err := registry.Create(ctx, "run-4", "thread-4", "sonnet", nil)
	require.NoError(t, err)

	err = w.Run(ctx, worker.Request{RunID: "run-4", ThreadID: "thread-4", Model: "sonnet"})
	require.NoError(t, err)

	assert.Contains(t, metrics.timers, "agent_run.duration")
	assert.Contains(t, metrics.counters, "agent_run.completed")
}

type erroringClient struct{}

func (erroringClient) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	return nil, assert.AnError
}
