package runlog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloom/agentcore/agent"
	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/runlog"
)

func TestAppendAndFlushOrdering(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemory()
	log := runlog.New(b)

	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(ctx, "run-1", agent.NewAssistantChunkEvent("run-1", "thread-1", i, "chunk")))
	}

	events, cursor, err := log.Flush(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), cursor)
	for i, e := range events {
		require.NotNil(t, e.Sequence)
		assert.Equal(t, i, *e.Sequence)
	}
}

func TestLateSubscriberReceivesFullHistory(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemory()
	log := runlog.New(b)

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, "run-1", agent.NewAssistantChunkEvent("run-1", "thread-1", i, "chunk")))
	}
	require.NoError(t, log.PublishControl(ctx, "run-1", runlog.TokenEndStream))

	sub, err := log.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	ctxTimeout, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	events, done, err := sub.Next(ctxTimeout)
	require.NoError(t, err)
	assert.False(t, done, "the catch-up flush is not itself the terminal signal")
	assert.Len(t, events, 5)
}

func TestResumeAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemory()
	log := runlog.New(b)

	for i := 0; i < 10; i++ {
		require.NoError(t, log.Append(ctx, "run-1", agent.NewAssistantChunkEvent("run-1", "thread-1", i, "chunk")))
	}

	sub, err := log.Subscribe(ctx, "run-1", 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var received []agent.Event
	var mu sync.Mutex
	var sawEnd bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			ctxTimeout, cancel := context.WithTimeout(ctx, 2*time.Second)
			events, done, err := sub.Next(ctxTimeout)
			cancel()
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, events...)
			mu.Unlock()
			if done {
				sawEnd = true
				return
			}
		}
	}()

	for i := 10; i < 15; i++ {
		require.NoError(t, log.Append(ctx, "run-1", agent.NewAssistantChunkEvent("run-1", "thread-1", i, "chunk")))
	}
	time.Sleep(50 * time.Millisecond)
	for i := 15; i < 18; i++ {
		require.NoError(t, log.Append(ctx, "run-1", agent.NewAssistantChunkEvent("run-1", "thread-1", i, "chunk")))
	}
	require.NoError(t, log.PublishControl(ctx, "run-1", runlog.TokenEndStream))

	wg.Wait()
	sub.Close()

	assert.True(t, sawEnd)
	assert.Len(t, received, 8)
}

func TestCursorRoundTrip(t *testing.T) {
	s := runlog.CursorToString(42)
	v, err := runlog.CursorFromString(s)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = runlog.CursorFromString("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}
