package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/run"
	"github.com/driftloom/agentcore/runregistry"
	"github.com/driftloom/agentcore/scheduler"
)

func TestStartRunEnqueuesAndCreatesRegistryRow(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemory()
	reg := runregistry.New(b)
	sched := scheduler.New(b, reg, nil)

	runID, err := sched.StartRun(ctx, scheduler.StartRunRequest{AccountID: "acct-1", ThreadID: "thread-1", Model: "sonnet"})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	ar, err := reg.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, ar.Status)

	msg, ok, err := sched.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, runID, msg.RunID)
	assert.Equal(t, "thread-1", msg.ThreadID)

	_, ok, err = sched.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "the queue must not redeliver an already-dequeued message")
}

func TestStartRunRejectsOverAccountConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemory()
	reg := runregistry.New(b)
	sched := scheduler.New(b, reg, scheduler.FixedLimiter(1))

	_, err := sched.StartRun(ctx, scheduler.StartRunRequest{AccountID: "acct-1", ThreadID: "t1", Model: "sonnet"})
	require.NoError(t, err)

	_, err = sched.StartRun(ctx, scheduler.StartRunRequest{AccountID: "acct-1", ThreadID: "t2", Model: "sonnet"})
	assert.ErrorIs(t, err, scheduler.ErrTooManyRunsForAccount)

	// A different account is unaffected by acct-1's limit.
	_, err = sched.StartRun(ctx, scheduler.StartRunRequest{AccountID: "acct-2", ThreadID: "t3", Model: "sonnet"})
	assert.NoError(t, err)
}

func TestReleaseSlotFreesConcurrencyBudget(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemory()
	reg := runregistry.New(b)
	sched := scheduler.New(b, reg, scheduler.FixedLimiter(1))

	runID, err := sched.StartRun(ctx, scheduler.StartRunRequest{AccountID: "acct-1", ThreadID: "t1", Model: "sonnet"})
	require.NoError(t, err)

	_, err = sched.StartRun(ctx, scheduler.StartRunRequest{AccountID: "acct-1", ThreadID: "t2", Model: "sonnet"})
	require.ErrorIs(t, err, scheduler.ErrTooManyRunsForAccount)

	require.NoError(t, sched.ReleaseSlot(ctx, "acct-1", runID))

	_, err = sched.StartRun(ctx, scheduler.StartRunRequest{AccountID: "acct-1", ThreadID: "t2", Model: "sonnet"})
	assert.NoError(t, err)
}

func TestStopRunOnTerminalRunIsNoop(t *testing.T) {
	ctx := context.Background()
	b := broker.NewInMemory()
	reg := runregistry.New(b)
	sched := scheduler.New(b, reg, nil)

	runID, err := sched.StartRun(ctx, scheduler.StartRunRequest{AccountID: "acct-1", ThreadID: "t1", Model: "sonnet"})
	require.NoError(t, err)
	_, err = reg.Transition(ctx, runID, run.StatusRunning, run.PhasePlanning, "")
	require.NoError(t, err)
	_, err = reg.Transition(ctx, runID, run.StatusCompleted, run.PhaseCompleted, "")
	require.NoError(t, err)

	assert.NoError(t, sched.StopRun(ctx, runID))

	val, found, err := b.Get(ctx, "stop:"+runID)
	require.NoError(t, err)
	assert.False(t, found, "stopping a terminal run must not write a stop flag")
	_ = val
}
