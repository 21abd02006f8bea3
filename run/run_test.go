package run_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/driftloom/agentcore/run"
)

func TestIsTerminal(t *testing.T) {
	terminal := []run.Status{run.StatusCompleted, run.StatusFailed, run.StatusStopped}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s must be terminal", s)
	}
	nonTerminal := []run.Status{run.StatusQueued, run.StatusRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s must not be terminal", s)
	}
}

func TestCanTransitionQueuedToRunningOrTerminal(t *testing.T) {
	assert.True(t, run.StatusQueued.CanTransition(run.StatusRunning))
	assert.True(t, run.StatusQueued.CanTransition(run.StatusFailed))
	assert.True(t, run.StatusQueued.CanTransition(run.StatusStopped))
}

func TestCanTransitionRunningOnlyToTerminal(t *testing.T) {
	assert.True(t, run.StatusRunning.CanTransition(run.StatusCompleted))
	assert.False(t, run.StatusRunning.CanTransition(run.StatusQueued))
}

func TestCanTransitionSameStatusIsAlwaysIdempotent(t *testing.T) {
	for _, s := range []run.Status{run.StatusQueued, run.StatusRunning, run.StatusCompleted, run.StatusFailed, run.StatusStopped} {
		assert.True(t, s.CanTransition(s), "%s -> %s must be idempotent", s, s)
	}
}

func TestCanTransitionRejectsLeavingTerminalState(t *testing.T) {
	terminal := []run.Status{run.StatusCompleted, run.StatusFailed, run.StatusStopped}
	for _, s := range terminal {
		assert.False(t, s.CanTransition(run.StatusRunning), "%s must not transition away once terminal", s)
	}
}

func TestCanTransitionRejectsUnrecognizedTargetStatus(t *testing.T) {
	assert.False(t, run.StatusQueued.CanTransition("unknown"))
}
