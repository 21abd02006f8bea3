// Package run defines the AgentRun data model: the durable
// record of a single agent-run execution, its lifecycle status, and the
// execution metadata threaded through the worker and processor.
package run

import (
	"errors"
	"time"

	"github.com/driftloom/agentcore/agent"
)

type (
	// Status is the coarse-grained lifecycle state of a run. Transitions are
	// constrained to queued -> running -> {completed|failed|stopped}; terminal
	// states are sticky.
	Status string

	// Phase is a finer-grained lifecycle phase used for streaming/UX surfaces.
	// Phases do not replace Status and are not subject to its transition
	// invariants.
	Phase string

	// Context carries execution metadata for the current run invocation,
	// threaded through the worker, thread manager, and processor, plus the
	// parent/child linkage fields subruns need.
	Context struct {
		RunID            string
		ThreadID         string
		ParentRunID      string
		ParentToolCallID string
		ParentAgentID    agent.Ident
		SessionID        string
		TurnID           string
		Attempt          int
		Labels           map[string]string
	}

	// Handle is a lightweight reference to a run, used to link parent and
	// child runs without requiring callers to depend on the full Record.
	Handle struct {
		RunID            string
		AgentID          agent.Ident
		ParentRunID      string
		ParentToolCallID string
	}

	// AgentRun is the durable record of one run execution.
	AgentRun struct {
		RunID               string
		ThreadID            string
		Status              Status
		Phase               Phase
		StartedAt           time.Time
		CompletedAt         *time.Time
		Error               string
		Model               string
		AgentConfigSnapshot []byte
		Labels              map[string]string
		ParentRunID         string
		ParentToolCallID    string
		Responses           []agent.Event
	}
)

// ErrNotFound indicates that no run record exists for the given identifier.
var ErrNotFound = errors.New("run: not found")

// ErrInvalidTransition indicates an attempted status transition that violates
// the queued -> running -> terminal invariant.
var ErrInvalidTransition = errors.New("run: invalid status transition")

// ErrLockContention indicates a registry Transition gave up waiting for the
// per-run transition lock, meaning another writer held it for longer than
// the retry budget allows.
var ErrLockContention = errors.New("run: transition lock contention")

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"

	PhasePrompted       Phase = "prompted"
	PhasePlanning       Phase = "planning"
	PhaseExecutingTools Phase = "executing_tools"
	PhaseSynthesizing   Phase = "synthesizing"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseStopped        Phase = "stopped"
)

// IsTerminal reports whether the status is one of the sticky terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the run may move from s to next per the
// queued -> running -> terminal invariant. A transition to the
// same status is always permitted (idempotent no-op).
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusQueued:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}
