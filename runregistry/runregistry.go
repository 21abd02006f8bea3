// Package runregistry implements the Run Registry: a
// persistent record of each run's status, timestamps, error, and response
// snapshot. Transitions are idempotent only when the new status equals the
// current one, and are serialized against concurrent writers (a live worker
// racing the reconciliation sweep) by a short-lived SetNX transition lock
// guarding the load-mutate-save sequence, since the broker interface exposes
// no native compare-and-swap on a key's value.
package runregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftloom/agentcore/agent"
	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/run"
)

// Registry is the C3 Run Registry backed by the broker.
type Registry struct {
	b broker.Broker
}

// New constructs a Registry backed by the given broker.
func New(b broker.Broker) *Registry {
	return &Registry{b: b}
}

func recordKey(runID string) string { return "run_record:" + runID }

// transitionLockKey guards Transition's load-mutate-save sequence. A
// short TTL bounds the damage if a holder dies between SetNX and Delete;
// the run-lock (worker/run_lock:<runID>) already bounds run lifetime
// separately, this lock only needs to outlive one registry round trip.
func transitionLockKey(runID string) string { return "run_transition_lock:" + runID }

const transitionLockTTL = 5 * time.Second

// transitionLockRetries bounds how many times Transition retries acquiring
// the lock before giving up; the lock is held for a single load+save round
// trip, so contention should clear within a handful of short waits.
const transitionLockRetries = 20

const transitionLockWait = 25 * time.Millisecond

// runningIndexKey is a broker list of run ids currently in StatusRunning,
// maintained alongside Transition so a reconciliation sweep can enumerate
// candidates for the OrphanRun check without the broker needing a
// key-prefix scan (the C1 interface deliberately exposes none).
const runningIndexKey = "run_index:running"

// record is the JSON-serializable on-the-wire form of run.AgentRun.
type record struct {
	RunID               string            `json:"run_id"`
	ThreadID            string            `json:"thread_id"`
	Status              run.Status        `json:"status"`
	Phase               run.Phase         `json:"phase"`
	StartedAt           time.Time         `json:"started_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	Error               string            `json:"error,omitempty"`
	Model               string            `json:"model"`
	AgentConfigSnapshot []byte            `json:"agent_config_snapshot,omitempty"`
	Labels              map[string]string `json:"labels,omitempty"`
	ParentRunID         string            `json:"parent_run_id,omitempty"`
	ParentToolCallID    string            `json:"parent_tool_call_id,omitempty"`
	Responses           []agent.Event     `json:"responses,omitempty"`
}

func toRecord(r run.AgentRun) record {
	return record{
		RunID: r.RunID, ThreadID: r.ThreadID, Status: r.Status, Phase: r.Phase,
		StartedAt: r.StartedAt, CompletedAt: r.CompletedAt, Error: r.Error,
		Model: r.Model, AgentConfigSnapshot: r.AgentConfigSnapshot, Labels: r.Labels,
		ParentRunID: r.ParentRunID, ParentToolCallID: r.ParentToolCallID,
	}
}

func (rec record) toAgentRun() run.AgentRun {
	return run.AgentRun{
		RunID: rec.RunID, ThreadID: rec.ThreadID, Status: rec.Status, Phase: rec.Phase,
		StartedAt: rec.StartedAt, CompletedAt: rec.CompletedAt, Error: rec.Error,
		Model: rec.Model, AgentConfigSnapshot: rec.AgentConfigSnapshot, Labels: rec.Labels,
		ParentRunID: rec.ParentRunID, ParentToolCallID: rec.ParentToolCallID,
		Responses: rec.Responses,
	}
}

// Create inserts a new run record in the queued state.
func (r *Registry) Create(ctx context.Context, runID, threadID, model string, labels map[string]string) (run.AgentRun, error) {
	ar := run.AgentRun{
		RunID: runID, ThreadID: threadID, Status: run.StatusQueued, Phase: run.PhasePrompted,
		StartedAt: time.Now().UTC(), Model: model, Labels: labels,
	}
	if err := r.save(ctx, toRecord(ar)); err != nil {
		return run.AgentRun{}, fmt.Errorf("runregistry: create: %w", err)
	}
	return ar, nil
}

// Get loads the run record for runID.
func (r *Registry) Get(ctx context.Context, runID string) (run.AgentRun, error) {
	rec, err := r.load(ctx, runID)
	if err != nil {
		return run.AgentRun{}, err
	}
	return rec.toAgentRun(), nil
}

// Transition moves the run to newStatus, enforcing queued -> running ->
// terminal. Idempotent only when newStatus equals the current status;
// otherwise an invalid transition is rejected. completed_at is set iff the
// resulting status is terminal. The load-mutate-save sequence is serialized
// by a SetNX transition lock so a worker's terminal transition cannot race
// the reconciler's reconcileOne observing and closing out the same run
// concurrently.
func (r *Registry) Transition(ctx context.Context, runID string, newStatus run.Status, newPhase run.Phase, errMsg string) (run.AgentRun, error) {
	token, err := r.acquireTransitionLock(ctx, runID)
	if err != nil {
		return run.AgentRun{}, err
	}
	defer r.releaseTransitionLock(ctx, runID, token)

	rec, err := r.load(ctx, runID)
	if err != nil {
		return run.AgentRun{}, err
	}
	if rec.Status == newStatus {
		// Idempotent no-op (stopping an already-terminal
		// run, or re-observing the same transition, must not error).
		return rec.toAgentRun(), nil
	}
	if !rec.Status.CanTransition(newStatus) {
		return run.AgentRun{}, fmt.Errorf("%w: %s -> %s", run.ErrInvalidTransition, rec.Status, newStatus)
	}
	wasRunning := rec.Status == run.StatusRunning
	rec.Status = newStatus
	rec.Phase = newPhase
	rec.Error = errMsg
	if newStatus.IsTerminal() {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	if err := r.save(ctx, rec); err != nil {
		return run.AgentRun{}, fmt.Errorf("runregistry: transition: %w", err)
	}
	switch {
	case newStatus == run.StatusRunning && !wasRunning:
		if err := r.addRunningIndex(ctx, runID); err != nil {
			return run.AgentRun{}, fmt.Errorf("runregistry: index running run: %w", err)
		}
	case newStatus.IsTerminal() && wasRunning:
		if err := r.removeRunningIndex(ctx, runID); err != nil {
			return run.AgentRun{}, fmt.Errorf("runregistry: unindex running run: %w", err)
		}
	}
	return rec.toAgentRun(), nil
}

// acquireTransitionLock spins on SetNX with a short jitter-free wait until
// it wins the lock, ctx is cancelled, or it exhausts transitionLockRetries.
// The returned token is an opaque value written under the lock key so
// releaseTransitionLock can avoid deleting a lock some other holder has
// since acquired after this one's TTL expired.
func (r *Registry) acquireTransitionLock(ctx context.Context, runID string) (string, error) {
	token := runID + ":" + time.Now().UTC().Format(time.RFC3339Nano)
	for attempt := 0; attempt < transitionLockRetries; attempt++ {
		acquired, err := r.b.SetNX(ctx, transitionLockKey(runID), token, transitionLockTTL)
		if err != nil {
			return "", fmt.Errorf("runregistry: acquire transition lock: %w", err)
		}
		if acquired {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(transitionLockWait):
		}
	}
	return "", fmt.Errorf("runregistry: transition lock for %s: %w", runID, run.ErrLockContention)
}

func (r *Registry) releaseTransitionLock(ctx context.Context, runID, token string) {
	held, found, err := r.b.Get(ctx, transitionLockKey(runID))
	if err != nil || !found || held != token {
		return
	}
	_ = r.b.Delete(ctx, transitionLockKey(runID))
}

// Running returns the ids of every run this registry currently believes is
// in StatusRunning, per the running index maintained by Transition. Used by
// the reconciliation sweep (OrphanRun detection) to find candidates whose
// run-lock may have expired without a corresponding terminal transition.
func (r *Registry) Running(ctx context.Context) ([]string, error) {
	return r.b.LRange(ctx, runningIndexKey, 0, -1)
}

func (r *Registry) addRunningIndex(ctx context.Context, runID string) error {
	existing, err := r.b.LRange(ctx, runningIndexKey, 0, -1)
	if err != nil {
		return err
	}
	for _, id := range existing {
		if id == runID {
			return nil
		}
	}
	return r.b.RPush(ctx, runningIndexKey, runID)
}

func (r *Registry) removeRunningIndex(ctx context.Context, runID string) error {
	existing, err := r.b.LRange(ctx, runningIndexKey, 0, -1)
	if err != nil {
		return err
	}
	if err := r.b.Delete(ctx, runningIndexKey); err != nil {
		return err
	}
	for _, id := range existing {
		if id == runID {
			continue
		}
		if err := r.b.RPush(ctx, runningIndexKey, id); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotResponses stores the full event list on the run record, called on
// terminal transition so the registry carries a complete replay-equivalent
// snapshot independent of the event log's TTL.
func (r *Registry) SnapshotResponses(ctx context.Context, runID string, events []agent.Event) error {
	rec, err := r.load(ctx, runID)
	if err != nil {
		return err
	}
	rec.Responses = events
	if err := r.save(ctx, rec); err != nil {
		return fmt.Errorf("runregistry: snapshot responses: %w", err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context, runID string) (record, error) {
	raw, found, err := r.b.Get(ctx, recordKey(runID))
	if err != nil {
		return record{}, fmt.Errorf("runregistry: load: %w", err)
	}
	if !found {
		return record{}, run.ErrNotFound
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return record{}, fmt.Errorf("runregistry: decode: %w", err)
	}
	return rec, nil
}

func (r *Registry) save(ctx context.Context, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return r.b.Set(ctx, recordKey(rec.RunID), string(raw), 0)
}
