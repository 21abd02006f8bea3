// Package scheduler implements the Run Scheduler: accepting run requests,
// enforcing per-account concurrency, allocating run ids, enqueueing work for
// a pool of workers to consume, and handling stop requests. Built on the
// broker's primitives the same way runregistry and runlog are: the queue is
// a durable list, concurrency accounting is a counter key per account, and
// stop signalling combines a KV flag with a pub/sub publish so a worker can
// observe it through either path.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/runregistry"
)

// ErrTooManyRunsForAccount is returned when an account's concurrent run
// count is at or above its configured limit.
var ErrTooManyRunsForAccount = errors.New("scheduler: too many concurrent runs for account")

const queueKey = "run_queue"

func accountCounterKey(accountID string) string     { return "active_run_count:" + accountID }
func accountSlotKey(accountID, runID string) string { return "active_run:" + accountID + ":" + runID }
func stopKey(runID string) string                   { return "stop:" + runID }
func controlChannel(runID string) string            { return "control:" + runID }

// slotTTL bounds how long a concurrency slot survives without an explicit
// release, so a crashed worker doesn't permanently consume an account's
// concurrency budget.
const slotTTL = 10 * time.Minute

// StartRunRequest carries a client's request to start a new agent run.
type StartRunRequest struct {
	AccountID      string
	ThreadID       string
	Model          string
	AgentConfig    []byte // opaque system_prompt/tools/mcps snapshot
	IdempotencyKey string

	EnableThinking   bool
	ReasoningEffort  string
	Stream           bool
	EnableContextMgr bool
}

// QueueMessage is the durable work-queue payload a worker pool consumes to
// drive one run via worker.Worker.Run.
type QueueMessage struct {
	RunID       string `json:"run_id"`
	ThreadID    string `json:"thread_id"`
	AccountID   string `json:"project_id"`
	Model       string `json:"model"`
	AgentConfig []byte `json:"agent_config"`

	EnableThinking   bool   `json:"enable_thinking,omitempty"`
	ReasoningEffort  string `json:"reasoning_effort,omitempty"`
	Stream           bool   `json:"stream"`
	EnableContextMgr bool   `json:"enable_context_manager"`
	RequestID        string `json:"request_id,omitempty"`
}

// Limiter reports the maximum number of concurrent runs permitted for an
// account. The production default is small; local/dev deployments may wire
// an always-unbounded Limiter.
type Limiter interface {
	MaxConcurrentRuns(accountID string) int
}

// FixedLimiter is a Limiter with one limit applied to every account. A
// non-positive limit means unbounded.
type FixedLimiter int

func (f FixedLimiter) MaxConcurrentRuns(string) int { return int(f) }

// Scheduler is the C11 Run Scheduler.
type Scheduler struct {
	b        broker.Broker
	registry *runregistry.Registry
	limiter  Limiter
}

// New constructs a Scheduler. A nil limiter leaves concurrency unbounded.
func New(b broker.Broker, registry *runregistry.Registry, limiter Limiter) *Scheduler {
	if limiter == nil {
		limiter = FixedLimiter(0)
	}
	return &Scheduler{b: b, registry: registry, limiter: limiter}
}

// StartRun allocates a run, enforces the account's concurrency limit,
// creates the Run Registry row in the queued state, and enqueues the work
// message for a worker pool to pick up. Callers must call ReleaseSlot once
// the run reaches a terminal state so the account's concurrency budget is
// returned; a crashed release is bounded by slotTTL.
func (s *Scheduler) StartRun(ctx context.Context, req StartRunRequest) (string, error) {
	limit := s.limiter.MaxConcurrentRuns(req.AccountID)
	if limit > 0 {
		active, err := s.countActive(ctx, req.AccountID)
		if err != nil {
			return "", fmt.Errorf("scheduler: count active runs: %w", err)
		}
		if active >= limit {
			return "", ErrTooManyRunsForAccount
		}
	}

	runID := uuid.NewString()
	if _, err := s.registry.Create(ctx, runID, req.ThreadID, req.Model, nil); err != nil {
		return "", fmt.Errorf("scheduler: create run record: %w", err)
	}
	if err := s.acquireSlot(ctx, req.AccountID, runID); err != nil {
		return "", fmt.Errorf("scheduler: reserve concurrency slot: %w", err)
	}

	msg := QueueMessage{
		RunID: runID, ThreadID: req.ThreadID, AccountID: req.AccountID, Model: req.Model,
		AgentConfig: req.AgentConfig, EnableThinking: req.EnableThinking,
		ReasoningEffort: req.ReasoningEffort, Stream: req.Stream,
		EnableContextMgr: req.EnableContextMgr,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("scheduler: encode queue message: %w", err)
	}
	if err := s.b.RPush(ctx, queueKey, string(payload)); err != nil {
		return "", fmt.Errorf("scheduler: enqueue run: %w", err)
	}
	return runID, nil
}

// acquireSlot marks one concurrency slot as held for accountID/runID and
// bumps the account's counter. The counter is a plain read-increment-write
// on the broker's Get/Set, not a broker-native INCR (the C1 interface
// doesn't expose one); a race between two StartRun calls for the same
// account can very rarely admit one run over the limit, an accepted
// imprecision for a best-effort concurrency cap rather than a hard quota.
func (s *Scheduler) acquireSlot(ctx context.Context, accountID, runID string) error {
	created, err := s.b.SetNX(ctx, accountSlotKey(accountID, runID), "1", slotTTL)
	if err != nil {
		return err
	}
	if !created {
		return nil // already held (retried enqueue), counter already reflects it
	}
	n, err := s.countActive(ctx, accountID)
	if err != nil {
		return err
	}
	return s.b.Set(ctx, accountCounterKey(accountID), strconv.Itoa(n+1), 0)
}

// ReleaseSlot returns a previously acquired concurrency slot once a run
// reaches a terminal state. Idempotent: releasing a slot that was never
// acquired, or was already released, is a no-op.
func (s *Scheduler) ReleaseSlot(ctx context.Context, accountID, runID string) error {
	_, found, err := s.b.Get(ctx, accountSlotKey(accountID, runID))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := s.b.Delete(ctx, accountSlotKey(accountID, runID)); err != nil {
		return err
	}
	n, err := s.countActive(ctx, accountID)
	if err != nil {
		return err
	}
	if n <= 1 {
		return s.b.Delete(ctx, accountCounterKey(accountID))
	}
	return s.b.Set(ctx, accountCounterKey(accountID), strconv.Itoa(n-1), 0)
}

func (s *Scheduler) countActive(ctx context.Context, accountID string) (int, error) {
	raw, found, err := s.b.Get(ctx, accountCounterKey(accountID))
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Dequeue pops the next queued message for a worker pool to consume. The
// broker's list primitive has no native pop, so this reads the full queue,
// removes the head, and rewrites the remainder — acceptable because the
// queue is expected to stay short relative to the event logs it front-ends
// (mirrors the read-filter-rewrite approach thread.BrokerMessageStore uses
// for its own non-append deletes).
func (s *Scheduler) Dequeue(ctx context.Context) (QueueMessage, bool, error) {
	raw, err := s.b.LRange(ctx, queueKey, 0, -1)
	if err != nil {
		return QueueMessage{}, false, err
	}
	if len(raw) == 0 {
		return QueueMessage{}, false, nil
	}
	var msg QueueMessage
	if err := json.Unmarshal([]byte(raw[0]), &msg); err != nil {
		return QueueMessage{}, false, fmt.Errorf("scheduler: decode queue message: %w", err)
	}
	if err := s.b.Delete(ctx, queueKey); err != nil {
		return QueueMessage{}, false, fmt.Errorf("scheduler: clear queue before rewrite: %w", err)
	}
	for _, rem := range raw[1:] {
		if err := s.b.RPush(ctx, queueKey, rem); err != nil {
			return QueueMessage{}, false, fmt.Errorf("scheduler: rewrite queue: %w", err)
		}
	}
	return msg, true, nil
}

// StopRun writes the stop flag and publishes the STOP control token on the
// run's control channel, so a worker observes it via whichever path (fast
// pub/sub or coarse KV poll) is live. Stopping an already-terminal run is a
// no-op.
func (s *Scheduler) StopRun(ctx context.Context, runID string) error {
	r, err := s.registry.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("scheduler: stop run: %w", err)
	}
	if r.Status.IsTerminal() {
		return nil
	}
	if err := s.b.Set(ctx, stopKey(runID), "STOP", 5*time.Minute); err != nil {
		return fmt.Errorf("scheduler: write stop flag: %w", err)
	}
	if err := s.b.Publish(ctx, controlChannel(runID), "STOP"); err != nil {
		return fmt.Errorf("scheduler: publish stop: %w", err)
	}
	return nil
}
