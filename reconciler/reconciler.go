// Package reconciler implements the periodic OrphanRun sweep: a worker
// process's crash can leave a run stuck in StatusRunning past its lock's
// TTL, with nothing left to drive it to a terminal state or notify its
// subscribers. The sweep finds such runs and closes them out as failed,
// the same "reconcile observed state against durable state" shape the
// runregistry's lock-guarded transition already depends on.
package reconciler

import (
	"context"
	"time"

	"github.com/driftloom/agentcore/agent"
	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/run"
	"github.com/driftloom/agentcore/runlog"
	"github.com/driftloom/agentcore/runregistry"
	"github.com/driftloom/agentcore/telemetry"
)

// errWorkerLost is the error text recorded on a run the sweep closes out,
// matching the OrphanRun error message.
const errWorkerLost = "worker lost"

func lockKey(runID string) string { return "run_lock:" + runID }

// Sweeper periodically scans the run registry's running-index for runs
// whose lock has expired and transitions them to failed.
type Sweeper struct {
	b        broker.Broker
	registry *runregistry.Registry
	events   *runlog.Log
	log      telemetry.Logger
}

// New constructs a Sweeper.
func New(b broker.Broker, registry *runregistry.Registry, events *runlog.Log, log telemetry.Logger) *Sweeper {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Sweeper{b: b, registry: registry, events: events, log: log}
}

// Run invokes one sweep pass immediately and then every interval until ctx
// is cancelled. The default interval per the orphan-sweep cadence is one
// minute; callers may pass a shorter interval in tests.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.sweepOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce scans every run the registry believes is running and closes out
// any whose run-lock is no longer held.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	runIDs, err := s.registry.Running(ctx)
	if err != nil {
		s.log.Warn(ctx, "reconciler: list running runs", "err", err)
		return
	}
	for _, runID := range runIDs {
		if err := s.reconcileOne(ctx, runID); err != nil {
			s.log.Warn(ctx, "reconciler: reconcile run", "run_id", runID, "err", err)
		}
	}
}

func (s *Sweeper) reconcileOne(ctx context.Context, runID string) error {
	_, found, err := s.b.Get(ctx, lockKey(runID))
	if err != nil {
		return err
	}
	if found {
		return nil // a worker still holds the lock; not orphaned
	}

	ar, err := s.registry.Transition(ctx, runID, run.StatusFailed, run.PhaseFailed, errWorkerLost)
	if err != nil {
		return err
	}
	ev := agent.NewStatusEvent(runID, ar.ThreadID, agent.RunStatusFailed, errWorkerLost, "")
	if err := s.events.Append(ctx, runID, ev); err != nil {
		return err
	}
	if err := s.events.PublishControl(ctx, runID, runlog.TokenError); err != nil {
		return err
	}
	return s.events.ExpireAfterTerminal(ctx, runID, runlog.DefaultTTL)
}
