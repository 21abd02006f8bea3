// Command agentrund is the worker-process entrypoint: it wires
// configuration, the Redis broker, the run registry, event log, message
// store, tool registry, and LLM client into a Scheduler/Worker pair and
// drains the work queue until interrupted. A concrete LLMClient
// implementation is an external collaborator this core only defines the
// contract for, so main wires a stub that returns an immediate error;
// production deployments inject a real provider client here instead.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/config"
	"github.com/driftloom/agentcore/llm"
	"github.com/driftloom/agentcore/reconciler"
	"github.com/driftloom/agentcore/runlog"
	"github.com/driftloom/agentcore/runregistry"
	"github.com/driftloom/agentcore/scheduler"
	"github.com/driftloom/agentcore/telemetry"
	"github.com/driftloom/agentcore/thread"
	"github.com/driftloom/agentcore/toolregistry"
	"github.com/driftloom/agentcore/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewClueTracer()
	metrics := telemetry.NewClueMetrics()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	defer func() { _ = rdb.Close() }()
	b := broker.New(rdb)

	registry := runregistry.New(b)
	events := runlog.New(b)
	store := thread.NewBrokerMessageStore(b)
	threads := thread.New(store)
	tools := toolregistry.New()

	sched := scheduler.New(b, registry, scheduler.FixedLimiter(cfg.MaxParallelAgentRuns))

	sweeper := reconciler.New(b, registry, events, logger)
	go sweeper.Run(ctx, cfg.ReconcileInterval)

	w := worker.New(b, registry, events, threads, unconfiguredLLMClient{}, tools, cfg.InstanceID, logger).
		WithTracer(tracer).WithMetrics(metrics)

	logger.Info(ctx, "agentrund: starting", "instance_id", cfg.InstanceID, "redis_addr", cfg.Redis.Addr())
	runLoop(ctx, sched, w, logger)
}

// runLoop polls the scheduler's queue and dispatches each message to the
// worker, releasing the account's concurrency slot once the run reaches a
// terminal state. Production deployments typically run many of these loops
// across a worker pool; this single-loop form is the reference shape.
func runLoop(ctx context.Context, sched *scheduler.Scheduler, w *worker.Worker, logger telemetry.Logger) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "agentrund: shutting down")
			return
		case <-ticker.C:
			msg, ok, err := sched.Dequeue(ctx)
			if err != nil {
				logger.Warn(ctx, "agentrund: dequeue", "err", err)
				continue
			}
			if !ok {
				continue
			}
			dispatch(ctx, sched, w, msg, logger)
		}
	}
}

func dispatch(ctx context.Context, sched *scheduler.Scheduler, w *worker.Worker, msg scheduler.QueueMessage, logger telemetry.Logger) {
	defer func() {
		if err := sched.ReleaseSlot(ctx, msg.AccountID, msg.RunID); err != nil {
			logger.Warn(ctx, "agentrund: release concurrency slot", "run_id", msg.RunID, "err", err)
		}
	}()

	agentCfg, err := config.DecodeAgentConfigJSON(msg.AgentConfig)
	if err != nil {
		logger.Warn(ctx, "agentrund: decode agent config snapshot", "run_id", msg.RunID, "err", err)
	}

	req := worker.Request{
		RunID:               msg.RunID,
		ThreadID:            msg.ThreadID,
		Model:               msg.Model,
		SystemPrompt:        agentCfg.SystemPrompt,
		MCPConnections:      agentCfg.MCPConnections(),
		AgentConfigSnapshot: msg.AgentConfig,
	}
	if err := w.Run(ctx, req); err != nil {
		logger.Error(ctx, "agentrund: run failed", "run_id", msg.RunID, "err", err)
	}
}

// unconfiguredLLMClient is a placeholder llm.Client: this core treats the
// concrete provider SDK as an external collaborator never named by this
// component's own scope, so main wires nothing real in its place. Replace
// with a concrete provider-backed llm.Client before deploying.
type unconfiguredLLMClient struct{}

func (unconfiguredLLMClient) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	return nil, errUnconfiguredLLMClient
}

var errUnconfiguredLLMClient = &unconfiguredError{"agentrund: no LLMClient configured; wire a concrete provider client in main"}

type unconfiguredError struct{ msg string }

func (e *unconfiguredError) Error() string { return e.msg }
