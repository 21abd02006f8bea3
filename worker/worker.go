// Package worker implements the Run Worker: the background task that drives
// one agent run end to end, acquiring a single-flight lock, initializing the
// configured MCP connections, running the Thread Manager's turn loop, and
// mirroring every emitted event into the resumable event log and run
// registry. Built around the same lock-acquire/drain/reconcile shape the
// runtime uses for its own workflow-bound activities, adapted onto the
// broker's primitives since this core has no workflow engine of its own.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/driftloom/agentcore/agent"
	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/llm"
	"github.com/driftloom/agentcore/mcp"
	"github.com/driftloom/agentcore/processor"
	"github.com/driftloom/agentcore/run"
	"github.com/driftloom/agentcore/runlog"
	"github.com/driftloom/agentcore/runregistry"
	"github.com/driftloom/agentcore/telemetry"
	"github.com/driftloom/agentcore/thread"
	"github.com/driftloom/agentcore/toolregistry"
)

// lockTTL bounds how long a worker may hold a run's single-flight lock
// before a reconciliation sweep may consider it orphaned.
const lockTTL = 10 * time.Minute

// heartbeatEvery refreshes the run-lock and event-log TTL every K emitted
// events, so a long-running stream doesn't expire its own lock.
const heartbeatEvery = 20

func lockKey(runID string) string { return "run_lock:" + runID }
func stopKey(runID string) string { return "stop:" + runID }
func controlChannel(runID string) string { return "control:" + runID }
func activeRunKey(instanceID, runID string) string { return "active_run:" + instanceID + ":" + runID }

// Request carries everything a single run invocation needs beyond the
// collaborators wired in at construction time.
type Request struct {
	RunID        string
	ThreadID     string
	Model        string
	SystemPrompt string
	ToolChoice   *llm.ToolChoice

	MCPConnections    []mcp.Connection
	ProcessorConfig   processor.Config
	NativeToolCalling bool

	AgentConfigSnapshot []byte
	Labels              map[string]string
}

// MCPToolAdapter turns one resolved MCP tool into a registered
// toolregistry.Spec/Dispatcher pair, bridging C4 (mcp.Pool) into C5
// (toolregistry.Registry). Production code supplies DefaultMCPAdapter;
// tests may supply a fake.
type MCPToolAdapter func(pool *mcp.Pool, tool mcp.ResolvedTool) (toolregistry.Spec, toolregistry.Dispatcher)

// DefaultMCPAdapter exposes a resolved MCP tool as a builtin-shaped registry
// entry whose dispatcher delegates to the pool's per-call session semantics.
func DefaultMCPAdapter(pool *mcp.Pool, tool mcp.ResolvedTool) (toolregistry.Spec, toolregistry.Dispatcher) {
	spec := toolregistry.Spec{
		Name:        tool.NamespacedName,
		Description: tool.Schema.Description,
		InputSchema: tool.Schema.InputSchema,
		Source:      "mcp:" + tool.Connection.QualifiedName,
	}
	dispatcher := func(ctx context.Context, args json.RawMessage) (json.RawMessage, bool, error) {
		result, success, err := pool.Call(ctx, tool.NamespacedName, args)
		if err != nil {
			return nil, false, err
		}
		return result, success, nil
	}
	return spec, dispatcher
}

// Worker drives agent runs to completion, wiring the Resumable Event Log
// (C2), Run Registry (C3), MCP Client Pool (C4), Tool Registry (C5), and
// Thread Manager (C9) together per run.
type Worker struct {
	b          broker.Broker
	registry   *runregistry.Registry
	events     *runlog.Log
	threads    *thread.Manager
	client     llm.Client
	tools      *toolregistry.Registry
	adapter    MCPToolAdapter
	factory    mcp.CallerFactory
	instanceID string
	tel        telemetry.Logger
	tracer     telemetry.Tracer
	metrics    telemetry.Metrics
}

// New constructs a Worker. tools is the process-wide registry shared across
// runs on this worker; builtins should already be registered on it. A fresh
// MCP namespace is swapped in per run via toolregistry.ReplaceNamespace so
// concurrent runs on the same worker process don't clobber each other's MCP
// tool sets across the run's lifetime — see Run's use of a
// run-scoped namespace suffix.
func New(b broker.Broker, registry *runregistry.Registry, events *runlog.Log, threads *thread.Manager, client llm.Client, tools *toolregistry.Registry, instanceID string, tel telemetry.Logger) *Worker {
	if tel == nil {
		tel = telemetry.NewNoopLogger()
	}
	return &Worker{
		b: b, registry: registry, events: events, threads: threads,
		client: client, tools: tools, adapter: DefaultMCPAdapter,
		factory: mcp.DefaultCallerFactory, instanceID: instanceID, tel: tel,
		tracer: telemetry.NewNoopTracer(), metrics: telemetry.NewNoopMetrics(),
	}
}

// WithMCPAdapter overrides the MCP-tool-to-registry adapter (for tests).
func (w *Worker) WithMCPAdapter(a MCPToolAdapter) *Worker {
	w.adapter = a
	return w
}

// WithCallerFactory overrides the MCP caller factory (for tests).
func (w *Worker) WithCallerFactory(f mcp.CallerFactory) *Worker {
	w.factory = f
	return w
}

// WithTracer attaches a Tracer so Run opens a per-run span and the MCP pool
// and response processor it constructs open spans per tool call.
func (w *Worker) WithTracer(t telemetry.Tracer) *Worker {
	if t != nil {
		w.tracer = t
	}
	return w
}

// WithMetrics attaches a Metrics recorder so Run, the response processor,
// and the MCP pool record run duration, tool latency, and retry counters.
func (w *Worker) WithMetrics(m telemetry.Metrics) *Worker {
	if m != nil {
		w.metrics = m
	}
	return w
}

// Run drives req end to end: acquire the single-flight lock, transition the
// registry to running, initialize MCPs, drive the thread manager's turn,
// mirror every event into the event log, and transition to a terminal
// status. Returns nil if another worker already owns the run (silent exit
// per spec), or the terminal error if the run itself failed fatally — the
// caller is expected to log but not retry, since the registry has already
// recorded the failure.
func (w *Worker) Run(ctx context.Context, req Request) error {
	ctx, span := w.tracer.Start(ctx, "agent_run.run")
	span.AddEvent("run_started", "run_id", req.RunID, "thread_id", req.ThreadID, "model", req.Model)
	started := time.Now()
	defer func() {
		w.metrics.RecordTimer("agent_run.duration", time.Since(started), "model", req.Model)
		span.End()
	}()

	acquired, err := w.b.SetNX(ctx, lockKey(req.RunID), w.instanceID, lockTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire lock")
		return fmt.Errorf("worker: acquire lock: %w", err)
	}
	if !acquired {
		w.tel.Info(ctx, "worker: run already owned by another worker", "run_id", req.RunID)
		span.AddEvent("run_already_owned", "run_id", req.RunID)
		return nil
	}
	defer func() { _ = w.b.Delete(ctx, lockKey(req.RunID)) }()

	if err := w.b.Set(ctx, activeRunKey(w.instanceID, req.RunID), "running", lockTTL); err != nil {
		w.tel.Warn(ctx, "worker: record active run", "run_id", req.RunID, "err", err)
	}
	defer func() { _ = w.b.Delete(ctx, activeRunKey(w.instanceID, req.RunID)) }()

	if _, err := w.registry.Transition(ctx, req.RunID, run.StatusRunning, run.PhasePlanning, ""); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition to running")
		return fmt.Errorf("worker: transition to running: %w", err)
	}

	stopSub, err := w.b.Subscribe(ctx, controlChannel(req.RunID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe control channel")
		return fmt.Errorf("worker: subscribe control channel: %w", err)
	}
	defer func() { _ = stopSub.Close() }()

	stopped := make(chan struct{})
	go w.watchStop(ctx, req.RunID, stopSub, stopped)

	pool := mcp.NewPool(w.b, w.tel, w.factory).WithTracer(w.tracer).WithMetrics(w.metrics)
	if len(req.MCPConnections) > 0 {
		if err := pool.Init(ctx, req.MCPConnections); err != nil {
			w.tel.Warn(ctx, "worker: mcp pool init", "run_id", req.RunID, "err", err)
		}
	}
	namespace := "run:" + req.RunID
	if err := w.installMCPTools(namespace, pool); err != nil {
		w.tel.Warn(ctx, "worker: install mcp tools", "run_id", req.RunID, "err", err)
	}
	defer func() { _ = w.tools.ReplaceNamespace(namespace, nil, nil) }()

	var cancelled bool
	cancel := func() bool {
		select {
		case <-stopped:
			cancelled = true
			return true
		default:
			return cancelled
		}
	}

	events := make([]agent.Event, 0, 64)
	n := 0
	emit := func(ev agent.Event) {
		events = append(events, ev)
		if err := w.events.Append(ctx, req.RunID, ev); err != nil {
			w.tel.Warn(ctx, "worker: append event", "run_id", req.RunID, "err", err)
		}
		n++
		if n%heartbeatEvery == 0 {
			_ = w.events.Heartbeat(ctx, req.RunID, runlog.DefaultTTL)
			_ = w.b.Expire(ctx, lockKey(req.RunID), lockTTL)
		}
	}

	runReq := thread.RunRequest{
		ThreadID:          req.ThreadID,
		SystemPrompt:      req.SystemPrompt,
		Model:             req.Model,
		ToolChoice:        req.ToolChoice,
		ProcessorConfig:   req.ProcessorConfig,
		Client:            w.client,
		Registry:          w.tools,
		RunID:             req.RunID,
		NativeToolCalling: req.NativeToolCalling,
		Tracer:            w.tracer,
		Metrics:           w.metrics,
	}

	result, runErr := w.threads.RunThread(ctx, runReq, emit, cancel)

	finalStatus, finalPhase, errMsg := w.resolveTerminal(result, runErr, cancelled)
	token := controlTokenFor(finalStatus)
	if err := w.events.PublishControl(ctx, req.RunID, token); err != nil {
		w.tel.Warn(ctx, "worker: publish control token", "run_id", req.RunID, "err", err)
	}
	if err := w.events.ExpireAfterTerminal(ctx, req.RunID, runlog.DefaultTTL); err != nil {
		w.tel.Warn(ctx, "worker: expire event log", "run_id", req.RunID, "err", err)
	}
	if err := w.registry.SnapshotResponses(ctx, req.RunID, events); err != nil {
		w.tel.Warn(ctx, "worker: snapshot responses", "run_id", req.RunID, "err", err)
	}
	if _, err := w.registry.Transition(ctx, req.RunID, finalStatus, finalPhase, errMsg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition to terminal status")
		return fmt.Errorf("worker: transition to terminal status: %w", err)
	}

	w.metrics.IncCounter("agent_run.completed", 1, "status", string(finalStatus))
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.AddEvent("run_finished", "run_id", req.RunID, "status", string(finalStatus))

	return runErr
}

// installMCPTools adapts every tool the pool discovered into the process-wide
// tool registry under a run-scoped namespace, evicted on Run's return.
func (w *Worker) installMCPTools(namespace string, pool *mcp.Pool) error {
	tools := pool.Tools()
	specs := make([]toolregistry.Spec, 0, len(tools))
	dispatchers := make(map[string]toolregistry.Dispatcher, len(tools))
	for _, t := range tools {
		spec, dispatcher := w.adapter(pool, t)
		specs = append(specs, spec)
		dispatchers[spec.Name] = dispatcher
	}
	return w.tools.ReplaceNamespace(namespace, specs, dispatchers)
}

// watchStop polls the control channel for a STOP token (fast path); the
// scheduler's stop_run also writes stop:<run_id> in the broker so a worker
// that misses the pub/sub message (broker partition) can fall back to
// polling it, per the dual-path design for stop delivery.
func (w *Worker) watchStop(ctx context.Context, runID string, sub broker.Subscription, stopped chan<- struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if msg.Payload == runlog.TokenStop {
				close(stopped)
				return
			}
		case <-ticker.C:
			val, found, err := w.b.Get(ctx, stopKey(runID))
			if err == nil && found && val == runlog.TokenStop {
				close(stopped)
				return
			}
		}
	}
}

func (w *Worker) resolveTerminal(result processor.Result, runErr error, cancelled bool) (run.Status, run.Phase, string) {
	switch {
	case runErr != nil:
		return run.StatusFailed, run.PhaseFailed, runErr.Error()
	case cancelled || result.Stopped:
		return run.StatusStopped, run.PhaseStopped, ""
	default:
		return run.StatusCompleted, run.PhaseCompleted, ""
	}
}

func controlTokenFor(status run.Status) string {
	switch status {
	case run.StatusFailed:
		return runlog.TokenError
	case run.StatusStopped:
		return runlog.TokenStop
	default:
		return runlog.TokenEndStream
	}
}
