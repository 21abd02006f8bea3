// Package processor implements the Response Processor: the streaming-chunk
// consumer that assembles assistant text, extracts native and XML tool
// calls, dispatches them through the Tool Registry, and emits the ordered
// Event stream. Follows this codebase's Recv-loop/switch-on-chunk-type
// shape elsewhere (ToolCall/ToolCallDelta accumulation, usage aggregation),
// generalized into a full event-emission and dispatch-strategy contract.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/codes"

	"github.com/driftloom/agentcore/agent"
	"github.com/driftloom/agentcore/llm"
	"github.com/driftloom/agentcore/telemetry"
	"github.com/driftloom/agentcore/xmltools"
)

// DispatchStrategy selects how multiple tool calls within one assistant turn
// are executed.
type DispatchStrategy string

const (
	StrategySequential DispatchStrategy = "sequential"
	StrategyParallel   DispatchStrategy = "parallel"
)

// Config mirrors the Response Processor's configuration fields.
type Config struct {
	XMLToolCalling        bool
	NativeToolCalling     bool
	ExecuteTools          bool
	ExecuteOnStream       bool
	ToolExecutionStrategy DispatchStrategy
	MaxXMLToolCalls       int
}

// ToolCaller resolves and dispatches one tool call. Implementations wrap
// toolregistry.Registry.Call; the processor depends on this narrow interface
// so it never imports toolregistry directly, keeping C8 and C5 decoupled
// per this system's component boundaries.
type ToolCaller interface {
	Call(ctx context.Context, name string, args []byte) (result []byte, success bool, err error)
	// TerminatesRun reports whether name's schema marks it as a run-ending
	// tool.
	TerminatesRun(name string) bool
}

// pendingCall is one discovered, not-yet-dispatched tool call.
type pendingCall struct {
	callID       string
	functionName string
	arguments    []byte
	source       string
}

// Processor consumes one LLM stream and emits Events for one assistant
// turn. A new Processor is constructed per turn by the Thread Manager.
type Processor struct {
	cfg      Config
	caller   ToolCaller
	log      telemetry.Logger
	runID    string
	threadID string

	sequence int
	buffer   string // accumulated assistant text for the current turn
	xmlScan  string // unconsumed tail fed to the XML parser across chunks

	nativeDeltas map[string]*nativeAccumulator
	nativeOrder  []string

	pending []pendingCall
	xmlCallCount int

	tracer  telemetry.Tracer
	metrics telemetry.Metrics
}

// Option configures optional Processor collaborators not carried by the
// required New parameters.
type Option func(*Processor)

// WithTracer attaches a Tracer so each dispatched tool call opens its own
// span under the turn.
func WithTracer(t telemetry.Tracer) Option {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithMetrics attaches a Metrics recorder so tool dispatch records a
// per-call latency histogram and failure counter.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

type nativeAccumulator struct {
	id   string
	name string
	args string
}

// New constructs a Processor for one assistant turn. opts attach optional
// tracing/metrics collaborators; omitted ones default to no-ops.
func New(runID, threadID string, cfg Config, caller ToolCaller, log telemetry.Logger, opts ...Option) *Processor {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if cfg.ToolExecutionStrategy == "" {
		cfg.ToolExecutionStrategy = StrategySequential
	}
	p := &Processor{
		cfg:          cfg,
		caller:       caller,
		log:          log,
		runID:        runID,
		threadID:     threadID,
		nativeDeltas: map[string]*nativeAccumulator{},
		tracer:       telemetry.NewNoopTracer(),
		metrics:      telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CancelFunc reports whether the run has been asked to stop.
// The processor checks it between chunks and before each dispatch.
type CancelFunc func() bool

// Result summarizes one fully-processed assistant turn, returned after
// Run's stream of events has been drained by the caller.
type Result struct {
	FinalContent string
	Stopped      bool
	RunEnded     bool // a terminal tool fired assistant_response_end
}

// Run drains streamer, emitting events to emit, dispatching tool calls
// through caller, and checking cancel between chunks and before dispatch.
// It returns once the stream ends, a terminal tool fires, or cancellation is
// observed.
func (p *Processor) Run(ctx context.Context, streamer llm.Streamer, emit func(agent.Event), cancel CancelFunc) (Result, error) {
	if cancel == nil {
		cancel = func() bool { return false }
	}
	defer func() { _ = streamer.Close() }()

	var finishReason string
	for {
		if cancel() {
			emit(agent.NewStatusEvent(p.runID, p.threadID, agent.RunStatusStopped, "", ""))
			return Result{FinalContent: p.buffer, Stopped: true}, nil
		}

		chunk, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			emit(agent.NewStatusEvent(p.runID, p.threadID, agent.RunStatusError, err.Error(), ""))
			return Result{FinalContent: p.buffer}, fmt.Errorf("processor: stream recv: %w", err)
		}

		switch chunk.Type {
		case llm.ChunkTypeText:
			if chunk.TextDelta == "" {
				continue
			}
			p.buffer += chunk.TextDelta
			p.xmlScan += chunk.TextDelta
			p.sequence++
			emit(agent.NewAssistantChunkEvent(p.runID, p.threadID, p.sequence, chunk.TextDelta))

			if p.cfg.XMLToolCalling {
				if ended, rerr := p.drainXMLCalls(ctx, emit, cancel); rerr != nil {
					return Result{FinalContent: p.buffer}, rerr
				} else if ended {
					return Result{FinalContent: p.buffer, RunEnded: true}, nil
				}
			}

		case llm.ChunkTypeToolCallDelta:
			if !p.cfg.NativeToolCalling || chunk.ToolCallDelta == nil {
				continue
			}
			p.accumulateNativeDelta(*chunk.ToolCallDelta)

		case llm.ChunkTypeToolCall:
			if !p.cfg.NativeToolCalling || chunk.ToolCall == nil {
				continue
			}
			p.enqueueCompleteNativeCall(*chunk.ToolCall)
			if p.cfg.ExecuteTools && p.cfg.ExecuteOnStream {
				if cancel() {
					continue
				}
				ended, rerr := p.dispatchOne(ctx, p.popPending(), emit)
				if rerr != nil {
					return Result{FinalContent: p.buffer}, rerr
				}
				if ended {
					return Result{FinalContent: p.buffer, RunEnded: true}, nil
				}
			}

		case llm.ChunkTypeStop:
			finishReason = chunk.FinishReason
		}
	}

	// Native tool calls accumulated via deltas but never closed by a
	// ChunkTypeToolCall are flushed here as complete calls.
	p.flushNativeAccumulators()

	messageID := agent.NewMessageID()
	emit(agent.NewAssistantEvent(p.runID, p.threadID, messageID, p.buffer))

	if p.cfg.ExecuteTools && !p.cfg.ExecuteOnStream {
		ended, err := p.dispatchPending(ctx, emit, cancel)
		if err != nil {
			return Result{FinalContent: p.buffer}, err
		}
		if ended {
			return Result{FinalContent: p.buffer, RunEnded: true}, nil
		}
	}

	emit(agent.NewStatusEvent(p.runID, p.threadID, agent.RunStatusCompleted, "", finishReason))
	return Result{FinalContent: p.buffer}, nil
}

// drainXMLCalls feeds the accumulated buffer through the XML parser,
// enqueuing (and optionally dispatching) each completed call. Returns
// ended=true if a terminal tool fired and the run should close.
func (p *Processor) drainXMLCalls(ctx context.Context, emit func(agent.Event), cancel CancelFunc) (bool, error) {
	calls, residual := xmltools.Parse(p.xmlScan)
	p.xmlScan = residual
	if len(calls) == 0 {
		return false, nil
	}
	for _, c := range calls {
		if p.cfg.MaxXMLToolCalls > 0 && p.xmlCallCount >= p.cfg.MaxXMLToolCalls {
			break
		}
		p.xmlCallCount++
		argsJSON, err := argumentsToJSON(c.Arguments)
		if err != nil {
			p.log.Warn(ctx, "processor: encode xml call arguments", "tool", c.FunctionName, "err", err)
			continue
		}
		call := pendingCall{callID: agent.NewMessageID(), functionName: c.FunctionName, arguments: argsJSON, source: "xml"}
		if p.cfg.ExecuteTools && p.cfg.ExecuteOnStream {
			if cancel() {
				return false, nil
			}
			ended, err := p.dispatchOne(ctx, call, emit)
			if err != nil {
				return false, err
			}
			if ended {
				return true, nil
			}
			continue
		}
		p.pending = append(p.pending, call)
	}
	return false, nil
}

func (p *Processor) accumulateNativeDelta(delta llm.ToolCallDelta) {
	acc, ok := p.nativeDeltas[delta.ID]
	if !ok {
		acc = &nativeAccumulator{id: delta.ID, name: delta.Name}
		p.nativeDeltas[delta.ID] = acc
		p.nativeOrder = append(p.nativeOrder, delta.ID)
	}
	if delta.Name != "" {
		acc.name = delta.Name
	}
	acc.args += delta.Delta
}

func (p *Processor) enqueueCompleteNativeCall(call llm.ToolCall) {
	p.pending = append(p.pending, pendingCall{
		callID:       call.ID,
		functionName: call.Name,
		arguments:    call.Arguments,
		source:       "native",
	})
	delete(p.nativeDeltas, call.ID)
}

func (p *Processor) flushNativeAccumulators() {
	for _, id := range p.nativeOrder {
		acc, ok := p.nativeDeltas[id]
		if !ok {
			continue
		}
		p.pending = append(p.pending, pendingCall{
			callID:       acc.id,
			functionName: acc.name,
			arguments:    []byte(acc.args),
			source:       "native",
		})
	}
	p.nativeDeltas = map[string]*nativeAccumulator{}
	p.nativeOrder = nil
}

func (p *Processor) popPending() pendingCall {
	call := p.pending[len(p.pending)-1]
	p.pending = p.pending[:len(p.pending)-1]
	return call
}

// dispatchPending dispatches every remaining queued call according to the
// configured strategy.
func (p *Processor) dispatchPending(ctx context.Context, emit func(agent.Event), cancel CancelFunc) (bool, error) {
	calls := p.pending
	p.pending = nil
	if len(calls) == 0 {
		return false, nil
	}
	if p.cfg.ToolExecutionStrategy == StrategyParallel {
		return p.dispatchParallel(ctx, calls, emit, cancel)
	}
	return p.dispatchSequential(ctx, calls, emit, cancel)
}

func (p *Processor) dispatchSequential(ctx context.Context, calls []pendingCall, emit func(agent.Event), cancel CancelFunc) (bool, error) {
	for _, call := range calls {
		if cancel() {
			emit(agent.NewStatusEvent(p.runID, p.threadID, agent.RunStatusStopped, "", ""))
			return false, nil
		}
		ended, err := p.dispatchOne(ctx, call, emit)
		if err != nil {
			return false, err
		}
		if ended {
			return true, nil
		}
	}
	return false, nil
}

// dispatchParallel dispatches every call concurrently but buffers
// tool_completed events so they are emitted in original call order.
func (p *Processor) dispatchParallel(ctx context.Context, calls []pendingCall, emit func(agent.Event), cancel CancelFunc) (bool, error) {
	if cancel() {
		emit(agent.NewStatusEvent(p.runID, p.threadID, agent.RunStatusStopped, "", ""))
		return false, nil
	}
	for _, call := range calls {
		emit(agent.NewToolStartedEvent(p.runID, p.threadID, call.callID, call.functionName, call.source, call.arguments))
	}

	results := make([]agent.Event, len(calls))
	terminal := make([]bool, len(calls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			callCtx, span := p.tracer.Start(gctx, "response_processor.tool_call")
			span.AddEvent("tool_call_started", "tool", call.functionName, "source", call.source)
			start := time.Now()

			output, success, err := p.caller.Call(callCtx, call.functionName, call.arguments)

			p.metrics.RecordTimer("response_processor.tool_call.duration", time.Since(start), "tool", call.functionName)
			result := agent.ToolExecutionResult{Success: success, Output: output}
			if err != nil {
				result.Success = false
				result.Error = err.Error()
				p.metrics.IncCounter("response_processor.tool_call.error", 1, "tool", call.functionName)
				span.RecordError(err)
				span.SetStatus(codes.Error, "tool call failed")
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()

			mu.Lock()
			results[i] = agent.NewToolCompletedEvent(p.runID, p.threadID, call.callID, call.functionName, call.source, call.arguments, result)
			terminal[i] = err == nil && success && p.caller.TerminatesRun(call.functionName)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	ended := false
	for i, ev := range results {
		emit(ev)
		if terminal[i] {
			ended = true
		}
	}
	if ended {
		emit(agent.NewAssistantResponseEndEvent(p.runID, p.threadID))
	}
	return ended, nil
}

func (p *Processor) dispatchOne(ctx context.Context, call pendingCall, emit func(agent.Event)) (bool, error) {
	emit(agent.NewToolStartedEvent(p.runID, p.threadID, call.callID, call.functionName, call.source, call.arguments))

	ctx, span := p.tracer.Start(ctx, "response_processor.tool_call")
	span.AddEvent("tool_call_started", "tool", call.functionName, "source", call.source)
	start := time.Now()

	output, success, err := p.caller.Call(ctx, call.functionName, call.arguments)

	p.metrics.RecordTimer("response_processor.tool_call.duration", time.Since(start), "tool", call.functionName)
	result := agent.ToolExecutionResult{Success: success, Output: output}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		p.metrics.IncCounter("response_processor.tool_call.error", 1, "tool", call.functionName)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	emit(agent.NewToolCompletedEvent(p.runID, p.threadID, call.callID, call.functionName, call.source, call.arguments, result))

	if err == nil && success && p.caller.TerminatesRun(call.functionName) {
		emit(agent.NewAssistantResponseEndEvent(p.runID, p.threadID))
		return true, nil
	}
	return false, nil
}

func argumentsToJSON(args map[string]any) ([]byte, error) {
	return json.Marshal(args)
}
