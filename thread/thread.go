// Package thread implements the Thread Manager's three operations:
// add_message, get_llm_messages, and run_thread, tying together the Context
// Manager, the LLM client boundary, the Response Processor, and the Tool
// Registry into one per-turn orchestration around the same
// load-compress-call-drain turn shape used elsewhere in this codebase.
package thread

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftloom/agentcore/agent"
	"github.com/driftloom/agentcore/contextmgr"
	"github.com/driftloom/agentcore/llm"
	"github.com/driftloom/agentcore/processor"
	"github.com/driftloom/agentcore/telemetry"
	"github.com/driftloom/agentcore/toolregistry"
)

// ToolCaller is the narrow surface the Thread Manager requires from a tool
// source; *toolregistry.Registry satisfies it via registryCaller below.
type ToolCaller = processor.ToolCaller

// registryCaller adapts *toolregistry.Registry to processor.ToolCaller,
// keeping the Response Processor decoupled from the registry's richer API.
type registryCaller struct {
	registry *toolregistry.Registry
}

func (c registryCaller) Call(ctx context.Context, name string, args []byte) ([]byte, bool, error) {
	result, success, err := c.registry.Call(ctx, name, json.RawMessage(args))
	return []byte(result), success, err
}

func (c registryCaller) TerminatesRun(name string) bool {
	spec, err := c.registry.Get(name)
	if err != nil {
		return false
	}
	return spec.TerminatesRun
}

// Manager owns one project's threads: it persists messages via store and
// drives run_thread turns against an LLM client, tool registry, and
// processor configuration supplied per call.
type Manager struct {
	store MessageStore
}

// New constructs a Manager over store.
func New(store MessageStore) *Manager {
	return &Manager{store: store}
}

// AddMessage persists one message to threadID and returns the stored record.
func (m *Manager) AddMessage(ctx context.Context, threadID string, msgType agent.MessageType, content any, isLLMMessage bool, metadata map[string]any) (agent.Message, error) {
	message := agent.Message{
		ThreadID:     threadID,
		Type:         msgType,
		Role:         roleForType(msgType),
		Content:      content,
		IsLLMMessage: isLLMMessage,
		Metadata:     metadata,
	}
	return m.store.Insert(ctx, message)
}

func roleForType(t agent.MessageType) string {
	switch t {
	case agent.MessageUser:
		return "user"
	case agent.MessageAssistant, agent.MessageAssistantResponseEnd:
		return "assistant"
	case agent.MessageTool:
		return "tool"
	default:
		return "system"
	}
}

// GetLLMMessages returns threadID's history with any standalone
// image_context message folded into the most recent preceding user message
// and then deleted, so the LLM-facing list never carries it as a separate
// turn.
func (m *Manager) GetLLMMessages(ctx context.Context, threadID string) ([]agent.Message, error) {
	all, err := m.store.List(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread: list messages: %w", err)
	}

	out := make([]agent.Message, 0, len(all))
	lastUserIdx := -1
	var toDelete []string
	for _, msg := range all {
		if msg.Type == agent.MessageImageContext {
			if lastUserIdx >= 0 {
				out[lastUserIdx].Content = attachImageContext(out[lastUserIdx].Content, msg.Content)
			}
			toDelete = append(toDelete, msg.MessageID)
			continue
		}
		if !msg.IsLLMMessage {
			continue
		}
		out = append(out, msg)
		if msg.Type == agent.MessageUser {
			lastUserIdx = len(out) - 1
		}
	}

	for _, id := range toDelete {
		if err := m.store.Delete(ctx, threadID, id); err != nil {
			return nil, fmt.Errorf("thread: delete folded image_context message: %w", err)
		}
	}
	return out, nil
}

func attachImageContext(userContent, imageContent any) any {
	return map[string]any{
		"text":  userContent,
		"image": imageContent,
	}
}

// RunRequest carries everything run_thread needs beyond the persisted
// history: the system prompt, model identifier, tool choice, processor
// configuration, an optional never-persisted temporary message appended for
// this turn only, and the collaborators the turn calls through.
type RunRequest struct {
	ThreadID          string
	SystemPrompt      string
	Model             string
	ToolChoice        *llm.ToolChoice
	ProcessorConfig   processor.Config
	TemporaryMessage  *agent.Message
	Client            llm.Client
	Registry          *toolregistry.Registry
	RunID             string
	NativeToolCalling bool
	Tracer            telemetry.Tracer
	Metrics           telemetry.Metrics
}

// RunThread executes one full turn:
//  1. load the thread's LLM-facing messages
//  2. apply the Context Manager's compression for the target model
//  3. prepend the system prompt and append the optional temporary message
//     (never persisted)
//  4. call the LLM client with the registry's current tool catalog
//  5. hand the stream to a Response Processor, re-emitting its events
//  6. persist the assistant message (and any tool messages) as the
//     processor finalizes them
func (m *Manager) RunThread(ctx context.Context, req RunRequest, emit func(agent.Event), cancel processor.CancelFunc) (processor.Result, error) {
	history, err := m.GetLLMMessages(ctx, req.ThreadID)
	if err != nil {
		return processor.Result{}, err
	}

	compressed := contextmgr.Compress(history, req.Model)

	llmMessages := make([]llm.Message, 0, len(compressed)+2)
	llmMessages = append(llmMessages, llm.Message{Role: "system", Content: req.SystemPrompt})
	for _, msg := range compressed {
		llmMessages = append(llmMessages, llm.Message{Role: msg.Role, Content: contentAsText(msg.Content)})
	}
	if req.TemporaryMessage != nil {
		llmMessages = append(llmMessages, llm.Message{
			Role:    req.TemporaryMessage.Role,
			Content: contentAsText(req.TemporaryMessage.Content),
		})
	}

	var tools []llm.Tool
	if req.NativeToolCalling {
		for _, fn := range req.Registry.OpenAPIView() {
			tools = append(tools, llm.Tool{
				Type: fn.Type,
				Function: llm.ToolFunction{
					Name:        fn.Function.Name,
					Description: fn.Function.Description,
					Parameters:  fn.Function.Parameters,
				},
			})
		}
	}

	streamer, err := req.Client.Stream(ctx, llm.Request{
		Model:      req.Model,
		Messages:   llmMessages,
		Tools:      tools,
		ToolChoice: req.ToolChoice,
		Stream:     true,
	})
	if err != nil {
		return processor.Result{}, fmt.Errorf("thread: start stream: %w", err)
	}

	caller := registryCaller{registry: req.Registry}
	proc := processor.New(req.RunID, req.ThreadID, req.ProcessorConfig, caller, nil,
		processor.WithTracer(req.Tracer), processor.WithMetrics(req.Metrics))

	persisting := func(ev agent.Event) {
		m.persistEvent(ctx, req.ThreadID, ev)
		emit(ev)
	}

	return proc.Run(ctx, streamer, persisting, cancel)
}

// persistEvent appends the durable message implied by an assistant or tool
// event to the thread's history. assistant_chunk and
// status events carry no independently-persisted message: the former is
// folded into the final assistant event and the latter is transient stream
// framing.
func (m *Manager) persistEvent(ctx context.Context, threadID string, ev agent.Event) {
	switch ev.Type {
	case agent.EventAssistant:
		if ev.AssistantContent == nil {
			return
		}
		_, _ = m.store.Insert(ctx, agent.Message{
			MessageID:    ev.MessageID,
			ThreadID:     threadID,
			Type:         agent.MessageAssistant,
			Role:         "assistant",
			Content:      ev.AssistantContent.Content,
			IsLLMMessage: true,
		})
	case agent.EventToolCompleted:
		if ev.ToolContent == nil {
			return
		}
		_, _ = m.store.Insert(ctx, agent.Message{
			ThreadID: threadID,
			Type:     agent.MessageTool,
			Role:     "tool",
			Content: map[string]any{
				"tool_execution": map[string]any{
					"call_id":       ev.ToolContent.CallID,
					"function_name": ev.ToolContent.FunctionName,
					"arguments":     ev.ToolContent.Arguments,
					"result":        ev.ToolContent.Result,
				},
			},
			IsLLMMessage: true,
		})
	case agent.EventAssistantResponseEnd:
		_, _ = m.store.Insert(ctx, agent.Message{
			ThreadID:     threadID,
			Type:         agent.MessageAssistantResponseEnd,
			Role:         "assistant",
			Content:      "",
			IsLLMMessage: false,
		})
	}
}

func contentAsText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
