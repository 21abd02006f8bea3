package agent

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of event kinds emitted during a run and
// persisted to the resumable event log.
type EventType string

const (
	EventAssistantChunk       EventType = "assistant_chunk"
	EventAssistant            EventType = "assistant"
	EventToolStarted          EventType = "tool_started"
	EventToolCompleted        EventType = "tool_completed"
	EventStatus               EventType = "status"
	EventBrowserState         EventType = "browser_state"
	EventImageContext         EventType = "image_context"
	EventSummary              EventType = "summary"
	EventAssistantResponseEnd EventType = "assistant_response_end"
)

// RunStatusValue is the closed set of values carried by a status event,
// distinct from run.Status: status events additionally report the
// in-flight "running" and terminal "error" value used purely for
// stream framing.
type RunStatusValue string

const (
	RunStatusRunning   RunStatusValue = "running"
	RunStatusCompleted RunStatusValue = "completed"
	RunStatusFailed    RunStatusValue = "failed"
	RunStatusStopped   RunStatusValue = "stopped"
	RunStatusError     RunStatusValue = "error"
)

// Event is the tagged record emitted during a run. Every
// field besides Type is optional per the event's kind; the typed
// constructors below are the only supported way to build one, so the set of
// populated fields per Type never drifts.
type Event struct {
	Type      EventType       `json:"type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Sequence  *int            `json:"sequence,omitempty"`
	MessageID string          `json:"message_id,omitempty"`

	// AssistantContent is populated for EventAssistantChunk/EventAssistant.
	AssistantContent *AssistantContent `json:"content,omitempty"`

	// ToolContent is populated for EventToolStarted/EventToolCompleted. Result
	// is nil for EventToolStarted.
	ToolContent *ToolContent `json:"tool_content,omitempty"`

	// Status, Message, and FinishReason are populated for EventStatus.
	Status       RunStatusValue `json:"status,omitempty"`
	StatusMessage string        `json:"message,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`

	// Opaque is populated for browser_state/image_context/summary events,
	// whose content is structured but opaque to the core.
	Opaque json.RawMessage `json:"opaque,omitempty"`
}

// AssistantContent is the payload carried by assistant and assistant_chunk
// events.
type AssistantContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolExecutionResult is the structured result of a tool invocation.
type ToolExecutionResult struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	// ServerData carries metadata never forwarded to the LLM but available to
	// downstream persistence/drains.
	ServerData json.RawMessage `json:"server_data,omitempty"`
}

// ToolContent is the payload carried by tool_started/tool_completed events.
type ToolContent struct {
	CallID       string              `json:"call_id"`
	FunctionName string              `json:"function_name"`
	Arguments    json.RawMessage     `json:"arguments"`
	Source       string              `json:"source"` // "native" | "xml"
	Result       *ToolExecutionResult `json:"result,omitempty"`
}

// NewAssistantChunkEvent builds an assistant_chunk event with a monotonic
// per-turn sequence number. message_id is always null for chunk events.
func NewAssistantChunkEvent(runID, threadID string, sequence int, delta string) Event {
	return Event{
		Type:      EventAssistantChunk,
		RunID:     runID,
		ThreadID:  threadID,
		CreatedAt: timeNow(),
		Sequence:  &sequence,
		AssistantContent: &AssistantContent{Role: "assistant", Content: delta},
	}
}

// NewAssistantEvent builds the finalized assistant message event.
func NewAssistantEvent(runID, threadID, messageID, content string) Event {
	return Event{
		Type:      EventAssistant,
		RunID:     runID,
		ThreadID:  threadID,
		MessageID: messageID,
		CreatedAt: timeNow(),
		AssistantContent: &AssistantContent{Role: "assistant", Content: content},
	}
}

// NewToolStartedEvent builds the tool_started event emitted before dispatch.
func NewToolStartedEvent(runID, threadID, callID, functionName, source string, arguments json.RawMessage) Event {
	return Event{
		Type:      EventToolStarted,
		RunID:     runID,
		ThreadID:  threadID,
		CreatedAt: timeNow(),
		ToolContent: &ToolContent{
			CallID:       callID,
			FunctionName: functionName,
			Arguments:    arguments,
			Source:       source,
		},
	}
}

// NewToolCompletedEvent builds the tool_completed event emitted after
// dispatch, carrying the structured result.
func NewToolCompletedEvent(runID, threadID, callID, functionName, source string, arguments json.RawMessage, result ToolExecutionResult) Event {
	return Event{
		Type:      EventToolCompleted,
		RunID:     runID,
		ThreadID:  threadID,
		CreatedAt: timeNow(),
		ToolContent: &ToolContent{
			CallID:       callID,
			FunctionName: functionName,
			Arguments:    arguments,
			Source:       source,
			Result:       &result,
		},
	}
}

// NewAssistantResponseEndEvent builds the assistant_response_end event that
// marks run completion when a terminal tool executes.
func NewAssistantResponseEndEvent(runID, threadID string) Event {
	return Event{
		Type:      EventAssistantResponseEnd,
		RunID:     runID,
		ThreadID:  threadID,
		CreatedAt: timeNow(),
	}
}

// NewStatusEvent builds a status event.
func NewStatusEvent(runID, threadID string, status RunStatusValue, message, finishReason string) Event {
	return Event{
		Type:          EventStatus,
		RunID:         runID,
		ThreadID:      threadID,
		CreatedAt:     timeNow(),
		Status:        status,
		StatusMessage: message,
		FinishReason:  finishReason,
	}
}

// NewOpaqueEvent builds an opaque-content event (browser_state,
// image_context, summary) whose payload the core never interprets.
func NewOpaqueEvent(t EventType, runID, threadID string, payload json.RawMessage) Event {
	return Event{
		Type:      t,
		RunID:     runID,
		ThreadID:  threadID,
		CreatedAt: timeNow(),
		Opaque:    payload,
	}
}

// IsTerminalStatus reports whether the status value represents a terminal
// run state for the purposes of the event stream (not run.Status, which has
// its own, slightly different closed set).
func (v RunStatusValue) IsTerminalStatus() bool {
	switch v {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped, RunStatusError:
		return true
	default:
		return false
	}
}

var timeNow = time.Now
