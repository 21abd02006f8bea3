// Package agent defines the identifiers and conversational data types shared
// across the runtime: agent identity, threads, and messages. Persistence of these types is owned by an external MessageStore;
// this package only defines their shape and invariants.
package agent

import (
	"time"

	"github.com/google/uuid"
)

// Ident identifies an agent configuration within a project/account.
type Ident string

// MessageType is the closed set of message kinds a thread may contain.
type MessageType string

const (
	MessageUser               MessageType = "user"
	MessageAssistant          MessageType = "assistant"
	MessageAssistantResponseEnd MessageType = "assistant_response_end"
	MessageTool               MessageType = "tool"
	MessageStatus             MessageType = "status"
	MessageSummary            MessageType = "summary"
	MessageBrowserState       MessageType = "browser_state"
	MessageImageContext       MessageType = "image_context"
)

// Message is a single entry in a Thread's append-only history. Content is
// opaque to the core: it must round-trip as a serializable value but its
// internal shape is owned by callers (builtin tools, the LLM client, etc).
type Message struct {
	MessageID     string
	ThreadID      string
	Type          MessageType
	Role          string
	Content       any
	IsLLMMessage  bool
	Metadata      map[string]any
	CreatedAt     time.Time
}

// NewMessageID generates a fresh message identifier.
func NewMessageID() string { return uuid.NewString() }

// Thread identifies an ordered, append-only conversation owned by a
// project/account. The core only ever reads and appends; thread creation and
// deletion are owned by the external MessageStore.
type Thread struct {
	ThreadID  string
	ProjectID string
	AccountID string
}
