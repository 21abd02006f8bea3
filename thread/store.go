// Package thread implements the Thread Manager: owning one
// thread's message history, applying the Context Manager before each LLM
// call, and orchestrating a full run_thread turn end to end, treating
// persistence as an injected collaborator rather than an embedded concern.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/driftloom/agentcore/agent"
	"github.com/driftloom/agentcore/broker"
)

// MessageStore persists and retrieves a thread's messages. This runtime
// treats message persistence as an external collaborator; this interface
// fixes only the contract the core requires, depending on a narrow
// interface for the external system rather than a concrete database
// client.
type MessageStore interface {
	// Insert persists a new message and returns the stored record with a
	// server-assigned MessageID and CreatedAt.
	Insert(ctx context.Context, m agent.Message) (agent.Message, error)
	// List returns every message for threadID in insertion order.
	List(ctx context.Context, threadID string) ([]agent.Message, error)
	// Delete removes a message by id (used for one-shot image_context
	// attachment, get_llm_messages).
	Delete(ctx context.Context, threadID, messageID string) error
}

// brokerKey is the per-thread list key used by BrokerMessageStore.
func brokerKey(threadID string) string { return "thread_messages:" + threadID }

// BrokerMessageStore is a MessageStore backed by the Broker's list
// primitive, suitable for tests and single-node deployments; production
// deployments may instead supply a store backed by a dedicated document or
// relational database, which this system leaves as an external concern.
type BrokerMessageStore struct {
	b  broker.Broker
	mu sync.Mutex
}

// NewBrokerMessageStore constructs a MessageStore over b.
func NewBrokerMessageStore(b broker.Broker) *BrokerMessageStore {
	return &BrokerMessageStore{b: b}
}

func (s *BrokerMessageStore) Insert(ctx context.Context, m agent.Message) (agent.Message, error) {
	if m.MessageID == "" {
		m.MessageID = agent.NewMessageID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = timeNow()
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return agent.Message{}, fmt.Errorf("thread: encode message: %w", err)
	}
	if err := s.b.RPush(ctx, brokerKey(m.ThreadID), string(encoded)); err != nil {
		return agent.Message{}, fmt.Errorf("thread: persist message: %w", err)
	}
	return m, nil
}

func (s *BrokerMessageStore) List(ctx context.Context, threadID string) ([]agent.Message, error) {
	raw, err := s.b.LRange(ctx, brokerKey(threadID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("thread: list messages: %w", err)
	}
	out := make([]agent.Message, 0, len(raw))
	for _, r := range raw {
		var m agent.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("thread: decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes a message by rewriting the thread's list without it. The
// broker's list primitive has no targeted delete, so this is implemented as
// read-filter-rewrite; acceptable because one-shot image_context deletion is
// rare relative to appends.
func (s *BrokerMessageStore) Delete(ctx context.Context, threadID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages, err := s.List(ctx, threadID)
	if err != nil {
		return err
	}
	if err := s.b.Delete(ctx, brokerKey(threadID)); err != nil {
		return fmt.Errorf("thread: clear list before rewrite: %w", err)
	}
	for _, m := range messages {
		if m.MessageID == messageID {
			continue
		}
		encoded, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("thread: re-encode message: %w", err)
		}
		if err := s.b.RPush(ctx, brokerKey(threadID), string(encoded)); err != nil {
			return fmt.Errorf("thread: rewrite message: %w", err)
		}
	}
	return nil
}

// timeNow is overridden in tests for deterministic CreatedAt assertions.
var timeNow = time.Now
