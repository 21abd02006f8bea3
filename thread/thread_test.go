package thread_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloom/agentcore/agent"
	"github.com/driftloom/agentcore/broker"
	"github.com/driftloom/agentcore/llm"
	"github.com/driftloom/agentcore/processor"
	"github.com/driftloom/agentcore/thread"
	"github.com/driftloom/agentcore/toolregistry"
)

func newStore() *thread.BrokerMessageStore {
	return thread.NewBrokerMessageStore(broker.NewInMemory())
}

func TestAddMessagePersistsAndAssignsID(t *testing.T) {
	mgr := thread.New(newStore())
	msg, err := mgr.AddMessage(context.Background(), "t1", agent.MessageUser, "hello", true, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, "user", msg.Role)

	list, err := mgr.GetLLMMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].Content)
}

func TestGetLLMMessagesFoldsImageContextIntoLastUserMessage(t *testing.T) {
	store := newStore()
	mgr := thread.New(store)
	ctx := context.Background()

	_, err := mgr.AddMessage(ctx, "t1", agent.MessageUser, "look at this", true, nil)
	require.NoError(t, err)
	_, err = mgr.AddMessage(ctx, "t1", agent.MessageImageContext, "base64data", false, nil)
	require.NoError(t, err)

	list, err := mgr.GetLLMMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 1, "the image_context row must be folded in, not left standalone")

	folded, ok := list[0].Content.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "look at this", folded["text"])
	assert.Equal(t, "base64data", folded["image"])

	raw, err := store.List(ctx, "t1")
	require.NoError(t, err)
	for _, m := range raw {
		assert.NotEqual(t, agent.MessageImageContext, m.Type, "the standalone image_context row must be deleted after folding")
	}
}

func TestGetLLMMessagesSkipsNonLLMMessages(t *testing.T) {
	mgr := thread.New(newStore())
	ctx := context.Background()
	_, err := mgr.AddMessage(ctx, "t1", agent.MessageUser, "hi", true, nil)
	require.NoError(t, err)
	_, err = mgr.AddMessage(ctx, "t1", agent.MessageStatus, "internal note", false, nil)
	require.NoError(t, err)

	list, err := mgr.GetLLMMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, agent.MessageUser, list[0].Type)
}

type fakeStreamer struct {
	chunks []llm.Chunk
	i      int
}

func (f *fakeStreamer) Recv() (llm.Chunk, error) {
	if f.i >= len(f.chunks) {
		return llm.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}
func (f *fakeStreamer) Close() error { return nil }

type fakeClient struct {
	streamer *fakeStreamer
	lastReq  llm.Request
}

func (f *fakeClient) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	f.lastReq = req
	return f.streamer, nil
}

func TestRunThreadPersistsAssistantReplyAndReturnsResult(t *testing.T) {
	store := newStore()
	mgr := thread.New(store)
	ctx := context.Background()

	_, err := mgr.AddMessage(ctx, "t1", agent.MessageUser, "what is 2+2?", true, nil)
	require.NoError(t, err)

	client := &fakeClient{streamer: &fakeStreamer{chunks: []llm.Chunk{
		{Type: llm.ChunkTypeText, TextDelta: "4"},
		{Type: llm.ChunkTypeStop, FinishReason: "stop"},
	}}}

	registry := toolregistry.New()

	var events []agent.Event
	result, err := mgr.RunThread(ctx, thread.RunRequest{
		ThreadID:     "t1",
		SystemPrompt: "you are terse",
		Model:        "claude-sonnet",
		Client:       client,
		Registry:     registry,
		RunID:        "run1",
	}, func(e agent.Event) { events = append(events, e) }, nil)
	require.NoError(t, err)
	assert.Equal(t, "4", result.FinalContent)

	assert.Equal(t, "you are terse", client.lastReq.Messages[0].Content)
	assert.Equal(t, "system", client.lastReq.Messages[0].Role)

	list, err := mgr.GetLLMMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, agent.MessageAssistant, list[1].Type)
	assert.Equal(t, "4", list[1].Content)
}

func TestRunThreadPersistsCompletedToolCall(t *testing.T) {
	store := newStore()
	mgr := thread.New(store)
	ctx := context.Background()

	_, err := mgr.AddMessage(ctx, "t1", agent.MessageUser, "run the tool", true, nil)
	require.NoError(t, err)

	client := &fakeClient{streamer: &fakeStreamer{chunks: []llm.Chunk{
		{Type: llm.ChunkTypeText, TextDelta: `<invoke name="echo"><parameter name="msg">hi</parameter></invoke>`},
		{Type: llm.ChunkTypeStop},
	}}}

	registry := toolregistry.New()
	require.NoError(t, registry.RegisterBuiltin(toolregistry.Spec{
		Name:        "echo",
		Description: "echoes its input",
	}, func(ctx context.Context, args json.RawMessage) (json.RawMessage, bool, error) {
		return json.RawMessage(`"hi"`), true, nil
	}))

	_, err = mgr.RunThread(ctx, thread.RunRequest{
		ThreadID:     "t1",
		SystemPrompt: "sys",
		Model:        "claude-sonnet",
		Client:       client,
		Registry:     registry,
		RunID:        "run1",
		ProcessorConfig: processor.Config{
			XMLToolCalling: true,
			ExecuteTools:   true,
		},
	}, func(agent.Event) {}, nil)
	require.NoError(t, err)

	raw, err := store.List(ctx, "t1")
	require.NoError(t, err)
	var sawTool bool
	for _, m := range raw {
		if m.Type == agent.MessageTool {
			sawTool = true
		}
	}
	assert.True(t, sawTool, "a completed tool call must be persisted as a tool message")
}
