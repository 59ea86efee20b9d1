package history

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/reactor/pkg/llm"
)

// fakeClient answers every Send with a fixed response or error
type fakeClient struct {
	response *llm.Response
	err      error
	calls    int
}

func (f *fakeClient) Send(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts llm.Options) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeClient) SendStream(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts llm.Options) (llm.Stream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Close() error { return nil }

// memStore is an in-memory Store for tests
type memStore struct {
	messages   []StoredMessage
	checkpoint *Checkpoint
}

func (s *memStore) SaveMessage(msg StoredMessage) error {
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memStore) LoadMessages() ([]StoredMessage, error) { return s.messages, nil }

func (s *memStore) ClearMessages() error {
	s.messages = nil
	return nil
}

func (s *memStore) DeleteOldMessages(keepLimit int) error {
	var summaries []StoredMessage
	var raw []StoredMessage
	for _, m := range s.messages {
		if m.IsSummary {
			summaries = append(summaries, m)
		} else {
			raw = append(raw, m)
		}
	}
	if len(raw) > keepLimit {
		raw = raw[len(raw)-keepLimit:]
	}
	s.messages = append(summaries, raw...)
	return nil
}

func (s *memStore) SaveCheckpoint(cp Checkpoint) error {
	s.checkpoint = &cp
	return nil
}

func (s *memStore) LoadCheckpoint() (*Checkpoint, error) { return s.checkpoint, nil }

func (s *memStore) ClearCheckpoint() error {
	s.checkpoint = nil
	return nil
}

func userMsg(i int) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("message %d", i)}
}

func TestAddMessage_CollapsesAtLimit(t *testing.T) {
	client := &fakeClient{response: &llm.Response{Content: "the summary"}}
	m := New(Config{ShortTermLimit: 3, LongTermLimit: 2, Client: client})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AddMessage(ctx, userMsg(i)))
	}
	assert.Equal(t, 3, m.ShortTermLen())
	assert.Equal(t, 0, m.LongTermLen())

	// One past the limit collapses the whole window
	require.NoError(t, m.AddMessage(ctx, userMsg(3)))
	assert.Equal(t, 0, m.ShortTermLen())
	assert.Equal(t, 1, m.LongTermLen())
	assert.Equal(t, 1, client.calls)

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "the summary", msgs[0].Content)
}

func TestAddMessage_ShortTermNeverExceedsLimit(t *testing.T) {
	client := &fakeClient{response: &llm.Response{Content: "s"}}
	m := New(Config{ShortTermLimit: 4, LongTermLimit: 3, Client: client})

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, m.AddMessage(ctx, userMsg(i)))
		assert.LessOrEqual(t, m.ShortTermLen(), 4)
		assert.LessOrEqual(t, m.LongTermLen(), 3)
		assert.Len(t, m.Messages(), m.ShortTermLen()+m.LongTermLen())
	}
}

func TestSummarizationFailureFallsBack(t *testing.T) {
	client := &fakeClient{err: errors.New("model down")}
	m := New(Config{ShortTermLimit: 2, LongTermLimit: 2, Client: client})

	ctx := context.Background()
	require.NoError(t, m.AddMessage(ctx, llm.Message{Role: llm.RoleUser, Content: "quarterly report"}))
	require.NoError(t, m.AddMessage(ctx, userMsg(1)))
	require.NoError(t, m.AddMessage(ctx, userMsg(2)))

	assert.Equal(t, 1, m.LongTermLen())
	summary := m.Messages()[0]
	assert.Contains(t, summary.Content, "quarterly report")
}

func TestAddMessage_DropsEmptyMessages(t *testing.T) {
	m := New(Config{ShortTermLimit: 3})
	ctx := context.Background()

	require.NoError(t, m.AddMessage(ctx, llm.Message{Role: llm.RoleAssistant}))
	assert.Equal(t, 0, m.ShortTermLen())

	// Empty content with tool metadata still counts
	require.NoError(t, m.AddMessage(ctx, llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: "t", Arguments: "{}"}},
	}))
	require.NoError(t, m.AddMessage(ctx, llm.Message{Role: llm.RoleTool, ToolCallID: "c1"}))
	assert.Equal(t, 2, m.ShortTermLen())
}

func TestMessages_OrderAndCaching(t *testing.T) {
	client := &fakeClient{response: &llm.Response{Content: "old stuff"}}
	m := New(Config{ShortTermLimit: 2, LongTermLimit: 2, Client: client})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AddMessage(ctx, userMsg(i)))
	}
	require.NoError(t, m.AddMessage(ctx, llm.Message{Role: llm.RoleUser, Content: "recent"}))

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "old stuff", msgs[0].Content)
	assert.Equal(t, "recent", msgs[1].Content)

	// Unchanged state returns the same cached slice
	again := m.Messages()
	assert.Same(t, &msgs[0], &again[0])
}

func TestLongTermEvictsOldest(t *testing.T) {
	client := &fakeClient{response: &llm.Response{Content: "s"}}
	m := New(Config{ShortTermLimit: 1, LongTermLimit: 2, Client: client})

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, m.AddMessage(ctx, userMsg(i)))
	}
	assert.Equal(t, 2, m.LongTermLen())
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := &memStore{}
	client := &fakeClient{response: &llm.Response{Content: "summary one"}}
	m := New(Config{ShortTermLimit: 2, LongTermLimit: 2, Client: client, Store: store})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AddMessage(ctx, userMsg(i)))
	}
	require.NoError(t, m.AddMessage(ctx, llm.Message{Role: llm.RoleUser, Content: "latest"}))

	// Store holds the summary plus the raw rows since collapse
	hydrated := New(Config{ShortTermLimit: 2, LongTermLimit: 2, Store: store})
	require.NoError(t, hydrated.Init())

	assert.Equal(t, 1, hydrated.LongTermLen())
	assert.Equal(t, 1, hydrated.ShortTermLen())
	msgs := hydrated.Messages()
	assert.Equal(t, "summary one", msgs[0].Content)
	assert.Equal(t, "latest", msgs[1].Content)
}

func TestClear(t *testing.T) {
	store := &memStore{}
	m := New(Config{ShortTermLimit: 5, Store: store})

	ctx := context.Background()
	require.NoError(t, m.AddMessage(ctx, userMsg(1)))
	require.NoError(t, m.Clear())

	assert.Equal(t, 0, m.ShortTermLen())
	assert.Empty(t, store.messages)
	assert.Empty(t, m.Messages())
}

func TestCheckpointPassThrough(t *testing.T) {
	store := &memStore{}
	m := New(Config{Store: store})

	cp := Checkpoint{RunID: "r1", IsRunning: true, CurrentStep: "sending request", Iteration: 2}
	require.NoError(t, m.SaveCheckpoint(cp))

	loaded, err := m.LoadCheckpoint()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 2, loaded.Iteration)

	require.NoError(t, m.ClearCheckpoint())
	loaded, err = m.LoadCheckpoint()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestCheckpointWithoutStore(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.SaveCheckpoint(Checkpoint{RunID: "r"}))
	cp, err := m.LoadCheckpoint()
	require.NoError(t, err)
	assert.Nil(t, cp)
}
