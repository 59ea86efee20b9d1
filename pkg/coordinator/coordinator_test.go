package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/reactor/pkg/agent"
	"github.com/harun/reactor/pkg/history"
	"github.com/harun/reactor/pkg/llm"
	"github.com/harun/reactor/pkg/toolexecutor"
)

type scriptedClient struct {
	responses    []*llm.Response
	calls        int
	lastMessages []llm.Message
}

func (c *scriptedClient) Send(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts llm.Options) (*llm.Response, error) {
	c.lastMessages = messages
	if c.calls >= len(c.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func (c *scriptedClient) SendStream(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts llm.Options) (llm.Stream, error) {
	return nil, errors.New("not implemented")
}

func (c *scriptedClient) Close() error { return nil }

func newLoop(t *testing.T, name string, client llm.Client, memory *history.Manager) *agent.Loop {
	t.Helper()
	loop, err := agent.New(agent.Config{
		Name:     name,
		Client:   client,
		Executor: toolexecutor.New(),
		Memory:   memory,
	})
	require.NoError(t, err)
	return loop
}

func transferCall(target string) *llm.Response {
	return &llm.Response{
		FinishReason: llm.FinishToolCalls,
		ToolCalls: []llm.ToolCall{{
			ID:        "c1",
			Name:      TransferToolName,
			Arguments: `{"agent": "` + target + `", "reason": "needs a specialist"}`,
		}},
	}
}

func TestNew_InjectsTransferTool(t *testing.T) {
	memory := history.New(history.Config{ShortTermLimit: 50})
	triage := newLoop(t, "triage", &scriptedClient{}, memory)

	c, err := New(triage)
	require.NoError(t, err)

	assert.Equal(t, "triage", c.ActiveAgent())
	assert.NotNil(t, triage.Executor().GetTool(TransferToolName))
}

func TestNew_Validation(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	memory := history.New(history.Config{ShortTermLimit: 50})
	unnamed := newLoop(t, "", &scriptedClient{}, memory)
	_, err = New(unnamed)
	assert.Error(t, err)

	a := newLoop(t, "same", &scriptedClient{}, memory)
	b := newLoop(t, "same", &scriptedClient{}, memory)
	_, err = New(a, b)
	assert.Error(t, err)
}

func TestRun_TransferTakesEffectBetweenTurns(t *testing.T) {
	memory := history.New(history.Config{ShortTermLimit: 50})

	triageClient := &scriptedClient{responses: []*llm.Response{
		transferCall("billing"),
		{Content: "transferring you now", FinishReason: "stop"},
	}}
	billingClient := &scriptedClient{responses: []*llm.Response{
		{Content: "billing here, I can help", FinishReason: "stop"},
	}}

	triage := newLoop(t, "triage", triageClient, memory)
	billing := newLoop(t, "billing", billingClient, memory)

	c, err := New(triage, billing)
	require.NoError(t, err)

	resp, err := c.Run(context.Background(), "I have a billing question")
	require.NoError(t, err)
	assert.Equal(t, "transferring you now", resp.Content)

	// The swap happened after the turn completed
	assert.Equal(t, "billing", c.ActiveAgent())

	handoffs := c.Handoffs()
	require.Len(t, handoffs, 1)
	assert.Equal(t, "triage", handoffs[0].From)
	assert.Equal(t, "billing", handoffs[0].To)
	assert.Equal(t, "needs a specialist", handoffs[0].Reason)
	assert.NotEmpty(t, handoffs[0].ID)

	// The next turn runs on the new agent, which sees prior history
	// through the shared memory
	resp, err = c.Run(context.Background(), "so, about that invoice")
	require.NoError(t, err)
	assert.Equal(t, "billing here, I can help", resp.Content)

	found := false
	for _, msg := range billingClient.lastMessages {
		if msg.Content == "I have a billing question" {
			found = true
		}
	}
	assert.True(t, found, "new agent should see the full prior history")
}

func TestRun_UnknownTargetIsNotFatal(t *testing.T) {
	memory := history.New(history.Config{ShortTermLimit: 50})
	client := &scriptedClient{responses: []*llm.Response{
		transferCall("nonexistent"),
		{Content: "staying put", FinishReason: "stop"},
	}}
	triage := newLoop(t, "triage", client, memory)

	c, err := New(triage)
	require.NoError(t, err)

	resp, err := c.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "staying put", resp.Content)
	assert.Equal(t, "triage", c.ActiveAgent())
	assert.Empty(t, c.Handoffs())

	// The model was told the transfer failed
	failure := false
	for _, msg := range memory.Messages() {
		if msg.Role == llm.RoleTool && msg.Content != "" {
			failure = true
		}
	}
	assert.True(t, failure)
}
