package toolexecutor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echoes the message back",
		Parameters: []ToolParameter{
			{Name: "message", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			msg, _ := params["message"].(string)
			return msg, nil
		},
	}
}

func TestRegisterTool(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	assert.NotNil(t, te.GetTool("echo"))
	assert.Equal(t, []string{"echo"}, te.ListTools())
}

func TestRegisterTool_Invalid(t *testing.T) {
	te := New()

	def := echoTool()
	def.Handler = nil
	assert.Error(t, te.RegisterTool(def))

	def = echoTool()
	def.Name = ""
	assert.Error(t, te.RegisterTool(def))

	def = echoTool()
	def.Parameters[0].Type = "tuple"
	assert.Error(t, te.RegisterTool(def))
}

func TestExecute(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	result := te.Execute(context.Background(), "echo", map[string]interface{}{"message": "hi"})
	assert.True(t, result.Success)
	assert.Equal(t, "hi", result.Output)
}

func TestExecute_UnknownTool(t *testing.T) {
	te := New()

	result := te.Execute(context.Background(), "nope", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tool not found")
}

func TestExecute_ValidationFailure(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	result := te.Execute(context.Background(), "echo", map[string]interface{}{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "validation")
}

func TestExecute_HandlerError(t *testing.T) {
	te := New()
	def := echoTool()
	def.Name = "fails"
	def.Parameters = nil
	def.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		return "", errors.New("boom")
	}
	require.NoError(t, te.RegisterTool(def))

	result := te.Execute(context.Background(), "fails", map[string]interface{}{})
	assert.False(t, result.Success)
	assert.Equal(t, "boom", result.Error)
}

func TestExecute_PanicRecovered(t *testing.T) {
	te := New()
	def := echoTool()
	def.Name = "panics"
	def.Parameters = nil
	def.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		panic("oh no")
	}
	require.NoError(t, te.RegisterTool(def))

	result := te.Execute(context.Background(), "panics", map[string]interface{}{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "panicked")
}

func TestExecute_Timeout(t *testing.T) {
	te := New()
	def := echoTool()
	def.Name = "slow"
	def.Parameters = nil
	def.Timeout = 50 * time.Millisecond
	def.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	}
	require.NoError(t, te.RegisterTool(def))

	result := te.Execute(context.Background(), "slow", map[string]interface{}{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timeout")
}

func TestExecute_CancelledRunIsNotATimeout(t *testing.T) {
	te := New()
	def := echoTool()
	def.Name = "slow"
	def.Parameters = nil
	def.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		time.Sleep(5 * time.Second)
		return "late", nil
	}
	require.NoError(t, te.RegisterTool(def))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := te.Execute(ctx, "slow", map[string]interface{}{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "cancelled")
	assert.NotContains(t, result.Error, "timeout")
}

func TestNeedsConfirmation(t *testing.T) {
	te := New()

	executed := false
	def := echoTool()
	def.Name = "delete_everything"
	def.Parameters = nil
	def.Confirm = AlwaysConfirm
	def.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		executed = true
		return "done", nil
	}
	require.NoError(t, te.RegisterTool(def))

	// No affirmative flag: must not execute
	assert.True(t, te.NeedsConfirmation("delete_everything", map[string]interface{}{}))
	assert.False(t, executed)

	// Explicit confirmation lets the call through
	assert.False(t, te.NeedsConfirmation("delete_everything", map[string]interface{}{"confirmed": true}))
}

func TestNeedsConfirmation_ArgumentDependentPolicy(t *testing.T) {
	te := New()

	def := echoTool()
	def.Name = "remove"
	def.Parameters = nil
	def.Confirm = func(params map[string]interface{}) bool {
		count, _ := params["count"].(float64)
		return count > 10
	}
	require.NoError(t, te.RegisterTool(def))

	assert.False(t, te.NeedsConfirmation("remove", map[string]interface{}{"count": float64(2)}))
	assert.True(t, te.NeedsConfirmation("remove", map[string]interface{}{"count": float64(50)}))
}

func TestNeedsConfirmation_UnknownOrUnpoliced(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	assert.False(t, te.NeedsConfirmation("echo", map[string]interface{}{}))
	assert.False(t, te.NeedsConfirmation("missing", map[string]interface{}{}))
}

func TestDefinitions(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	defs := te.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, "object", defs[0].Parameters["type"])

	props, ok := defs[0].Parameters["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "message")
	assert.Equal(t, []string{"message"}, defs[0].Parameters["required"])
}
