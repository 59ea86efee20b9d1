package history

import (
	"time"

	"github.com/harun/reactor/pkg/llm"
)

// StoredMessage is one persisted conversation row
type StoredMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	IsSummary  bool           `json:"is_summary"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
}

// Checkpoint is a durable snapshot of in-progress run state, written at
// tool-execution and streaming-turn boundaries so a run can resume
// after process death
type Checkpoint struct {
	RunID       string    `json:"run_id"`
	IsRunning   bool      `json:"is_running"`
	CurrentStep string    `json:"current_step"`
	Iteration   int       `json:"iteration"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the persistence collaborator. The Manager and the agent loop
// are its only callers.
type Store interface {
	SaveMessage(msg StoredMessage) error
	LoadMessages() ([]StoredMessage, error)
	ClearMessages() error

	// DeleteOldMessages prunes non-summary rows, keeping the newest
	// keepLimit of them
	DeleteOldMessages(keepLimit int) error

	SaveCheckpoint(cp Checkpoint) error
	LoadCheckpoint() (*Checkpoint, error)
	ClearCheckpoint() error
}
