package agent

import (
	"errors"
	"fmt"

	"github.com/harun/reactor/pkg/llm"
)

// ErrCancelled is the cooperative-abort error; it is always terminal
// and triggers checkpoint cleanup
var ErrCancelled = llm.ErrCancelled

// ErrPromptTooLarge rejects oversized prompts before any network call
var ErrPromptTooLarge = errors.New("prompt exceeds maximum length")

// ErrNoCheckpoint means resume was requested with nothing to resume
var ErrNoCheckpoint = errors.New("no checkpoint to resume from")

// IterationLimitError is returned when the loop cap is exhausted while
// the model keeps requesting tools
type IterationLimitError struct {
	Limit int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("iteration limit exceeded: %d", e.Limit)
}
