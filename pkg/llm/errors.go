package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled indicates the caller cancelled the operation before or
// during the call
var ErrCancelled = errors.New("operation cancelled")

// TransportError wraps a connection-level failure that survived retries
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitError indicates the provider returned 429 on every attempt
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Attempts   int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited after %d attempts", e.Provider, e.Attempts)
}

// APIError is a non-2xx provider response that was not retried away
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error: status %d: %s", e.Provider, e.Status, e.Body)
}
