package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harun/reactor/internal/metrics"
)

// Client is the canonical interface every protocol adapter implements.
// The agent loop contains no vendor-specific branches; all translation
// happens behind this contract.
type Client interface {
	// Send performs one blocking model call
	Send(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Response, error)

	// SendStream performs one streaming model call. The returned stream
	// is lazy, single-pass and non-restartable.
	SendStream(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (Stream, error)

	// Close releases transport resources held by the client
	Close() error
}

// Stream yields canonical chunks from an in-flight streamed turn.
// Recv returns io.EOF after the final chunk. Closing mid-stream
// discards buffered partial results.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Config selects and configures a protocol adapter
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string

	// HTTPClient overrides the pooled default transport, mainly for tests
	HTTPClient *http.Client

	// Metrics is optional; when set, calls and retries are counted per
	// provider
	Metrics *metrics.Metrics
}

// New creates the adapter for cfg.Provider
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "gemini":
		return NewGemini(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

func httpClientOrDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{}
}
