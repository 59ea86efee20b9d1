package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI is the pass-through adapter: the canonical shapes map almost
// 1:1 onto the chat completions wire format.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
	policy  retryPolicy
}

// NewOpenAI creates the OpenAI-compatible adapter
func NewOpenAI(cfg Config) *OpenAI {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  httpClientOrDefault(cfg.HTTPClient),
		policy:  retryPolicy{provider: "openai", retryStatus: retryOn429, metrics: cfg.Metrics},
	}
}

type openaiToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiToolCallFunc `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type openaiRequest struct {
	Model         string          `json:"model"`
	Messages      []openaiMessage `json:"messages"`
	Tools         []openaiTool    `json:"tools,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	TopP          float64         `json:"top_p,omitempty"`
	Stop          []string        `json:"stop,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiUsage `json:"usage"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta        openaiMessage `json:"delta"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

func (o *OpenAI) buildRequest(messages []Message, tools []ToolDefinition, opts Options, stream bool) openaiRequest {
	req := openaiRequest{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}

	for _, msg := range messages {
		om := openaiMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolCallFunc{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		req.Messages = append(req.Messages, om)
	}

	for _, tool := range tools {
		var ot openaiTool
		ot.Type = "function"
		ot.Function.Name = tool.Name
		ot.Function.Description = tool.Description
		ot.Function.Parameters = tool.Parameters
		req.Tools = append(req.Tools, ot)
	}

	return req
}

func (o *OpenAI) post(ctx context.Context, body []byte) (*http.Response, error) {
	return o.policy.execute(ctx, o.client, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		return req, nil
	})
}

// Send performs one blocking chat completion call
func (o *OpenAI) Send(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Response, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	body, err := json.Marshal(o.buildRequest(messages, tools, opts, false))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := o.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	choice := wire.Choices[0]
	result := &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return result, nil
}

// SendStream performs one streaming chat completion call
func (o *OpenAI) SendStream(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (Stream, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	body, err := json.Marshal(o.buildRequest(messages, tools, opts, true))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := o.post(ctx, body)
	if err != nil {
		return nil, err
	}

	return &openaiStream{
		ctx:     ctx,
		body:    resp.Body,
		scanner: newSSEScanner(resp.Body),
		calls:   make(map[int]*ToolCall),
	}, nil
}

// Close releases pooled transport connections
func (o *OpenAI) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

// openaiStream translates the data-framed SSE stream. Tool-call deltas
// arrive incrementally indexed by position and are concatenated here;
// the assembled batch is emitted on the final chunk.
type openaiStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *sseScanner

	calls        map[int]*ToolCall
	finishReason string
	usage        Usage
	done         bool
}

func (s *openaiStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for {
		// Stop consuming the byte stream as soon as cancellation is
		// observed; buffered partial results are discarded.
		if s.ctx.Err() != nil {
			s.Close()
			return Chunk{}, ErrCancelled
		}

		ev, err := s.scanner.Next()
		if err == io.EOF {
			return s.finish()
		}
		if err != nil {
			if s.ctx.Err() != nil {
				s.Close()
				return Chunk{}, ErrCancelled
			}
			s.Close()
			return Chunk{}, &TransportError{Provider: "openai", Err: err}
		}

		if ev.Data == "[DONE]" {
			return s.finish()
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			log.Warn().Str("provider", "openai").Err(err).Msg("Dropping malformed stream frame")
			continue
		}

		if chunk.Usage != nil {
			s.usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := s.calls[idx]
			if !ok {
				call = &ToolCall{}
				s.calls[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}

		if choice.Delta.Content != "" {
			return Chunk{TextDelta: choice.Delta.Content}, nil
		}
	}
}

// finish emits the terminal chunk with the assembled tool-call batch
func (s *openaiStream) finish() (Chunk, error) {
	s.done = true
	s.body.Close()

	chunk := Chunk{
		FinishReason: s.finishReason,
		Usage:        s.usage,
		Final:        true,
	}

	indices := make([]int, 0, len(s.calls))
	for idx := range s.calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		chunk.ToolCalls = append(chunk.ToolCalls, *s.calls[idx])
	}

	return chunk, nil
}

func (s *openaiStream) Close() error {
	s.done = true
	return s.body.Close()
}
