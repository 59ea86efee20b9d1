package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// The Messages API requires max_tokens; applied when the caller
	// did not set one.
	anthropicDefaultMaxTokens = 4096
)

// Anthropic adapts the canonical shapes onto the Messages API: the
// system prompt is hoisted to a top-level field, tool calls become
// tool_use content blocks, and tool results become tool_result blocks
// inside a synthetic user message.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
	policy  retryPolicy
}

// NewAnthropic creates the Anthropic adapter
func NewAnthropic(cfg Config) *Anthropic {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &Anthropic{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  httpClientOrDefault(cfg.HTTPClient),
		policy:  retryPolicy{provider: "anthropic", retryStatus: retryOn429And5xx, metrics: cfg.Metrics},
	}
}

type anthropicContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Temperature   float64            `json:"temperature,omitempty"`
	TopP          float64            `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

func (a *Anthropic) buildRequest(messages []Message, tools []ToolDefinition, opts Options, stream bool) anthropicRequest {
	req := anthropicRequest{
		Model:         opts.Model,
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		StopSequences: opts.Stop,
		Stream:        stream,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = anthropicDefaultMaxTokens
	}

	var system []string
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)

		case RoleAssistant:
			var blocks []anthropicContentBlock
			if msg.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: argumentsAsJSON(tc.Arguments),
				})
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: blocks})

		case RoleTool:
			req.Messages = append(req.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		default:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}
	req.System = strings.Join(system, "\n\n")

	for _, tool := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	return req
}

// argumentsAsJSON passes valid JSON through untouched and substitutes
// an empty object for model output that fails to parse
func argumentsAsJSON(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) && strings.TrimSpace(raw) != "" {
		return json.RawMessage(raw)
	}
	return json.RawMessage("{}")
}

// mapAnthropicStopReason converts tool_use to the canonical tool-call
// finish reason; every other stop reason passes through unchanged
func mapAnthropicStopReason(reason string) string {
	if reason == "tool_use" {
		return FinishToolCalls
	}
	return reason
}

func (a *Anthropic) post(ctx context.Context, body []byte) (*http.Response, error) {
	return a.policy.execute(ctx, a.client, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
		return req, nil
	})
}

// Send performs one blocking Messages API call
func (a *Anthropic) Send(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Response, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	body, err := json.Marshal(a.buildRequest(messages, tools, opts, false))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	result := &Response{
		FinishReason: mapAnthropicStopReason(wire.StopReason),
		Usage: Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	result.Content = text.String()

	return result, nil
}

// SendStream performs one streaming Messages API call
func (a *Anthropic) SendStream(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (Stream, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	body, err := json.Marshal(a.buildRequest(messages, tools, opts, true))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}

	return &anthropicStream{
		ctx:     ctx,
		body:    resp.Body,
		scanner: newSSEScanner(resp.Body),
		blocks:  make(map[int]*anthropicBlockState),
	}, nil
}

// Close releases pooled transport connections
func (a *Anthropic) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// anthropicBlockState accumulates one content block across stream
// events. Tool-argument JSON arrives as partial fragments keyed by
// block index and is only parsed at message_stop.
type anthropicBlockState struct {
	typ      string
	toolID   string
	toolName string
	input    strings.Builder
}

type anthropicStreamEvent struct {
	Type string `json:"type"`

	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`

	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage anthropicUsage `json:"usage"`
}

// anthropicStream runs the typed SSE event machine: text deltas are
// surfaced immediately, tool_use input fragments are buffered per block
// and emitted once on the final chunk.
type anthropicStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *sseScanner

	blocks     map[int]*anthropicBlockState
	stopReason string
	usage      Usage
	done       bool
}

func (s *anthropicStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for {
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
			return Chunk{}, &TransportError{Provider: "anthropic", Err: err}
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			log.Warn().Str("provider", "anthropic").Err(err).Msg("Dropping malformed stream event")
			continue
		}

		switch event.Type {
		case "message_start":
			s.usage.PromptTokens = event.Message.Usage.InputTokens

		case "content_block_start":
			s.blocks[event.Index] = &anthropicBlockState{
				typ:      event.ContentBlock.Type,
				toolID:   event.ContentBlock.ID,
				toolName: event.ContentBlock.Name,
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				return Chunk{TextDelta: event.Delta.Text}, nil
			case "input_json_delta":
				if block, ok := s.blocks[event.Index]; ok {
					block.input.WriteString(event.Delta.PartialJSON)
				}
			}

		case "message_delta":
			if event.Delta.StopReason != "" {
				s.stopReason = event.Delta.StopReason
			}
			s.usage.CompletionTokens = event.Usage.OutputTokens

		case "message_stop":
			return s.finish()
		}
	}
}

// finish parses the buffered tool inputs and emits the terminal chunk
func (s *anthropicStream) finish() (Chunk, error) {
	s.done = true
	s.body.Close()

	s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
	chunk := Chunk{
		FinishReason: mapAnthropicStopReason(s.stopReason),
		Usage:        s.usage,
		Final:        true,
	}

	indices := make([]int, 0, len(s.blocks))
	for idx := range s.blocks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		block := s.blocks[idx]
		if block.typ != "tool_use" {
			continue
		}
		args := block.input.String()
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCall{
			ID:        block.toolID,
			Name:      block.toolName,
			Arguments: args,
		})
	}

	return chunk, nil
}

func (s *anthropicStream) Close() error {
	s.done = true
	return s.body.Close()
}
