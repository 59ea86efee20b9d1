package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// Gemini adapts the canonical shapes onto the generateContent API.
// The provider does not assign tool-call ids, so the adapter
// synthesizes them and recovers the original function name when a
// tool result is sent back.
type Gemini struct {
	apiKey  string
	baseURL string
	client  *http.Client
	policy  retryPolicy
}

// NewGemini creates the Gemini adapter
func NewGemini(cfg Config) *Gemini {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  httpClientOrDefault(cfg.HTTPClient),
		policy:  retryPolicy{provider: "gemini", retryStatus: retryOn429And5xx, metrics: cfg.Metrics},
	}
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature     float64  `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

func (g *Gemini) buildRequest(messages []Message, tools []ToolDefinition, opts Options) geminiRequest {
	var req geminiRequest

	var system []string
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)

		case RoleAssistant:
			var parts []geminiPart
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]interface{}
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]interface{}{}
				}
				parts = append(parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args},
				})
			}
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: parts})

		case RoleTool:
			// The wire format keys results by function name, not call
			// id; recover the name from the originating call.
			req.Contents = append(req.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     functionNameForCall(messages, msg.ToolCallID),
						Response: map[string]interface{}{"result": msg.Content},
					},
				}},
			})

		default:
			req.Contents = append(req.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}

	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}},
		}
	}

	if len(tools) > 0 {
		var gt geminiTool
		for _, tool := range tools {
			gt.FunctionDeclarations = append(gt.FunctionDeclarations, struct {
				Name        string                 `json:"name"`
				Description string                 `json:"description"`
				Parameters  map[string]interface{} `json:"parameters,omitempty"`
			}{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		req.Tools = []geminiTool{gt}
	}

	if opts.Temperature != 0 || opts.MaxTokens != 0 || opts.TopP != 0 || len(opts.Stop) > 0 {
		req.GenerationConfig = &geminiGenerationConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
			TopP:            opts.TopP,
			StopSequences:   opts.Stop,
		}
	}

	return req
}

// functionNameForCall scans earlier assistant messages for the tool
// call with the given synthesized id and returns its function name
func functionNameForCall(messages []Message, callID string) string {
	for _, msg := range messages {
		if msg.Role != RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if tc.ID == callID {
				return tc.Name
			}
		}
	}
	return callID
}

// mapGeminiFinishReason normalizes the provider's enum-style reasons
func mapGeminiFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return FinishToolCalls
	}
	switch reason {
	case "STOP":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

func (g *Gemini) post(ctx context.Context, model, verb, query string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:%s%s", g.baseURL, model, verb, query)
	return g.policy.execute(ctx, g.client, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", g.apiKey)
		return req, nil
	})
}

// Send performs one blocking generateContent call
func (g *Gemini) Send(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*Response, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	body, err := json.Marshal(g.buildRequest(messages, tools, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := g.post(ctx, opts.Model, "generateContent", "", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("response contained no candidates")
	}

	candidate := wire.Candidates[0]
	result := &Response{}
	if wire.UsageMetadata != nil {
		result.Usage = Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			result.ToolCalls = append(result.ToolCalls, synthesizeToolCall(part.FunctionCall))
		}
	}
	result.Content = text.String()
	result.FinishReason = mapGeminiFinishReason(candidate.FinishReason, len(result.ToolCalls) > 0)

	return result, nil
}

// synthesizeToolCall assigns a generated id because the provider does
// not supply one
func synthesizeToolCall(fc *geminiFunctionCall) ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	return ToolCall{
		ID:        uuid.New().String(),
		Name:      fc.Name,
		Arguments: string(args),
	}
}

// SendStream performs one streaming generateContent call
func (g *Gemini) SendStream(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (Stream, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	body, err := json.Marshal(g.buildRequest(messages, tools, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := g.post(ctx, opts.Model, "streamGenerateContent", "?alt=sse", body)
	if err != nil {
		return nil, err
	}

	return &geminiStream{
		ctx:     ctx,
		body:    resp.Body,
		scanner: newSSEScanner(resp.Body),
	}, nil
}

// Close releases pooled transport connections
func (g *Gemini) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

// geminiStream translates one SSE frame per candidate update. Frames
// carry full parts, not deltas; text is still surfaced incrementally
// and function calls are gathered for the final chunk. A frame with
// usage metadata and no candidates yields a usage-only chunk.
type geminiStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *sseScanner

	calls        []ToolCall
	finishReason string
	usage        Usage
	done         bool
}

func (s *geminiStream) Recv() (Chunk, error) {
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
			return Chunk{}, &TransportError{Provider: "gemini", Err: err}
		}

		var frame geminiResponse
		if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
			log.Warn().Str("provider", "gemini").Err(err).Msg("Skipping non-JSON stream frame")
			continue
		}

		if frame.UsageMetadata != nil {
			s.usage = Usage{
				PromptTokens:     frame.UsageMetadata.PromptTokenCount,
				CompletionTokens: frame.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      frame.UsageMetadata.TotalTokenCount,
			}
			if len(frame.Candidates) == 0 {
				return Chunk{Usage: s.usage}, nil
			}
		}
		if len(frame.Candidates) == 0 {
			continue
		}

		candidate := frame.Candidates[0]
		if candidate.FinishReason != "" {
			s.finishReason = candidate.FinishReason
		}

		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				s.calls = append(s.calls, synthesizeToolCall(part.FunctionCall))
			}
		}
		if text.Len() > 0 {
			return Chunk{TextDelta: text.String()}, nil
		}
	}
}

func (s *geminiStream) finish() (Chunk, error) {
	s.done = true
	s.body.Close()

	return Chunk{
		ToolCalls:    s.calls,
		FinishReason: mapGeminiFinishReason(s.finishReason, len(s.calls) > 0),
		Usage:        s.usage,
		Final:        true,
	}, nil
}

func (s *geminiStream) Close() error {
	s.done = true
	return s.body.Close()
}
