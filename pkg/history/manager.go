package history

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/harun/reactor/internal/metrics"
	"github.com/harun/reactor/pkg/llm"
)

const (
	// DefaultShortTermLimit bounds the recent-message window
	DefaultShortTermLimit = 10

	// DefaultLongTermLimit bounds the compacted-summary list
	DefaultLongTermLimit = 5

	summarizeInstruction = "Summarize the conversation so far in a few sentences. " +
		"Preserve user goals, decisions made, and any facts needed to continue the conversation."
)

// Config configures a Manager
type Config struct {
	ShortTermLimit int
	LongTermLimit  int

	// Client performs the summarization call when short-term overflows
	Client llm.Client
	Model  string

	// Store is optional; without it the history is in-memory only
	Store Store

	// Metrics is optional
	Metrics *metrics.Metrics
}

// Manager holds conversational memory in two ordered collections:
// short-term (recent messages) and long-term (compacted summaries).
// When short-term exceeds its limit the whole window is collapsed into
// one summary appended to long-term.
type Manager struct {
	mu sync.Mutex

	shortTermLimit int
	longTermLimit  int
	client         llm.Client
	model          string
	store          Store
	metrics        *metrics.Metrics

	shortTerm []llm.Message
	longTerm  []llm.Message

	cached []llm.Message
	dirty  bool
}

// New creates a memory manager
func New(cfg Config) *Manager {
	if cfg.ShortTermLimit <= 0 {
		cfg.ShortTermLimit = DefaultShortTermLimit
	}
	if cfg.LongTermLimit <= 0 {
		cfg.LongTermLimit = DefaultLongTermLimit
	}
	return &Manager{
		shortTermLimit: cfg.ShortTermLimit,
		longTermLimit:  cfg.LongTermLimit,
		client:         cfg.Client,
		model:          cfg.Model,
		store:          cfg.Store,
		metrics:        cfg.Metrics,
		dirty:          true,
	}
}

// Init hydrates both collections from persisted storage
func (m *Manager) Init() error {
	if m.store == nil {
		return nil
	}

	rows, err := m.store.LoadMessages()
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.shortTerm = nil
	m.longTerm = nil
	for _, row := range rows {
		msg := llm.Message{
			Role:       row.Role,
			Content:    row.Content,
			ToolCalls:  row.ToolCalls,
			ToolCallID: row.ToolCallID,
		}
		if row.IsSummary {
			m.longTerm = append(m.longTerm, msg)
		} else {
			m.shortTerm = append(m.shortTerm, msg)
		}
	}

	// Enforce limits on hydrated state, newest entries win
	if len(m.longTerm) > m.longTermLimit {
		m.longTerm = m.longTerm[len(m.longTerm)-m.longTermLimit:]
	}
	if len(m.shortTerm) > m.shortTermLimit {
		m.shortTerm = m.shortTerm[len(m.shortTerm)-m.shortTermLimit:]
	}
	m.dirty = true

	log.Info().
		Int("short_term", len(m.shortTerm)).
		Int("long_term", len(m.longTerm)).
		Msg("History hydrated from store")

	return nil
}

// AddMessage appends to short-term, persists, and collapses the window
// into a summary when the limit is exceeded. A message with empty
// content and neither tool calls nor a tool-call id carries no
// information and is dropped.
func (m *Manager) AddMessage(ctx context.Context, msg llm.Message) error {
	if msg.Content == "" && len(msg.ToolCalls) == 0 && msg.ToolCallID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.shortTerm = append(m.shortTerm, msg)
	m.dirty = true

	if m.store != nil {
		if err := m.store.SaveMessage(StoredMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			ToolCalls:  msg.ToolCalls,
		}); err != nil {
			return fmt.Errorf("failed to persist message: %w", err)
		}
	}

	if len(m.shortTerm) > m.shortTermLimit {
		if err := m.summarizeLocked(ctx); err != nil {
			return err
		}
	}

	return nil
}

// summarizeLocked collapses the entire short-term window into one
// long-term summary. Callers hold m.mu.
func (m *Manager) summarizeLocked(ctx context.Context) error {
	summary := m.summarize(ctx, m.shortTerm)

	summaryMsg := llm.Message{Role: llm.RoleSystem, Content: summary}
	m.longTerm = append(m.longTerm, summaryMsg)
	if len(m.longTerm) > m.longTermLimit {
		m.longTerm = m.longTerm[len(m.longTerm)-m.longTermLimit:]
	}
	m.shortTerm = m.shortTerm[:0]
	m.dirty = true

	if m.store != nil {
		if err := m.store.SaveMessage(StoredMessage{
			Role:      llm.RoleSystem,
			Content:   summary,
			IsSummary: true,
		}); err != nil {
			return fmt.Errorf("failed to persist summary: %w", err)
		}
		// The raw rows are now represented by the summary
		if err := m.store.DeleteOldMessages(0); err != nil {
			return fmt.Errorf("failed to prune summarized messages: %w", err)
		}
	}

	if m.metrics != nil {
		m.metrics.SummarizationsTotal.Inc()
	}
	log.Debug().Int("long_term", len(m.longTerm)).Msg("Short-term history collapsed into summary")

	return nil
}

// summarize asks the model to compact the window; a failed call falls
// back to a generic templated summary rather than losing the turn
func (m *Manager) summarize(ctx context.Context, window []llm.Message) string {
	if m.client != nil {
		messages := make([]llm.Message, 0, len(window)+1)
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: summarizeInstruction})
		messages = append(messages, window...)

		resp, err := m.client.Send(ctx, messages, nil, llm.Options{Model: m.model})
		if err == nil && resp.Content != "" {
			return resp.Content
		}
		if err != nil {
			log.Warn().Err(err).Msg("Summarization call failed, using fallback summary")
		}
	}

	return fallbackSummary(window)
}

func fallbackSummary(window []llm.Message) string {
	var topics []string
	for _, msg := range window {
		if msg.Role == llm.RoleUser && msg.Content != "" {
			line := msg.Content
			if len(line) > 80 {
				line = line[:80]
			}
			topics = append(topics, line)
		}
	}
	if len(topics) == 0 {
		return fmt.Sprintf("Earlier conversation of %d messages (details unavailable).", len(window))
	}
	return fmt.Sprintf("Earlier conversation of %d messages. The user asked about: %s",
		len(window), strings.Join(topics, "; "))
}

// Messages returns long-term followed by short-term. The slice is
// cached until the next mutation; callers must not modify it.
func (m *Manager) Messages() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dirty {
		m.cached = make([]llm.Message, 0, len(m.longTerm)+len(m.shortTerm))
		m.cached = append(m.cached, m.longTerm...)
		m.cached = append(m.cached, m.shortTerm...)
		m.dirty = false
	}

	return m.cached
}

// ShortTermLen returns the current short-term window size
func (m *Manager) ShortTermLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shortTerm)
}

// LongTermLen returns the current number of summaries
func (m *Manager) LongTermLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.longTerm)
}

// Clear wipes both collections and the store
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shortTerm = nil
	m.longTerm = nil
	m.dirty = true

	if m.store != nil {
		if err := m.store.ClearMessages(); err != nil {
			return fmt.Errorf("failed to clear store: %w", err)
		}
	}

	return nil
}

// SaveCheckpoint persists run state through the configured store
func (m *Manager) SaveCheckpoint(cp Checkpoint) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveCheckpoint(cp)
}

// LoadCheckpoint returns the persisted run state, or nil
func (m *Manager) LoadCheckpoint() (*Checkpoint, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.LoadCheckpoint()
}

// ClearCheckpoint removes the persisted run state
func (m *Manager) ClearCheckpoint() error {
	if m.store == nil {
		return nil
	}
	return m.store.ClearCheckpoint()
}
