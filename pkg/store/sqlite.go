package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/harun/reactor/pkg/history"
	"github.com/harun/reactor/pkg/llm"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	is_summary   INTEGER NOT NULL DEFAULT 0,
	tool_call_id TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	run_id       TEXT NOT NULL,
	is_running   INTEGER NOT NULL,
	current_step TEXT NOT NULL,
	iteration    INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMP NOT NULL
);
`

// SQLite persists conversation history and run checkpoints. It
// implements history.Store.
type SQLite struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Store opened")

	return &SQLite{db: db, path: path}, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveMessage appends one conversation row
func (s *SQLite) SaveMessage(msg history.StoredMessage) error {
	toolCalls := ""
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to encode tool calls: %w", err)
		}
		toolCalls = string(encoded)
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (role, content, is_summary, tool_call_id, tool_calls) VALUES (?, ?, ?, ?, ?)`,
		msg.Role, msg.Content, msg.IsSummary, msg.ToolCallID, toolCalls,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// LoadMessages returns all rows in insertion order
func (s *SQLite) LoadMessages() ([]history.StoredMessage, error) {
	rows, err := s.db.Query(
		`SELECT role, content, is_summary, tool_call_id, tool_calls FROM messages ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []history.StoredMessage
	for rows.Next() {
		var msg history.StoredMessage
		var toolCalls string
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.IsSummary, &msg.ToolCallID, &toolCalls); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				log.Warn().Err(err).Msg("Skipping undecodable tool calls on stored message")
				msg.ToolCalls = []llm.ToolCall{}
			}
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// ClearMessages removes all conversation rows
func (s *SQLite) ClearMessages() error {
	_, err := s.db.Exec(`DELETE FROM messages`)
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

// DeleteOldMessages prunes non-summary rows, keeping the newest
// keepLimit of them. Summaries are never pruned here.
func (s *SQLite) DeleteOldMessages(keepLimit int) error {
	_, err := s.db.Exec(
		`DELETE FROM messages
		 WHERE is_summary = 0
		   AND id NOT IN (
			 SELECT id FROM messages WHERE is_summary = 0 ORDER BY id DESC LIMIT ?
		   )`,
		keepLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to prune messages: %w", err)
	}
	return nil
}

// SaveCheckpoint overwrites the single run-state row
func (s *SQLite) SaveCheckpoint(cp history.Checkpoint) error {
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO checkpoints (id, run_id, is_running, current_step, iteration, error, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.IsRunning, cp.CurrentStep, cp.Iteration, cp.Error, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the persisted run state, or nil when none
// exists
func (s *SQLite) LoadCheckpoint() (*history.Checkpoint, error) {
	var cp history.Checkpoint
	err := s.db.QueryRow(
		`SELECT run_id, is_running, current_step, iteration, error, updated_at FROM checkpoints WHERE id = 1`,
	).Scan(&cp.RunID, &cp.IsRunning, &cp.CurrentStep, &cp.Iteration, &cp.Error, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &cp, nil
}

// ClearCheckpoint removes the run-state row
func (s *SQLite) ClearCheckpoint() error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

// MessageCount returns the number of stored rows
func (s *SQLite) MessageCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
