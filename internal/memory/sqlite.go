package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore is a SQLite-backed conversation store.
type SQLiteStore struct {
	db          *sql.DB
	maxMessages int
}

// NewSQLiteStore creates the conversation tables on db if needed.
// maxMessages bounds the history returned by Messages (0 uses
// [DefaultMaxMessages]).
func NewSQLiteStore(db *sql.DB, maxMessages int) (*SQLiteStore, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	store := &SQLiteStore{db: db, maxMessages: maxMessages}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		summary    TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		parts           TEXT,
		tool_calls      TEXT,
		tool_call_id    TEXT,
		tool_name       TEXT,
		timestamp       TEXT NOT NULL,
		cleared_at      TEXT,
		UNIQUE (conversation_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_live ON messages(conversation_id, cleared_at, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append writes msgs to the thread in one transaction. Each message
// gets the next sequence number for the thread, so order survives
// identical timestamps.
func (s *SQLiteStore) Append(ctx context.Context, threadID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, threadID, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	for _, m := range msgs {
		if m.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate message ID: %w", err)
			}
			m.ID = id.String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		parts, err := marshalOptional(m.Parts, len(m.Parts) == 0)
		if err != nil {
			return fmt.Errorf("marshal parts: %w", err)
		}
		calls, err := marshalOptional(m.ToolCalls, len(m.ToolCalls) == 0)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, role, content, parts, tool_calls, tool_call_id, tool_name, timestamp)
			VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, threadID, threadID, m.Role, m.Content, parts, calls,
			nullString(m.ToolCallID), nullString(m.ToolName), formatTime(m.Timestamp))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Messages returns the live (not cleared) messages of a thread in
// append order, windowed to the configured maximum.
func (s *SQLiteStore) Messages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, parts, tool_calls, tool_call_id, tool_name, timestamp
		FROM messages
		WHERE conversation_id = ? AND cleared_at IS NULL
		ORDER BY seq ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m                          Message
			parts, calls, callID, name sql.NullString
			ts                         string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &parts, &calls, &callID, &name, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if parts.Valid {
			if err := json.Unmarshal([]byte(parts.String), &m.Parts); err != nil {
				return nil, fmt.Errorf("decode parts of %s: %w", m.ID, err)
			}
		}
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
			}
		}
		m.ToolCallID = callID.String
		m.ToolName = name.String
		m.Timestamp = parseTime(ts)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return window(messages, s.maxMessages), nil
}

// Conversation returns the thread's metadata, summary and messages.
func (s *SQLiteStore) Conversation(ctx context.Context, threadID string) (*Conversation, error) {
	conv := &Conversation{ID: threadID}

	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT summary, created_at, updated_at FROM conversations WHERE id = ?
	`, threadID).Scan(&conv.Summary, &created, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return conv, nil
	case err != nil:
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)

	conv.Messages, err = s.Messages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// SetSummary replaces the thread summary. Last write wins.
func (s *SQLiteStore) SetSummary(ctx context.Context, threadID, summary string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, summary, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at
	`, threadID, summary, now, now)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

// Clear archives the thread's messages and resets its summary.
func (s *SQLiteStore) Clear(ctx context.Context, threadID string) error {
	now := formatTime(time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET cleared_at = ? WHERE conversation_id = ? AND cleared_at IS NULL
	`, now, threadID); err != nil {
		return fmt.Errorf("archive messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET summary = '', updated_at = ? WHERE id = ?
	`, now, threadID); err != nil {
		return fmt.Errorf("reset summary: %w", err)
	}
	return tx.Commit()
}

// Stats returns counts for the health endpoint.
func (s *SQLiteStore) Stats(ctx context.Context) map[string]any {
	var convCount, msgCount int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE cleared_at IS NULL`).Scan(&msgCount)
	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
	}
}

func marshalOptional(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
