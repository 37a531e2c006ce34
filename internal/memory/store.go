// Package memory provides durable conversation state: an append-only
// message log per thread plus a rolling summary.
package memory

import (
	"context"
	"time"
)

// Roles a stored message may carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartKind distinguishes structured content blocks.
type PartKind string

// Part kinds.
const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// Part is a structured content block for multimodal user input.
type Part struct {
	Kind     PartKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// ToolCall is a capability invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Signature []byte         `json:"signature,omitempty"`
}

// Message is one entry in a conversation log.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	Parts      []Part     `json:"parts,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Conversation holds the state of a single thread.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the conversation log. Appends are durable once Append
// returns, and Messages returns them in append order. A thread is
// created implicitly by its first Append.
type Store interface {
	Append(ctx context.Context, threadID string, msgs ...Message) error
	Messages(ctx context.Context, threadID string) ([]Message, error)
	// Conversation returns the thread with its messages and summary, or
	// an empty conversation if the thread has never been written.
	Conversation(ctx context.Context, threadID string) (*Conversation, error)
	SetSummary(ctx context.Context, threadID, summary string) error
	// Clear starts the thread over. Prior messages are archived, not
	// returned by Messages again.
	Clear(ctx context.Context, threadID string) error
}

// DefaultMaxMessages bounds how much history Messages returns.
const DefaultMaxMessages = 100

// window keeps at most max trailing messages and then drops leading
// entries until the window starts at a user message, so no tool result
// is separated from the call that produced it. A turn longer than max
// is kept whole from its user message.
func window(msgs []Message, max int) []Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	cut := len(msgs) - max
	for i := cut; i < len(msgs); i++ {
		if msgs[i].Role == RoleUser {
			return msgs[i:]
		}
	}
	for i := cut - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i:]
		}
	}
	return msgs
}
