package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory [Store] for the ask command and tests.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	maxMessages   int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(maxMessages int) *MemStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &MemStore{
		conversations: make(map[string]*Conversation),
		maxMessages:   maxMessages,
	}
}

func (s *MemStore) getOrCreate(threadID string, now time.Time) *Conversation {
	conv, ok := s.conversations[threadID]
	if !ok {
		conv = &Conversation{ID: threadID, CreatedAt: now}
		s.conversations[threadID] = conv
	}
	return conv
}

// Append adds messages to a thread.
func (s *MemStore) Append(_ context.Context, threadID string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv := s.getOrCreate(threadID, now)
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		conv.Messages = append(conv.Messages, m)
	}
	conv.UpdatedAt = now
	return nil
}

// Messages returns a copy of the thread's messages.
func (s *MemStore) Messages(_ context.Context, threadID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[threadID]
	if !ok {
		return nil, nil
	}
	return window(slices.Clone(conv.Messages), s.maxMessages), nil
}

// Conversation returns a copy of the thread.
func (s *MemStore) Conversation(ctx context.Context, threadID string) (*Conversation, error) {
	s.mu.RLock()
	conv, ok := s.conversations[threadID]
	if !ok {
		s.mu.RUnlock()
		return &Conversation{ID: threadID}, nil
	}
	out := *conv
	s.mu.RUnlock()

	msgs, _ := s.Messages(ctx, threadID)
	out.Messages = msgs
	return &out, nil
}

// SetSummary replaces the thread summary.
func (s *MemStore) SetSummary(_ context.Context, threadID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	conv := s.getOrCreate(threadID, now)
	conv.Summary = summary
	conv.UpdatedAt = now
	return nil
}

// Clear drops the thread's messages and summary.
func (s *MemStore) Clear(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[threadID]; ok {
		conv.Messages = nil
		conv.Summary = ""
		conv.UpdatedAt = time.Now()
	}
	return nil
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
