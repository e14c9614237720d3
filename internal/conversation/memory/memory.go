// Package memory keeps conversations in process memory. It backs tests and
// single-process development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/conversation"
)

var _ conversation.Store = (*Store)(nil)

// Store implements conversation.Store with maps.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]conversation.Conversation
	messages      map[string][]conversation.Message
	seq           int64
	now           func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]conversation.Conversation),
		messages:      make(map[string][]conversation.Message),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(_ context.Context, userID, title string) (conversation.Conversation, error) {
	now := s.now().UTC()
	c := conversation.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *Store) Get(_ context.Context, id, userID string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (s *Store) List(_ context.Context, userID string) ([]conversation.Conversation, error) {
	s.mu.RLock()
	out := make([]conversation.Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Delete(_ context.Context, userID string, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		c, ok := s.conversations[id]
		if !ok || c.UserID != userID {
			continue
		}
		delete(s.conversations, id)
		delete(s.messages, id)
		n++
	}
	return n, nil
}

func (s *Store) AppendMessage(_ context.Context, conversationID string, msg chat.Message) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return conversation.Message{}, conversation.ErrNotFound
	}
	s.seq++
	m := conversation.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      s.now().UTC(),
		Seq:            s.seq,
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	return m, nil
}

func (s *Store) Messages(_ context.Context, conversationID string) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, conversation.ErrNotFound
	}
	out := append([]conversation.Message(nil), s.messages[conversationID]...)
	sort.SliceStable(out, func(i, j int) bool { return conversation.Less(out[i], out[j]) })
	return out, nil
}

func (s *Store) Touch(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return conversation.ErrNotFound
	}
	c.UpdatedAt = s.now().UTC()
	s.conversations[conversationID] = c
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
