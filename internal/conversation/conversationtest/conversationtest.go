// Package conversationtest provides a conformance suite every
// conversation.Store implementation must pass.
package conversationtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/conversation"
)

// Factory opens a fresh, empty store that reads time from now.
type Factory func(t *testing.T, now func() time.Time) conversation.Store

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock by d; a negative d steps it back.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	open := func(t *testing.T) (conversation.Store, *Clock) {
		clock := NewClock()
		s := newStore(t, clock.Now)
		t.Cleanup(func() { _ = s.Close() })
		return s, clock
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		s, clock := open(t)
		c, err := s.Create(ctx, "alice", "first")
		require.NoError(t, err)
		_, err = uuid.Parse(c.ID)
		require.NoError(t, err, "id must be a uuid")
		assert.Equal(t, "alice", c.UserID)
		assert.Equal(t, "first", c.Title)
		assert.True(t, c.CreatedAt.Equal(clock.Now()))
		assert.True(t, c.UpdatedAt.Equal(clock.Now()))

		got, err := s.Get(ctx, c.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, "first", got.Title)
		assert.True(t, got.CreatedAt.Equal(c.CreatedAt))
	})

	t.Run("GetForeignOrMissing", func(t *testing.T) {
		s, _ := open(t)
		c, err := s.Create(ctx, "alice", "mine")
		require.NoError(t, err)

		_, err = s.Get(ctx, c.ID, "mallory")
		assert.True(t, errors.Is(err, conversation.ErrNotFound), "foreign get: %v", err)
		_, err = s.Get(ctx, uuid.NewString(), "alice")
		assert.True(t, errors.Is(err, conversation.ErrNotFound), "missing get: %v", err)
	})

	t.Run("ListMostRecentlyUpdatedFirst", func(t *testing.T) {
		s, clock := open(t)
		a, err := s.Create(ctx, "alice", "a")
		require.NoError(t, err)
		clock.Advance(time.Second)
		b, err := s.Create(ctx, "alice", "b")
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = s.Create(ctx, "bob", "other")
		require.NoError(t, err)

		list, err := s.List(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, b.ID, list[0].ID)
		assert.Equal(t, a.ID, list[1].ID)

		clock.Advance(time.Second)
		require.NoError(t, s.Touch(ctx, a.ID))
		list, err = s.List(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, a.ID, list[0].ID)
		assert.True(t, list[0].UpdatedAt.Equal(clock.Now()))
		assert.True(t, list[0].CreatedAt.Before(list[0].UpdatedAt))

		empty, err := s.List(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("MessagesChronological", func(t *testing.T) {
		s, clock := open(t)
		c, err := s.Create(ctx, "alice", "chat")
		require.NoError(t, err)

		m1, err := s.AppendMessage(ctx, c.ID, chat.Message{Role: chat.RoleUser, Content: "one"})
		require.NoError(t, err)
		assert.Equal(t, c.ID, m1.ConversationID)
		assert.NotEmpty(t, m1.ID)
		assert.True(t, m1.CreatedAt.Equal(clock.Now()))

		// same instant: insertion order must win
		_, err = s.AppendMessage(ctx, c.ID, chat.Message{Role: chat.RoleAssistant, Content: "two"})
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, c.ID, chat.Message{Role: chat.RoleUser, Content: "three"})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
		_, err = s.AppendMessage(ctx, c.ID, chat.Message{Role: chat.RoleAssistant, Content: "four"})
		require.NoError(t, err)

		msgs, err := s.Messages(ctx, c.ID)
		require.NoError(t, err)
		var contents []string
		for _, m := range msgs {
			contents = append(contents, m.Content)
		}
		assert.Equal(t, []string{"one", "two", "three", "four"}, contents)
		assert.Equal(t, chat.RoleAssistant, msgs[3].Role)
	})

	t.Run("MessagesKeepInsertionOrderWhenClockStepsBack", func(t *testing.T) {
		s, clock := open(t)
		c, err := s.Create(ctx, "alice", "chat")
		require.NoError(t, err)

		_, err = s.AppendMessage(ctx, c.ID, chat.Message{Role: chat.RoleUser, Content: "question"})
		require.NoError(t, err)
		clock.Advance(-time.Minute)
		_, err = s.AppendMessage(ctx, c.ID, chat.Message{Role: chat.RoleAssistant, Content: "answer"})
		require.NoError(t, err)
		clock.Advance(-time.Minute)
		_, err = s.AppendMessage(ctx, c.ID, chat.Message{Role: chat.RoleUser, Content: "follow-up"})
		require.NoError(t, err)

		msgs, err := s.Messages(ctx, c.ID)
		require.NoError(t, err)
		var contents []string
		for _, m := range msgs {
			contents = append(contents, m.Content)
		}
		assert.Equal(t, []string{"question", "answer", "follow-up"}, contents)
		assert.True(t, msgs[2].CreatedAt.Before(msgs[0].CreatedAt))
	})

	t.Run("MessagesAreScopedToConversation", func(t *testing.T) {
		s, _ := open(t)
		a, err := s.Create(ctx, "alice", "a")
		require.NoError(t, err)
		b, err := s.Create(ctx, "alice", "b")
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, a.ID, chat.Message{Role: chat.RoleUser, Content: "for a"})
		require.NoError(t, err)

		msgs, err := s.Messages(ctx, b.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		s, _ := open(t)
		missing := uuid.NewString()
		_, err := s.AppendMessage(ctx, missing, chat.Message{Role: chat.RoleUser, Content: "x"})
		assert.True(t, errors.Is(err, conversation.ErrNotFound), "append: %v", err)
		assert.True(t, errors.Is(s.Touch(ctx, missing), conversation.ErrNotFound))
		_, err = s.Messages(ctx, missing)
		assert.True(t, errors.Is(err, conversation.ErrNotFound), "messages: %v", err)
	})

	t.Run("DeleteOwnedOnly", func(t *testing.T) {
		s, _ := open(t)
		a, err := s.Create(ctx, "alice", "a")
		require.NoError(t, err)
		b, err := s.Create(ctx, "alice", "b")
		require.NoError(t, err)
		foreign, err := s.Create(ctx, "bob", "f")
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, a.ID, chat.Message{Role: chat.RoleUser, Content: "bye"})
		require.NoError(t, err)

		n, err := s.Delete(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.Delete(ctx, "alice", a.ID, foreign.ID, uuid.NewString())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, a.ID, "alice")
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
		_, err = s.Messages(ctx, a.ID)
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
		_, err = s.Get(ctx, foreign.ID, "bob")
		assert.NoError(t, err)
		_, err = s.Get(ctx, b.ID, "alice")
		assert.NoError(t, err)
	})

	t.Run("Ping", func(t *testing.T) {
		s, _ := open(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
