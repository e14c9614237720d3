// Package conversation defines the persistence contract for conversations
// and their messages.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/tokligence/streamchat/internal/chat"
)

// ErrNotFound is returned when a conversation does not exist or belongs to a
// different user.
var ErrNotFound = errors.New("conversation: not found")

// Conversation is a titled thread owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a stored transcript entry. Seq is the store's insertion order and
// breaks CreatedAt ties.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           chat.Role `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Seq            int64     `json:"-"`
}

// Store defines persistence behaviour for conversations.
type Store interface {
	Create(ctx context.Context, userID, title string) (Conversation, error)
	// Get returns ErrNotFound for foreign conversations as well as missing ones.
	Get(ctx context.Context, id, userID string) (Conversation, error)
	// List returns the user's conversations, most recently updated first.
	List(ctx context.Context, userID string) ([]Conversation, error)
	// Delete removes the user's conversations among ids together with their
	// messages and reports how many were removed.
	Delete(ctx context.Context, userID string, ids ...string) (int, error)
	AppendMessage(ctx context.Context, conversationID string, msg chat.Message) (Message, error)
	// Messages returns the transcript in chronological order.
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	// Touch bumps UpdatedAt.
	Touch(ctx context.Context, conversationID string) error
	Ping(ctx context.Context) error
	Close() error
}

const titleLayout = "Jan 2, 2006 - 3:04 PM"

// DefaultTitle names a conversation created implicitly by a chat request.
func DefaultTitle(t time.Time) string {
	return "New Conversation - " + t.Format(titleLayout)
}

// Transcript converts stored messages into model input.
func Transcript(msgs []Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = chat.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// Less orders messages by insertion sequence. CreatedAt is display data only;
// a wall clock stepping back must not reorder a transcript.
func Less(a, b Message) bool {
	return a.Seq < b.Seq
}
