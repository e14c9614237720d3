// Package chat holds the role-tagged message model shared by every transport
// and the validation rules applied to inbound chat requests.
package chat

import (
	"strings"
	"unicode/utf8"
)

// Role tags the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry of a transcript. Transcripts are ordered oldest first.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a validated generation request as received from either transport.
type Request struct {
	RequestID      string    `json:"requestId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages"`
}

// LastUserMessage returns the final message when it is user-authored.
func (r Request) LastUserMessage() (Message, bool) {
	if len(r.Messages) == 0 {
		return Message{}, false
	}
	last := r.Messages[len(r.Messages)-1]
	return last, last.Role == RoleUser
}

// ContentLength returns the aggregate character count of all message contents.
func ContentLength(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content)
	}
	return total
}

// Preview shortens s for log fields.
func Preview(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
