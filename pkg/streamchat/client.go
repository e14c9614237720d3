package streamchat

import (
	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/client"
	"github.com/tokligence/streamchat/internal/conversation"
)

type Client = client.Client
type Stream = client.Stream
type StatusError = client.StatusError
type HTTPClient = client.HTTPClient

type Message = chat.Message
type Role = chat.Role
type Request = chat.Request
type ServerFrame = chat.ServerFrame
type Conversation = conversation.Conversation
type StoredMessage = conversation.Message

const (
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant
	RoleSystem    = chat.RoleSystem
)

// NewClient connects to a relay at baseURL using a bearer token.
func NewClient(baseURL, token string, httpClient HTTPClient) (*Client, error) {
	return client.New(baseURL, token, httpClient)
}

// NewRequestID returns a fresh request id for Request.RequestID.
func NewRequestID() string {
	return client.NewRequestID()
}
