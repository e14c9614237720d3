package chat

// Frame types of the duplex protocol. The one-shot stream reuses the event
// names start, token, done and error.
const (
	TypePing      = "ping"
	TypeCancel    = "cancel"
	TypeChat      = "chat"
	TypeReady     = "ready"
	TypePong      = "pong"
	TypeStart     = "start"
	TypeToken     = "token"
	TypeDone      = "done"
	TypeError     = "error"
	TypeCancelled = "cancelled"
)

// The event payloads below are shared by both transports. Type is set on the
// duplex protocol and left empty (and omitted) on the one-shot stream, where
// the event name carries it.

// ControlEvent is a payload-free frame such as ready or pong.
type ControlEvent struct {
	Type string `json:"type"`
}

// StartEvent announces the conversation a request is bound to.
type StartEvent struct {
	Type           string `json:"type,omitempty"`
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
}

// TokenEvent carries one increment of generated text.
type TokenEvent struct {
	Type      string `json:"type,omitempty"`
	RequestID string `json:"requestId"`
	Token     string `json:"token"`
}

// DoneEvent carries the full generated text.
type DoneEvent struct {
	Type           string `json:"type,omitempty"`
	RequestID      string `json:"requestId"`
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
}

// ErrorEvent reports a rejected or failed request. RequestID is empty for
// frames that could not be attributed to a request.
type ErrorEvent struct {
	Type      string `json:"type,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error"`
}

// CancelledEvent acknowledges a cancel frame.
type CancelledEvent struct {
	Type      string `json:"type,omitempty"`
	RequestID string `json:"requestId"`
}

// ServerFrame is the union of every server to client frame, for decoding on
// the client side.
type ServerFrame struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Token          string `json:"token,omitempty"`
	Text           string `json:"text,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ClientFrame is the union of every client to server frame, for encoding on
// the client side.
type ClientFrame struct {
	Type           string    `json:"type"`
	RequestID      string    `json:"requestId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
}
