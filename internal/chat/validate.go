package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode"

	"github.com/google/uuid"
)

const (
	// DefaultMaxContentChars caps the aggregate content length of one request.
	DefaultMaxContentChars = 50000
	// MaxRequestIDLength bounds caller supplied request identifiers.
	MaxRequestIDLength = 128
)

// ValidationError reports a request rejected before it reaches the provider.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validator applies the inbound request rules.
type Validator struct {
	MaxContentChars int
}

// NewValidator returns a Validator; a non-positive limit selects the default.
func NewValidator(maxContentChars int) Validator {
	if maxContentChars <= 0 {
		maxContentChars = DefaultMaxContentChars
	}
	return Validator{MaxContentChars: maxContentChars}
}

type rawRequest struct {
	RequestID      json.RawMessage `json:"requestId"`
	ConversationID json.RawMessage `json:"conversationId"`
	Messages       json.RawMessage `json:"messages"`
}

type rawMessage struct {
	Role    json.RawMessage `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseRequestID extracts and checks the requestId member of a JSON object.
func ParseRequestID(data []byte) (string, error) {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", invalid("body", "invalid JSON")
	}
	return requestID(raw.RequestID)
}

// ParseRequest decodes and validates a chat request object. Unknown members
// (such as a frame "type") are ignored.
func (v Validator) ParseRequest(data []byte) (Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, invalid("body", "invalid JSON")
	}
	id, err := requestID(raw.RequestID)
	if err != nil {
		return Request{}, err
	}
	req := Request{RequestID: id}

	if convID, ok := stringValue(raw.ConversationID); ok {
		if _, perr := uuid.Parse(convID); perr != nil || convID == "" {
			return req, invalid("conversationId", "invalid conversationId format")
		}
		req.ConversationID = convID
	} else if !isAbsent(raw.ConversationID) {
		return req, invalid("conversationId", "invalid conversationId format")
	}

	msgs, err := v.parseMessages(raw.Messages)
	if err != nil {
		return req, err
	}
	req.Messages = msgs
	return req, nil
}

// Validate checks an already decoded request against the same rules.
func (v Validator) Validate(req Request) error {
	if err := checkRequestID(req.RequestID); err != nil {
		return err
	}
	if req.ConversationID != "" {
		if _, err := uuid.Parse(req.ConversationID); err != nil {
			return invalid("conversationId", "invalid conversationId format")
		}
	}
	return v.ValidateMessages(req.Messages)
}

// ValidateMessages enforces the transcript rules: non-empty, known roles, the
// aggregate size limit and a trailing user message.
func (v Validator) ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return invalid("messages", "messages must not be empty")
	}
	for _, m := range msgs {
		if !m.Role.Valid() {
			return invalid("messages", "invalid role: %s", m.Role)
		}
	}
	if total := ContentLength(msgs); total > v.limit() {
		return invalid("messages", "payload too large: %d chars exceeds %d limit", total, v.limit())
	}
	if msgs[len(msgs)-1].Role != RoleUser {
		return invalid("messages", "last message must be a user message")
	}
	return nil
}

// MaxEncodedBytes is the largest JSON encoding of a request whose content
// stays within maxChars: every character written as a surrogate pair escape
// (12 bytes) plus 64KiB for the envelope. Transport caps use it so any
// request within the character limit reaches the validator.
func MaxEncodedBytes(maxChars int) int64 {
	if maxChars <= 0 {
		maxChars = DefaultMaxContentChars
	}
	return 12*int64(maxChars) + 64<<10
}

// MaxEncodedBytes applies the package function to the validator's limit.
func (v Validator) MaxEncodedBytes() int64 {
	return MaxEncodedBytes(v.limit())
}

func (v Validator) limit() int {
	if v.MaxContentChars <= 0 {
		return DefaultMaxContentChars
	}
	return v.MaxContentChars
}

func (v Validator) parseMessages(data json.RawMessage) ([]Message, error) {
	if isAbsent(data) || !bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		return nil, invalid("messages", "messages must be an array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, invalid("messages", "messages must be an array")
	}
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		if !bytes.HasPrefix(bytes.TrimSpace(item), []byte("{")) {
			return nil, invalid("messages", "each message must be an object")
		}
		var rm rawMessage
		if err := json.Unmarshal(item, &rm); err != nil {
			return nil, invalid("messages", "each message must be an object")
		}
		role, ok := stringValue(rm.Role)
		if !ok {
			role = string(bytes.TrimSpace(rm.Role))
		}
		if !ok || !Role(role).Valid() {
			return nil, invalid("messages", "invalid role: %s", role)
		}
		content, ok := stringValue(rm.Content)
		if !ok {
			return nil, invalid("messages", "message content must be a string")
		}
		msgs = append(msgs, Message{Role: Role(role), Content: content})
	}
	if err := v.ValidateMessages(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func requestID(data json.RawMessage) (string, error) {
	id, ok := stringValue(data)
	if !ok {
		return "", invalid("requestId", "missing or invalid requestId")
	}
	if err := checkRequestID(id); err != nil {
		return "", err
	}
	return id, nil
}

func checkRequestID(id string) error {
	if id == "" || len(id) > MaxRequestIDLength {
		return invalid("requestId", "missing or invalid requestId")
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return invalid("requestId", "missing or invalid requestId")
		}
	}
	return nil
}

func stringValue(data json.RawMessage) (string, bool) {
	if isAbsent(data) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	return s, true
}

func isAbsent(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
