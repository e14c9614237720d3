// Package hooks exports conversation lifecycle events to operator-provided
// handlers, typically an external script that mirrors chats into another
// system.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventConversationCreated EventType = "streamchat.conversation.created"
	EventConversationDeleted EventType = "streamchat.conversation.deleted"
	// EventChatCompleted fires after the assistant reply has been persisted.
	EventChatCompleted EventType = "streamchat.chat.completed"
	EventChatFailed    EventType = "streamchat.chat.failed"
)

// Event is the payload delivered to handlers.
type Event struct {
	ID             string
	Type           EventType
	OccurredAt     time.Time
	UserID         string
	ConversationID string
	RequestID      string
	Metadata       map[string]any
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(typ EventType, userID, conversationID string) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		OccurredAt:     time.Now().UTC(),
		UserID:         userID,
		ConversationID: conversationID,
	}
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Dispatcher fans events out to registered handlers. A nil Dispatcher drops
// every event.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Register adds a handler. Handlers fire sequentially in registration order.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Len reports the number of registered handlers.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Emit delivers event to every handler and joins their errors.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Go delivers event in the background, detached from the cancellation of
// ctx and bounded by timeout when positive. onErr receives the joined handler
// error, if any.
func (d *Dispatcher) Go(ctx context.Context, event Event, timeout time.Duration, onErr func(error)) {
	if d.Len() == 0 {
		return
	}
	go func() {
		ectx := context.WithoutCancel(ctx)
		if timeout > 0 {
			var cancel context.CancelFunc
			ectx, cancel = context.WithTimeout(ectx, timeout)
			defer cancel()
		}
		if err := d.Emit(ectx, event); err != nil && onErr != nil {
			onErr(err)
		}
	}()
}

// ScriptConfig describes the executable run for each event.
type ScriptConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// NewScriptHandler returns a Handler that pipes the JSON encoded event to
// the configured command on stdin.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parentCtx context.Context, evt Event) error {
		if cfg.Command == "" {
			return errors.New("hooks: command not configured")
		}
		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parentCtx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, key+"="+val)
			}
			cmd.Env = env
		}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("hooks: stdin pipe: %w", err)
		}
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hooks: %s: %w", evt.Type, err)
		}
		return nil
	}
}

// MarshalEvent encodes an event for script handlers.
func MarshalEvent(evt Event) ([]byte, error) {
	envelope := struct {
		ID             string         `json:"id"`
		Type           EventType      `json:"type"`
		OccurredAt     time.Time      `json:"occurred_at"`
		UserID         string         `json:"user_id"`
		ConversationID string         `json:"conversation_id,omitempty"`
		RequestID      string         `json:"request_id,omitempty"`
		Metadata       map[string]any `json:"metadata,omitempty"`
	}{
		ID:             evt.ID,
		Type:           evt.Type,
		OccurredAt:     evt.OccurredAt,
		UserID:         evt.UserID,
		ConversationID: evt.ConversationID,
		RequestID:      evt.RequestID,
		Metadata:       evt.Metadata,
	}
	return json.Marshal(envelope)
}
