package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDispatcherEmit(t *testing.T) {
	d := &Dispatcher{}
	var sequence []string
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "first:"+string(evt.Type))
		return nil
	})
	d.Register(func(ctx context.Context, evt Event) error {
		sequence = append(sequence, "second:"+evt.Metadata["label"].(string))
		return errors.New("second handler failed")
	})
	d.Register(nil)

	evt := NewEvent(EventChatCompleted, "alice", "c1")
	evt.Metadata = map[string]any{"label": "ok"}

	err := d.Emit(context.Background(), evt)
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "second handler failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("expected nil handler to be ignored, got %d handlers", d.Len())
	}
	if len(sequence) != 2 {
		t.Fatalf("expected two handlers to run, got %d", len(sequence))
	}
	if sequence[0] != "first:"+string(EventChatCompleted) {
		t.Fatalf("unexpected first handler record %q", sequence[0])
	}
	if sequence[1] != "second:ok" {
		t.Fatalf("unexpected second handler record %q", sequence[1])
	}
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	if err := d.Emit(context.Background(), NewEvent(EventChatFailed, "bob", "")); err != nil {
		t.Fatalf("nil dispatcher should drop events: %v", err)
	}
	if d.Len() != 0 {
		t.Fatalf("nil dispatcher has no handlers")
	}
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventConversationCreated, "alice", "c1")
	b := NewEvent(EventConversationCreated, "alice", "c1")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
	if time.Since(a.OccurredAt) > time.Minute {
		t.Fatalf("unexpected timestamp %v", a.OccurredAt)
	}
}

func TestNewScriptHandlerRunsCommand(t *testing.T) {
	evt := NewEvent(EventConversationDeleted, "42", "conv-9")
	handler := NewScriptHandler(ScriptConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcessScriptHandler", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HOOK_EXPECT_ID":         evt.ID,
			"HOOK_EXPECT_TYPE":       string(evt.Type),
			"HOOK_EXPECT_CONV":       evt.ConversationID,
		},
		Timeout: 5 * time.Second,
	})

	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestNewScriptHandlerReportsFailure(t *testing.T) {
	handler := NewScriptHandler(ScriptConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcessScriptHandler", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HOOK_EXPECT_ID":         "something-else",
		},
		Timeout: 5 * time.Second,
	})
	err := handler(context.Background(), NewEvent(EventChatFailed, "42", ""))
	if err == nil || !strings.Contains(err.Error(), string(EventChatFailed)) {
		t.Fatalf("expected failure naming the event, got %v", err)
	}

	if err := NewScriptHandler(ScriptConfig{})(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error without a command")
	}
}

func TestHelperProcessScriptHandler(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	var payload struct {
		ID             string `json:"id"`
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		io.WriteString(os.Stderr, "decode error: "+err.Error())
		os.Exit(2)
	}
	if payload.ID != os.Getenv("HOOK_EXPECT_ID") {
		io.WriteString(os.Stderr, "unexpected id")
		os.Exit(3)
	}
	if payload.Type != os.Getenv("HOOK_EXPECT_TYPE") {
		io.WriteString(os.Stderr, "unexpected type")
		os.Exit(4)
	}
	if payload.ConversationID != os.Getenv("HOOK_EXPECT_CONV") {
		io.WriteString(os.Stderr, "unexpected conversation")
		os.Exit(5)
	}
	os.Exit(0)
}

func TestDispatcherGoDetachesFromCaller(t *testing.T) {
	d := &Dispatcher{}
	delivered := make(chan Event, 1)
	d.Register(func(ctx context.Context, evt Event) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delivered <- evt
		return errors.New("boom")
	})
	failed := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	evt := NewEvent(EventChatCompleted, "alice", "c1")
	d.Go(ctx, evt, time.Second, func(err error) { failed <- err })

	select {
	case got := <-delivered:
		if got.ID != evt.ID {
			t.Fatalf("unexpected event %q", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case err := <-failed:
		if err == nil || err.Error() != "boom" {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not invoked")
	}
}
