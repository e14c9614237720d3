package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	v := NewValidator(20)
	tests := []struct {
		name    string
		body    string
		wantErr string
		wantID  string
	}{
		{
			name:   "minimal chat",
			body:   `{"type":"chat","requestId":"r1","messages":[{"role":"user","content":"hi"}]}`,
			wantID: "r1",
		},
		{
			name:   "with conversation",
			body:   `{"requestId":"r2","conversationId":"7f1b7c9e-3d7a-4c1e-9a51-2f0c2b8d9e11","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`,
			wantID: "r2",
		},
		{
			name:   "null conversation treated as absent",
			body:   `{"requestId":"r3","conversationId":null,"messages":[{"role":"user","content":"hi"}]}`,
			wantID: "r3",
		},
		{name: "not json", body: `{`, wantErr: "invalid JSON"},
		{name: "missing request id", body: `{"messages":[{"role":"user","content":"hi"}]}`, wantErr: "requestId"},
		{name: "numeric request id", body: `{"requestId":5,"messages":[{"role":"user","content":"hi"}]}`, wantErr: "requestId"},
		{name: "request id with spaces", body: `{"requestId":"a b","messages":[{"role":"user","content":"hi"}]}`, wantErr: "requestId"},
		{name: "messages not array", body: `{"requestId":"r","messages":"hi"}`, wantErr: "must be an array"},
		{name: "empty messages", body: `{"requestId":"r","messages":[]}`, wantErr: "must not be empty"},
		{name: "message not object", body: `{"requestId":"r","messages":["hi"]}`, wantErr: "must be an object"},
		{name: "bad role", body: `{"requestId":"r","messages":[{"role":"tool","content":"hi"}]}`, wantErr: "invalid role"},
		{name: "non text content", body: `{"requestId":"r","messages":[{"role":"user","content":[{"type":"image"}]}]}`, wantErr: "content must be a string"},
		{name: "too large", body: `{"requestId":"r","messages":[{"role":"user","content":"0123456789"},{"role":"user","content":"0123456789a"}]}`, wantErr: "payload too large"},
		{name: "trailing assistant", body: `{"requestId":"r","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"yo"}]}`, wantErr: "last message must be a user message"},
		{name: "bad conversation id", body: `{"requestId":"r","conversationId":"abc","messages":[{"role":"user","content":"hi"}]}`, wantErr: "conversationId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := v.ParseRequest([]byte(tt.body))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected *ValidationError, got %T", err)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %q, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.RequestID != tt.wantID {
				t.Fatalf("request id = %q, want %q", req.RequestID, tt.wantID)
			}
		})
	}
}

func TestParseRequestKeepsRequestIDOnLaterFailure(t *testing.T) {
	v := NewValidator(0)
	req, err := v.ParseRequest([]byte(`{"requestId":"r9","messages":[]}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if req.RequestID != "r9" {
		t.Fatalf("request id = %q, want r9", req.RequestID)
	}
}

func TestContentLengthCountsCharacters(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: "héllo"}, {Role: RoleUser, Content: "日本"}}
	if got := ContentLength(msgs); got != 7 {
		t.Fatalf("ContentLength = %d, want 7", got)
	}
	v := NewValidator(7)
	if err := v.ValidateMessages(msgs); err != nil {
		t.Fatalf("expected limit to be inclusive: %v", err)
	}
	v = NewValidator(6)
	if err := v.ValidateMessages(msgs); err == nil {
		t.Fatal("expected over-limit error")
	}
}

func TestContentLengthDoesNotAllocate(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: strings.Repeat("日本語", 1000)}}
	allocs := testing.AllocsPerRun(100, func() { _ = ContentLength(msgs) })
	if allocs != 0 {
		t.Fatalf("ContentLength allocated %.0f times per call", allocs)
	}
}

func TestMaxEncodedBytesFitsEscapedContentAtLimit(t *testing.T) {
	const limit = 2000
	v := NewValidator(limit)
	// every emoji written as a surrogate pair escape, the largest encoding
	body := `{"requestId":"r1","messages":[{"role":"user","content":"` + strings.Repeat(`\ud83d\ude00`, limit) + `"}]}`
	if int64(len(body)) > v.MaxEncodedBytes() {
		t.Fatalf("%d byte body exceeds cap %d", len(body), v.MaxEncodedBytes())
	}
	req, err := v.ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if got := ContentLength(req.Messages); got != limit {
		t.Fatalf("ContentLength = %d, want %d", got, limit)
	}
	if MaxEncodedBytes(0) != NewValidator(0).MaxEncodedBytes() {
		t.Fatal("zero limit should select the default")
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("  short  ", 10); got != "short" {
		t.Fatalf("Preview = %q", got)
	}
	if got := Preview("abcdefghij", 4); got != "abcd…" {
		t.Fatalf("Preview = %q", got)
	}
}
