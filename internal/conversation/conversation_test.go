package conversation

import (
	"testing"
	"time"

	"github.com/tokligence/streamchat/internal/chat"
)

func TestDefaultTitle(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 15, 4, 0, 0, time.UTC)
	if got := DefaultTitle(ts); got != "New Conversation - Mar 5, 2024 - 3:04 PM" {
		t.Fatalf("title = %q", got)
	}
}

func TestLessFollowsSeq(t *testing.T) {
	ts := time.Unix(10, 0)
	a := Message{CreatedAt: ts, Seq: 1}
	b := Message{CreatedAt: ts, Seq: 2}
	if !Less(a, b) || Less(b, a) {
		t.Fatal("seq order not applied")
	}
	// appended later while the wall clock had stepped back
	c := Message{CreatedAt: ts.Add(-time.Second), Seq: 9}
	if !Less(a, c) || Less(c, a) {
		t.Fatal("timestamps must not override insertion order")
	}
}

func TestTranscript(t *testing.T) {
	got := Transcript([]Message{{Role: chat.RoleUser, Content: "hi"}, {Role: chat.RoleAssistant, Content: "yo"}})
	if len(got) != 2 || got[0].Content != "hi" || got[1].Role != chat.RoleAssistant {
		t.Fatalf("transcript = %+v", got)
	}
}
