package postgres

import (
	"os"
	"testing"
	"time"

	"github.com/tokligence/streamchat/internal/conversation"
	"github.com/tokligence/streamchat/internal/conversation/conversationtest"
)

func TestConformance(t *testing.T) {
	dsn := os.Getenv("STREAMCHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMCHAT_TEST_POSTGRES_DSN not set")
	}
	conversationtest.Run(t, func(t *testing.T, now func() time.Time) conversation.Store {
		store, err := New(dsn, PoolConfig{MaxOpen: 4}, WithClock(now))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := store.db.Exec(`TRUNCATE conversations, messages`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}
