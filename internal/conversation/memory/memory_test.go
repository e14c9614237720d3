package memory

import (
	"testing"
	"time"

	"github.com/tokligence/streamchat/internal/conversation"
	"github.com/tokligence/streamchat/internal/conversation/conversationtest"
)

func TestConformance(t *testing.T) {
	conversationtest.Run(t, func(t *testing.T, now func() time.Time) conversation.Store {
		return New(WithClock(now))
	})
}
