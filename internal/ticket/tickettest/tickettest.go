// Package tickettest provides a conformance suite every ticket.Store
// implementation must pass.
package tickettest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokligence/streamchat/internal/ticket"
)

// Factory returns a fresh store for one subtest.
type Factory func(t *testing.T) ticket.Store

// Options tunes the suite for a backend.
type Options struct {
	// ExpiryWait is how long to sleep for a short-TTL ticket to lapse.
	// Backends with coarse expiry resolution need more than the default.
	ExpiryWait time.Duration
	// Advance moves a fake clock forward instead of sleeping, when set.
	Advance func(d time.Duration)
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory, opts Options) {
	if opts.ExpiryWait <= 0 {
		opts.ExpiryWait = 150 * time.Millisecond
	}

	t.Run("IssueThenValidate", func(t *testing.T) {
		ex := ticket.NewExchange(newStore(t), time.Minute)
		ctx := context.Background()
		tk, err := ex.Issue(ctx, "user-1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if len(tk) != 22 {
			t.Fatalf("ticket length = %d, want 22", len(tk))
		}
		id, err := ex.Validate(ctx, tk)
		if err != nil || id != "user-1" {
			t.Fatalf("validate = %q, %v", id, err)
		}
	})

	t.Run("SingleUse", func(t *testing.T) {
		ex := ticket.NewExchange(newStore(t), time.Minute)
		ctx := context.Background()
		tk, err := ex.Issue(ctx, "user-1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if _, err := ex.Validate(ctx, tk); err != nil {
			t.Fatalf("first validate: %v", err)
		}
		if _, err := ex.Validate(ctx, tk); !errors.Is(err, ticket.ErrNotFound) {
			t.Fatalf("second validate err = %v, want ErrNotFound", err)
		}
	})

	t.Run("UnknownTicket", func(t *testing.T) {
		ex := ticket.NewExchange(newStore(t), time.Minute)
		if _, err := ex.Validate(context.Background(), "never-issued"); !errors.Is(err, ticket.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if _, err := ex.Validate(context.Background(), ""); !errors.Is(err, ticket.ErrNotFound) {
			t.Fatalf("empty ticket err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		ttl := 50 * time.Millisecond
		if opts.Advance == nil {
			ttl = opts.ExpiryWait / 3
		}
		ex := ticket.NewExchange(newStore(t), ttl)
		ctx := context.Background()
		tk, err := ex.Issue(ctx, "user-1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if opts.Advance != nil {
			opts.Advance(ttl + time.Millisecond)
		} else {
			time.Sleep(opts.ExpiryWait)
		}
		if _, err := ex.Validate(ctx, tk); !errors.Is(err, ticket.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ConcurrentValidateOneWinner", func(t *testing.T) {
		ex := ticket.NewExchange(newStore(t), time.Minute)
		ctx := context.Background()
		tk, err := ex.Issue(ctx, "user-1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		var wins, misses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ex.Validate(ctx, tk)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ticket.ErrNotFound):
					misses.Add(1)
				default:
					t.Errorf("validate: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 || misses.Load() != 31 {
			t.Fatalf("wins=%d misses=%d", wins.Load(), misses.Load())
		}
	})

	t.Run("DistinctTickets", func(t *testing.T) {
		ex := ticket.NewExchange(newStore(t), time.Minute)
		ctx := context.Background()
		a, _ := ex.Issue(ctx, "alice")
		b, _ := ex.Issue(ctx, "bob")
		if a == b {
			t.Fatal("tickets collided")
		}
		if id, _ := ex.Validate(ctx, b); id != "bob" {
			t.Fatalf("b owner = %q", id)
		}
		if id, _ := ex.Validate(ctx, a); id != "alice" {
			t.Fatalf("a owner = %q", id)
		}
	})
}
