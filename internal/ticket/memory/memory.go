// Package memory is an in-process ticket store for single-instance
// deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tokligence/streamchat/internal/ticket"
)

var _ ticket.Store = (*Store)(nil)

type entry struct {
	identity string
	deadline time.Time
}

// Store keeps tickets in a map. Expired entries are dropped lazily: a take of
// an expired ticket deletes it and reports ticket.ErrNotFound, and every Put
// prunes what has lapsed.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{entries: make(map[string]entry), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put implements ticket.Store.
func (s *Store) Put(_ context.Context, t, identity string, ttl time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if !now.Before(e.deadline) {
			delete(s.entries, k)
		}
	}
	s.entries[t] = entry{identity: identity, deadline: now.Add(ttl)}
	return nil
}

// Take implements ticket.Store.
func (s *Store) Take(_ context.Context, t string) (string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[t]
	if !ok {
		return "", ticket.ErrNotFound
	}
	delete(s.entries, t)
	if !now.Before(e.deadline) {
		return "", ticket.ErrNotFound
	}
	return e.identity, nil
}

// Len reports how many tickets are held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Ping implements a health probe; the memory store is always reachable.
func (s *Store) Ping(context.Context) error { return nil }
