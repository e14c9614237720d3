// Package ticket implements the short-lived, single-use credential exchanged
// for a WebSocket upgrade. A ticket maps to the identity that requested it and
// is destroyed on first validation or when its TTL lapses.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL bounds the lifetime of an unused ticket.
const DefaultTTL = 30 * time.Second

var (
	// ErrNotFound is returned for tickets that never existed, were already
	// consumed or have expired.
	ErrNotFound = errors.New("ticket: not found")
	// ErrEmptyIdentity rejects issuing a ticket without an owner.
	ErrEmptyIdentity = errors.New("ticket: identity required")
)

// Store persists tickets with store-native expiry. Take must be an atomic
// get-and-delete so that concurrent validations of one ticket yield exactly
// one success.
type Store interface {
	Put(ctx context.Context, ticket, identity string, ttl time.Duration) error
	Take(ctx context.Context, ticket string) (identity string, err error)
}

// Exchange issues and redeems tickets.
type Exchange struct {
	store Store
	ttl   time.Duration
}

// NewExchange creates an Exchange; a non-positive ttl selects DefaultTTL.
func NewExchange(store Store, ttl time.Duration) *Exchange {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Exchange{store: store, ttl: ttl}
}

// TTL reports the lifetime applied to issued tickets.
func (e *Exchange) TTL() time.Duration { return e.ttl }

// Issue creates a ticket owned by identity.
func (e *Exchange) Issue(ctx context.Context, identity string) (string, error) {
	if identity == "" {
		return "", ErrEmptyIdentity
	}
	t, err := NewID()
	if err != nil {
		return "", err
	}
	if err := e.store.Put(ctx, t, identity, e.ttl); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return t, nil
}

// Validate consumes ticket and returns its owner.
func (e *Exchange) Validate(ctx context.Context, ticket string) (string, error) {
	if ticket == "" {
		return "", ErrNotFound
	}
	identity, err := e.store.Take(ctx, ticket)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("take ticket: %w", err)
	}
	return identity, nil
}

// NewID returns 16 crypto-random bytes encoded as unpadded base64url.
func NewID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate ticket: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
