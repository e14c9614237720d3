// Package redis stores tickets in Redis so that any instance behind a load
// balancer can redeem a ticket issued by another.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tokligence/streamchat/internal/ticket"
)

var _ ticket.Store = (*Store)(nil)

// Config contains configuration options for the Redis ticket store.
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all ticket keys
	// Default: "streamchat:ticket:"
	KeyPrefix string
}

// Store implements ticket.Store with SET PX and GETDEL.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Redis backed ticket store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "streamchat:ticket:"
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

// Put implements ticket.Store.
func (s *Store) Put(ctx context.Context, t, identity string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+t, identity, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store ticket: %w", err)
	}
	return nil
}

// Take implements ticket.Store.
func (s *Store) Take(ctx context.Context, t string) (string, error) {
	identity, err := s.client.GetDel(ctx, s.keyPrefix+t).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ticket.ErrNotFound
		}
		return "", fmt.Errorf("failed to take ticket: %w", err)
	}
	return identity, nil
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
