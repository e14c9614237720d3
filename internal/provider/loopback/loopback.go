// Package loopback is a deterministic backend that echoes the last user
// message back one word at a time. It needs no credentials and is the default
// for local development.
package loopback

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/provider"
)

var _ provider.Backend = (*Backend)(nil)

// Config tunes the echo.
type Config struct {
	// Prefix is prepended to the echoed text. Defaults to "[loopback] ".
	Prefix string
	// Delay is waited before every token.
	Delay time.Duration
}

// Backend echoes the last user message.
type Backend struct {
	prefix string
	delay  time.Duration
}

// New creates a Backend instance.
func New(cfg Config) *Backend {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "[loopback] "
	}
	return &Backend{prefix: prefix, delay: cfg.Delay}
}

// Name implements provider.Backend.
func (b *Backend) Name() string { return "loopback" }

// Model reports a fixed pseudo model id.
func (b *Backend) Model() string { return "loopback" }

// Open implements provider.Backend.
func (b *Backend) Open(ctx context.Context, messages []chat.Message) (provider.Stream, error) {
	if len(messages) == 0 {
		return nil, errors.New("loopback: no messages provided")
	}
	// find last user message; default to final message if none
	message := messages[len(messages)-1]
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleUser {
			message = messages[i]
			break
		}
	}
	reply := b.prefix + strings.TrimSpace(message.Content)
	return &stream{ctx: ctx, tokens: strings.SplitAfter(reply, " "), delay: b.delay}, nil
}

type stream struct {
	ctx    context.Context
	tokens []string
	delay  time.Duration
}

func (s *stream) Recv() (provider.Segment, error) {
	if len(s.tokens) == 0 {
		return provider.Segment{}, io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return provider.Segment{}, s.ctx.Err()
		case <-timer.C:
		}
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return provider.Segment{Kind: provider.SegmentText, Text: tok}, nil
}

func (s *stream) Close() error { return nil }
