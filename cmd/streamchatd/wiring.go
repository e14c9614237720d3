package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tokligence/streamchat/internal/config"
	"github.com/tokligence/streamchat/internal/conversation"
	convmemory "github.com/tokligence/streamchat/internal/conversation/memory"
	convpebble "github.com/tokligence/streamchat/internal/conversation/pebble"
	convpostgres "github.com/tokligence/streamchat/internal/conversation/postgres"
	convsqlite "github.com/tokligence/streamchat/internal/conversation/sqlite"
	"github.com/tokligence/streamchat/internal/hooks"
	"github.com/tokligence/streamchat/internal/provider"
	"github.com/tokligence/streamchat/internal/provider/anthropic"
	"github.com/tokligence/streamchat/internal/provider/loopback"
	"github.com/tokligence/streamchat/internal/provider/openai"
	"github.com/tokligence/streamchat/internal/ticket"
	ticketmemory "github.com/tokligence/streamchat/internal/ticket/memory"
	ticketredis "github.com/tokligence/streamchat/internal/ticket/redis"
)

// ticketBackend is a ticket store the health checker can probe.
type ticketBackend interface {
	ticket.Store
	Ping(ctx context.Context) error
}

func openTicketStore(ctx context.Context, cfg config.Config) (ticketBackend, func() error, error) {
	switch cfg.Ticket.Store {
	case "memory":
		return ticketmemory.New(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := ticketredis.New(ticketredis.Config{Client: client, KeyPrefix: cfg.Redis.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown ticket store %q", cfg.Ticket.Store)
}

func openConversationStore(cfg config.ConversationConfig) (conversation.Store, error) {
	var (
		store conversation.Store
		err   error
	)
	switch cfg.Driver {
	case "memory":
		return convmemory.New(), nil
	case "sqlite":
		var s *convsqlite.Store
		s, err = convsqlite.New(cfg.Path)
		store = s
	case "pebble":
		var s *convpebble.Store
		s, err = convpebble.New(cfg.Path)
		store = s
	case "postgres":
		var s *convpostgres.Store
		s, err = convpostgres.New(cfg.DSN, convpostgres.PoolConfig{
			MaxOpen:         cfg.MaxOpenConns,
			MaxIdle:         cfg.MaxIdleConns,
			LifetimeMinutes: cfg.ConnLifetimeMinutes,
			IdleTimeMinutes: cfg.ConnIdleMinutes,
		})
		store = s
	default:
		return nil, fmt.Errorf("unknown conversation driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// modelBackend is a provider backend that reports its model id.
type modelBackend interface {
	provider.Backend
	Model() string
}

// buildProviders registers every backend the configuration can construct and
// returns the registry with the selected backend's model id. Loopback is
// always available.
func buildProviders(cfg config.Config) (*provider.Registry, map[string]string, error) {
	reg := provider.NewRegistry()
	models := make(map[string]string)
	add := func(b modelBackend) error {
		models[b.Name()] = b.Model()
		return reg.Register(b.Name(), provider.New(b))
	}

	if err := add(loopback.New(loopback.Config{Delay: cfg.Provider.LoopbackDelay})); err != nil {
		return nil, nil, err
	}
	temperature := cfg.Provider.Temperature
	if cfg.Anthropic.APIKey != "" {
		b, err := anthropic.New(anthropic.Config{
			APIKey:      cfg.Anthropic.APIKey,
			BaseURL:     cfg.Anthropic.BaseURL,
			Version:     cfg.Anthropic.Version,
			Model:       modelFor(cfg, "anthropic"),
			MaxTokens:   cfg.Provider.MaxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := add(b); err != nil {
			return nil, nil, err
		}
	}
	if cfg.OpenAI.APIKey != "" {
		b, err := openai.New(openai.Config{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			Organization: cfg.OpenAI.Organization,
			Model:        modelFor(cfg, "openai"),
			MaxTokens:    cfg.Provider.MaxTokens,
			Temperature:  &temperature,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := add(b); err != nil {
			return nil, nil, err
		}
	}
	return reg, models, nil
}

// modelFor applies the configured model only to the selected provider; the
// others keep their defaults.
func modelFor(cfg config.Config, name string) string {
	if cfg.Provider.Name == name {
		return cfg.Provider.Model
	}
	return ""
}

// buildHooks returns nil when hooks are disabled.
func buildHooks(cfg config.HooksConfig) *hooks.Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	d := &hooks.Dispatcher{}
	d.Register(hooks.NewScriptHandler(hooks.ScriptConfig{
		Command: cfg.ScriptPath,
		Args:    cfg.ScriptArgs,
		Env:     cfg.Env,
		Timeout: cfg.Timeout,
	}))
	return d
}
