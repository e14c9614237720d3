package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/streamchat/internal/config"
)

func TestOpenTicketStoreMemory(t *testing.T) {
	cfg := config.Default()
	store, closeFn, err := openTicketStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Put(ctx, "abc", "alice", time.Minute))
	identity, err := store.Take(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)
}

func TestOpenTicketStoreRedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Ticket.Store = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := openTicketStore(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}

func TestOpenTicketStoreUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Ticket.Store = "etcd"
	_, _, err := openTicketStore(context.Background(), cfg)
	require.Error(t, err)
}

func TestOpenConversationStore(t *testing.T) {
	dir := t.TempDir()
	cases := []config.ConversationConfig{
		{Driver: "memory"},
		{Driver: "sqlite", Path: filepath.Join(dir, "conversations.db")},
		{Driver: "pebble", Path: filepath.Join(dir, "conversations.pebble")},
	}
	for _, c := range cases {
		t.Run(c.Driver, func(t *testing.T) {
			store, err := openConversationStore(c)
			require.NoError(t, err)
			defer store.Close()

			ctx := context.Background()
			require.NoError(t, store.Ping(ctx))
			conv, err := store.Create(ctx, "alice", "hello")
			require.NoError(t, err)
			got, err := store.Get(ctx, conv.ID, "alice")
			require.NoError(t, err)
			assert.Equal(t, "hello", got.Title)
		})
	}

	_, err := openConversationStore(config.ConversationConfig{Driver: "mongo"})
	require.Error(t, err)
}

func TestBuildProvidersLoopbackOnly(t *testing.T) {
	reg, models, err := buildProviders(config.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"loopback"}, reg.Names())
	assert.Equal(t, "loopback", models["loopback"])
}

func TestBuildProvidersSelectsModel(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Name = "anthropic"
	cfg.Provider.Model = "claude-test"
	cfg.Anthropic.APIKey = "sk-ant"
	cfg.OpenAI.APIKey = "sk-oai"

	reg, models, err := buildProviders(cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"loopback", "anthropic", "openai"}, reg.Names())
	assert.Equal(t, "claude-test", models["anthropic"])
	assert.Equal(t, "gpt-4o-mini", models["openai"])

	p, err := reg.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestBuildHooks(t *testing.T) {
	assert.Nil(t, buildHooks(config.HooksConfig{}))

	d := buildHooks(config.HooksConfig{Enabled: true, ScriptPath: "/bin/true", Timeout: time.Second})
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Len())
}
