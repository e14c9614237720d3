package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tokligence/streamchat/internal/auth"
	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/config"
	convmemory "github.com/tokligence/streamchat/internal/conversation/memory"
	"github.com/tokligence/streamchat/internal/httpserver"
	"github.com/tokligence/streamchat/internal/metrics"
	"github.com/tokligence/streamchat/internal/provider"
	"github.com/tokligence/streamchat/internal/provider/loopback"
	"github.com/tokligence/streamchat/internal/relay"
	"github.com/tokligence/streamchat/internal/session"
	"github.com/tokligence/streamchat/internal/testutil"
	"github.com/tokligence/streamchat/internal/ticket"
	ticketmemory "github.com/tokligence/streamchat/internal/ticket/memory"
)

const testSecret = "cli-test-secret"

// initWorkspace writes a config with a known secret into a fresh working
// directory and returns its path.
func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("STREAMCHAT_TOKEN", "")
	t.Setenv("STREAMCHAT_URL", "")
	t.Setenv("STREAMCHAT_AUTH_SECRET", "")
	t.Setenv("STREAMCHAT_CONFIG", "")

	var out bytes.Buffer
	err := run(context.Background(), "init", []string{"--root", dir, "--secret", testSecret, "--store", "memory"}, nil, &out)
	require.NoError(t, err)
	path := filepath.Join(dir, config.DefaultConfigFile)
	assert.Equal(t, "wrote "+path+"\n", out.String())
	return path
}

func startServer(t *testing.T) string {
	t.Helper()
	logger := zaptest.NewLogger(t)
	am, err := auth.NewManager(auth.Config{Secret: testSecret, Issuer: "streamchat"})
	require.NoError(t, err)
	convs := convmemory.New()
	collector := metrics.NewCollector()
	p := provider.New(loopback.New(loopback.Config{}))
	srv := httpserver.New(httpserver.Config{
		Auth:          am,
		Tickets:       ticket.NewExchange(ticketmemory.New(), 0),
		Relay:         relay.New(relay.Config{Store: convs, Provider: p, Logger: logger, Metrics: collector}),
		Conversations: convs,
		Validator:     chat.NewValidator(1000),
		Metrics:       collector,
		Logger:        logger,
		WebSocket:     session.WSOptions{WriteTimeout: time.Second, MaxFrameBytes: chat.MaxEncodedBytes(1000)},
	})
	ts := testutil.NewIPv4Server(t, srv.Router())
	t.Cleanup(srv.Close)
	return ts.URL
}

func TestTokenMintsFromConfig(t *testing.T) {
	path := initWorkspace(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), "token", []string{"--config", path, "--user", "alice"}, nil, &out))

	am, err := auth.NewManager(auth.Config{Secret: testSecret, Issuer: "streamchat"})
	require.NoError(t, err)
	identity, err := am.ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)
}

func TestInitRefusesOverwrite(t *testing.T) {
	path := initWorkspace(t)
	err := run(context.Background(), "init", []string{"--root", filepath.Dir(filepath.Dir(path))}, nil, &bytes.Buffer{})
	require.Error(t, err)
}

func TestAskStreamsReply(t *testing.T) {
	path := initWorkspace(t)
	url := startServer(t)

	var out bytes.Buffer
	err := run(context.Background(), "ask", []string{"--url", url, "--config", path, "hi", "you"}, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "[loopback] hi you\n", out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), "conversations", []string{"--url", url, "--config", path}, nil, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
}

func TestAskRequiresMessage(t *testing.T) {
	path := initWorkspace(t)
	err := run(context.Background(), "ask", []string{"--config", path}, nil, &bytes.Buffer{})
	require.EqualError(t, err, "message required")
}

func TestChatSession(t *testing.T) {
	path := initWorkspace(t)
	url := startServer(t)

	stdin := strings.NewReader("hello there\n\nagain\n/quit\n")
	var out bytes.Buffer
	err := run(context.Background(), "chat", []string{"--url", url, "--config", path}, stdin, &out)
	require.NoError(t, err)
	assert.Equal(t, "> [loopback] hello there\n> > [loopback] again\n> ", out.String())
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), "frobnicate", nil, nil, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "Usage:")
}
