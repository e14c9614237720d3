package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("STREAMCHAT_CONFIG", "")
	t.Setenv("STREAMCHAT_ENV_FILE", "")
	t.Setenv("STREAMCHAT_AUTH_SECRET", "")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadDefaultsRequireSecret(t *testing.T) {
	isolate(t)
	_, err := Load(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("STREAMCHAT_AUTH_SECRET", "s3cret")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Ticket.TTL)
	assert.Equal(t, "memory", cfg.Ticket.Store)
	assert.Equal(t, "sqlite", cfg.Conversation.Driver)
	assert.Equal(t, "loopback", cfg.Provider.Name)
	assert.Equal(t, 50000, cfg.Validation.MaxContentChars)
	assert.Equal(t, int64(12*50000+64*1024), cfg.MaxFrameBytes())
}

func TestYAMLThenEnvPrecedence(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, DefaultConfigFile), `
server:
  listen_addr: ":9000"
  allowed_origins: ["https://app.example.com"]
auth:
  secret: from-yaml
ticket:
  ttl: 45s
conversation:
  driver: Memory
provider:
  name: loopback
  model: echo-1
ws:
  ping_interval: 10s
  pong_wait: 20s
`)
	t.Setenv("STREAMCHAT_LISTEN_ADDR", ":9100")
	t.Setenv("STREAMCHAT_TICKET_TTL", "5s")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.ListenAddr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "from-yaml", cfg.Auth.Secret)
	assert.Equal(t, 5*time.Second, cfg.Ticket.TTL)
	assert.Equal(t, "memory", cfg.Conversation.Driver)
	assert.Equal(t, "echo-1", cfg.Provider.Model)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.PingInterval)
	// untouched sections keep their defaults
	assert.Equal(t, 2.0, cfg.RateLimit.RequestsPerSecond)
}

func TestEnvOriginsAreSemicolonSeparated(t *testing.T) {
	isolate(t)
	t.Setenv("STREAMCHAT_AUTH_SECRET", "x")
	t.Setenv("STREAMCHAT_ALLOWED_ORIGINS", "https://a.example; https://b.example;")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestDotEnvDoesNotOverrideProcessEnv(t *testing.T) {
	dir := isolate(t)
	t.Setenv("STREAMCHAT_LISTEN_ADDR", ":7000")
	// godotenv never overrides a variable that exists, even when empty
	require.NoError(t, os.Unsetenv("STREAMCHAT_AUTH_SECRET"))
	writeFile(t, filepath.Join(dir, ".env"), "STREAMCHAT_AUTH_SECRET=dotenv-secret\nSTREAMCHAT_LISTEN_ADDR=:7100\n")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "dotenv-secret", cfg.Auth.Secret)
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	dir := isolate(t)
	_, err := Load(Options{ConfigFile: filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)

	t.Setenv("STREAMCHAT_CONFIG", filepath.Join(dir, "also-missing.yaml"))
	_, err = Load(Options{})
	require.Error(t, err)
}

func TestMalformedValues(t *testing.T) {
	dir := isolate(t)
	t.Setenv("STREAMCHAT_AUTH_SECRET", "x")

	t.Setenv("STREAMCHAT_TICKET_TTL", "soon")
	_, err := Load(Options{})
	require.Error(t, err)
	t.Setenv("STREAMCHAT_TICKET_TTL", "")

	writeFile(t, filepath.Join(dir, "bad.yaml"), "server: [unclosed\n")
	_, err = Load(Options{ConfigFile: filepath.Join(dir, "bad.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Auth.Secret = "x"
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"auth disabled needs no secret", func(c *Config) { c.Auth.Secret = ""; c.Auth.Disabled = true }, ""},
		{"unknown ticket store", func(c *Config) { c.Ticket.Store = "etcd" }, "ticket.store"},
		{"redis without addr", func(c *Config) { c.Ticket.Store = "redis"; c.Redis.Addr = "" }, "redis.addr"},
		{"zero ttl", func(c *Config) { c.Ticket.TTL = 0 }, "ticket.ttl"},
		{"unknown driver", func(c *Config) { c.Conversation.Driver = "mongo" }, "conversation.driver"},
		{"postgres without dsn", func(c *Config) { c.Conversation.Driver = "postgres" }, "conversation.dsn"},
		{"pebble without path", func(c *Config) { c.Conversation.Driver = "pebble"; c.Conversation.Path = "" }, "conversation.path"},
		{"anthropic without key", func(c *Config) { c.Provider.Name = "anthropic" }, "anthropic.api_key"},
		{"openai with key", func(c *Config) { c.Provider.Name = "openai"; c.OpenAI.APIKey = "sk" }, ""},
		{"unknown provider", func(c *Config) { c.Provider.Name = "bard" }, "provider.name"},
		{"pong before ping", func(c *Config) { c.WebSocket.PongWait = c.WebSocket.PingInterval }, "ws.pong_wait"},
		{"keepalive disabled", func(c *Config) { c.WebSocket.PingInterval = 0; c.WebSocket.PongWait = 0 }, ""},
		{"zero content limit", func(c *Config) { c.Validation.MaxContentChars = 0 }, "max_content_chars"},
		{"hooks without script", func(c *Config) { c.Hooks.Enabled = true }, "hooks.script_path"},
		{"hooks with script", func(c *Config) { c.Hooks.Enabled = true; c.Hooks.ScriptPath = "/bin/true" }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
