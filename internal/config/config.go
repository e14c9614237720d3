// Package config loads streamchat settings from built-in defaults, an
// optional YAML file, an optional .env file and the process environment, in
// that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tokligence/streamchat/internal/chat"
)

const (
	// DefaultConfigFile is read when present; STREAMCHAT_CONFIG overrides it.
	DefaultConfigFile = "config/streamchat.yaml"
	// DefaultEnvFile is loaded when present; STREAMCHAT_ENV_FILE overrides it.
	DefaultEnvFile = ".env"
)

// Config is the complete daemon configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Auth         AuthConfig         `yaml:"auth"`
	Ticket       TicketConfig       `yaml:"ticket"`
	Redis        RedisConfig        `yaml:"redis"`
	Conversation ConversationConfig `yaml:"conversation"`
	Provider     ProviderConfig     `yaml:"provider"`
	Anthropic    AnthropicConfig    `yaml:"anthropic"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	Validation   ValidationConfig   `yaml:"validation"`
	WebSocket    WebSocketConfig    `yaml:"ws"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Hooks        HooksConfig        `yaml:"hooks"`
}

// ServerConfig holds HTTP listener settings. In the environment,
// STREAMCHAT_ALLOWED_ORIGINS separates origins with ";".
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" env:"STREAMCHAT_LISTEN_ADDR"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"STREAMCHAT_ALLOWED_ORIGINS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"STREAMCHAT_SHUTDOWN_TIMEOUT,strict"`
	// PersistTimeout bounds saving a finished reply after the stream ends.
	PersistTimeout time.Duration `yaml:"persist_timeout" env:"STREAMCHAT_PERSIST_TIMEOUT,strict"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level    string `yaml:"level" env:"STREAMCHAT_LOG_LEVEL"`
	Format   string `yaml:"format" env:"STREAMCHAT_LOG_FORMAT"`
	File     string `yaml:"file" env:"STREAMCHAT_LOG_FILE"`
	MaxBytes int64  `yaml:"max_bytes" env:"STREAMCHAT_LOG_MAX_BYTES,strict"`
	// MaxBackups bounds rotated files kept next to File.
	MaxBackups int `yaml:"max_backups" env:"STREAMCHAT_LOG_MAX_BACKUPS,strict"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret   string        `yaml:"secret" env:"STREAMCHAT_AUTH_SECRET"`
	Issuer   string        `yaml:"issuer" env:"STREAMCHAT_AUTH_ISSUER"`
	Disabled bool          `yaml:"disabled" env:"STREAMCHAT_AUTH_DISABLED,strict"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"STREAMCHAT_AUTH_TOKEN_TTL,strict"`
}

// TicketConfig selects the ticket store.
type TicketConfig struct {
	TTL   time.Duration `yaml:"ttl" env:"STREAMCHAT_TICKET_TTL,strict"`
	Store string        `yaml:"store" env:"STREAMCHAT_TICKET_STORE"`
}

// RedisConfig is used by the redis ticket store.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"STREAMCHAT_REDIS_ADDR"`
	Password  string `yaml:"password" env:"STREAMCHAT_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"STREAMCHAT_REDIS_DB,strict"`
	KeyPrefix string `yaml:"key_prefix" env:"STREAMCHAT_REDIS_KEY_PREFIX"`
}

// ConversationConfig selects and tunes the conversation store.
type ConversationConfig struct {
	Driver string `yaml:"driver" env:"STREAMCHAT_CONVERSATION_DRIVER"`
	// Path is the sqlite file or pebble directory.
	Path string `yaml:"path" env:"STREAMCHAT_CONVERSATION_PATH"`
	// DSN is the postgres connection string.
	DSN                 string `yaml:"dsn" env:"STREAMCHAT_CONVERSATION_DSN"`
	MaxOpenConns        int    `yaml:"max_open_conns" env:"STREAMCHAT_CONVERSATION_MAX_OPEN_CONNS,strict"`
	MaxIdleConns        int    `yaml:"max_idle_conns" env:"STREAMCHAT_CONVERSATION_MAX_IDLE_CONNS,strict"`
	ConnLifetimeMinutes int    `yaml:"conn_lifetime_minutes" env:"STREAMCHAT_CONVERSATION_CONN_LIFETIME_MINUTES,strict"`
	ConnIdleMinutes     int    `yaml:"conn_idle_minutes" env:"STREAMCHAT_CONVERSATION_CONN_IDLE_MINUTES,strict"`
}

// ProviderConfig selects the completion backend.
type ProviderConfig struct {
	Name        string  `yaml:"name" env:"STREAMCHAT_PROVIDER"`
	Model       string  `yaml:"model" env:"STREAMCHAT_MODEL"`
	Temperature float64 `yaml:"temperature" env:"STREAMCHAT_TEMPERATURE,strict"`
	MaxTokens   int     `yaml:"max_tokens" env:"STREAMCHAT_MAX_TOKENS,strict"`
	// LoopbackDelay paces the loopback backend between tokens.
	LoopbackDelay time.Duration `yaml:"loopback_delay" env:"STREAMCHAT_LOOPBACK_DELAY,strict"`
}

// AnthropicConfig holds Anthropic API credentials.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key" env:"STREAMCHAT_ANTHROPIC_API_KEY"`
	BaseURL string `yaml:"base_url" env:"STREAMCHAT_ANTHROPIC_BASE_URL"`
	Version string `yaml:"version" env:"STREAMCHAT_ANTHROPIC_VERSION"`
}

// OpenAIConfig holds OpenAI API credentials.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key" env:"STREAMCHAT_OPENAI_API_KEY"`
	BaseURL      string `yaml:"base_url" env:"STREAMCHAT_OPENAI_BASE_URL"`
	Organization string `yaml:"organization" env:"STREAMCHAT_OPENAI_ORG"`
}

// ValidationConfig bounds inbound requests.
type ValidationConfig struct {
	MaxContentChars int `yaml:"max_content_chars" env:"STREAMCHAT_MAX_CONTENT_CHARS,strict"`
}

// WebSocketConfig tunes the duplex transport.
type WebSocketConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout" env:"STREAMCHAT_WS_WRITE_TIMEOUT,strict"`
	PingInterval time.Duration `yaml:"ping_interval" env:"STREAMCHAT_WS_PING_INTERVAL,strict"`
	PongWait     time.Duration `yaml:"pong_wait" env:"STREAMCHAT_WS_PONG_WAIT,strict"`
}

// RateLimitConfig applies to ticket issuance and one-shot chat.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" env:"STREAMCHAT_RATE_LIMIT_ENABLED,strict"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"STREAMCHAT_RATE_LIMIT_RPS,strict"`
	Burst             int     `yaml:"burst" env:"STREAMCHAT_RATE_LIMIT_BURST,strict"`
}

// HooksConfig runs an external script for each conversation lifecycle
// event. STREAMCHAT_HOOK_ARGS separates arguments with ";". Env is only
// read from the YAML file.
type HooksConfig struct {
	Enabled    bool              `yaml:"enabled" env:"STREAMCHAT_HOOKS_ENABLED,strict"`
	ScriptPath string            `yaml:"script_path" env:"STREAMCHAT_HOOK_SCRIPT"`
	ScriptArgs []string          `yaml:"script_args" env:"STREAMCHAT_HOOK_ARGS"`
	Env        map[string]string `yaml:"env,omitempty"`
	Timeout    time.Duration     `yaml:"timeout" env:"STREAMCHAT_HOOK_TIMEOUT,strict"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 15 * time.Second,
			PersistTimeout:  10 * time.Second,
		},
		Log:    LogConfig{Level: "info", Format: "json", MaxBytes: 100 << 20, MaxBackups: 7},
		Auth:   AuthConfig{Issuer: "streamchat", TokenTTL: 24 * time.Hour},
		Ticket: TicketConfig{TTL: 30 * time.Second, Store: "memory"},
		Redis:  RedisConfig{Addr: "localhost:6379", KeyPrefix: "streamchat:ticket:"},
		Conversation: ConversationConfig{
			Driver:              "sqlite",
			Path:                filepath.Join(DefaultDataDir(), "conversations.db"),
			MaxOpenConns:        20,
			MaxIdleConns:        5,
			ConnLifetimeMinutes: 30,
			ConnIdleMinutes:     5,
		},
		Provider:   ProviderConfig{Name: "loopback", Temperature: 0.7, MaxTokens: 4096},
		Anthropic:  AnthropicConfig{Version: "2023-06-01"},
		Validation: ValidationConfig{MaxContentChars: 50000},
		WebSocket: WebSocketConfig{
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
		},
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 2, Burst: 10},
		Hooks:     HooksConfig{Timeout: 30 * time.Second},
	}
}

// Options locate the optional files. Empty fields fall back to the
// STREAMCHAT_CONFIG / STREAMCHAT_ENV_FILE variables and then the defaults.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load builds the configuration. A config file named explicitly must exist;
// the default locations are optional.
func Load(opts Options) (Config, error) {
	cfg := Default()

	path, explicit := resolve(opts.ConfigFile, "STREAMCHAT_CONFIG", DefaultConfigFile)
	if err := loadYAML(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return Config{}, err
		}
	}

	envPath, explicit := resolve(opts.EnvFile, "STREAMCHAT_ENV_FILE", DefaultEnvFile)
	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return Config{}, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolve(given, envKey, fallback string) (string, bool) {
	if v := strings.TrimSpace(given); v != "" {
		return v, true
	}
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v, true
	}
	return fallback, false
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Ticket.Store = strings.ToLower(strings.TrimSpace(c.Ticket.Store))
	c.Conversation.Driver = strings.ToLower(strings.TrimSpace(c.Conversation.Driver))
	c.Provider.Name = strings.ToLower(strings.TrimSpace(c.Provider.Name))
	origins := c.Server.AllowedOrigins[:0]
	for _, o := range c.Server.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.Server.AllowedOrigins = origins
	if strings.HasPrefix(c.Conversation.Path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.Conversation.Path = filepath.Join(home, c.Conversation.Path[2:])
		}
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return errors.New("server.listen_addr is required")
	}
	if !c.Auth.Disabled && strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("auth.secret is required unless auth.disabled is set")
	}
	if c.Ticket.TTL <= 0 {
		return fmt.Errorf("ticket.ttl must be positive, got %s", c.Ticket.TTL)
	}
	switch c.Ticket.Store {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis.addr is required for the redis ticket store")
		}
	default:
		return fmt.Errorf("unknown ticket.store %q (want memory or redis)", c.Ticket.Store)
	}
	switch c.Conversation.Driver {
	case "memory":
	case "sqlite", "pebble":
		if strings.TrimSpace(c.Conversation.Path) == "" {
			return fmt.Errorf("conversation.path is required for the %s driver", c.Conversation.Driver)
		}
	case "postgres":
		if strings.TrimSpace(c.Conversation.DSN) == "" {
			return errors.New("conversation.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown conversation.driver %q (want memory, sqlite, postgres or pebble)", c.Conversation.Driver)
	}
	switch c.Provider.Name {
	case "loopback":
	case "anthropic":
		if strings.TrimSpace(c.Anthropic.APIKey) == "" {
			return errors.New("anthropic.api_key is required for the anthropic provider")
		}
	case "openai":
		if strings.TrimSpace(c.OpenAI.APIKey) == "" {
			return errors.New("openai.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown provider.name %q (want loopback, anthropic or openai)", c.Provider.Name)
	}
	if c.Validation.MaxContentChars <= 0 {
		return errors.New("validation.max_content_chars must be positive")
	}
	if c.WebSocket.PingInterval > 0 && c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("ws.pong_wait (%s) must exceed ws.ping_interval (%s)", c.WebSocket.PongWait, c.WebSocket.PingInterval)
	}
	if c.Hooks.Enabled && strings.TrimSpace(c.Hooks.ScriptPath) == "" {
		return errors.New("hooks.script_path is required when hooks are enabled")
	}
	return nil
}

// MaxFrameBytes is the inbound WebSocket frame cap. It admits the worst-case
// encoding of a request at the content limit.
func (c Config) MaxFrameBytes() int64 {
	return chat.MaxEncodedBytes(c.Validation.MaxContentChars)
}

// DefaultDataDir is where file-backed stores live by default.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".streamchat"
	}
	return filepath.Join(home, ".streamchat")
}
