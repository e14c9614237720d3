// Package bootstrap scaffolds a starter configuration file.
package bootstrap

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/streamchat/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root               string
	ListenAddr         string
	AuthSecret         string
	Provider           string
	ConversationDriver string
	ConversationPath   string
	TicketStore        string
	Force              bool
}

// Init writes config/streamchat.yaml under Root and returns its path. A
// random auth secret is generated when none is given.
func Init(opts InitOptions) (string, error) {
	if err := applyDefaults(&opts); err != nil {
		return "", err
	}
	cfg := config.Default()
	cfg.Server.ListenAddr = opts.ListenAddr
	cfg.Auth.Secret = opts.AuthSecret
	cfg.Provider.Name = opts.Provider
	cfg.Conversation.Driver = opts.ConversationDriver
	cfg.Conversation.Path = opts.ConversationPath
	cfg.Ticket.Store = opts.TicketStore
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid options: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# streamchat configuration. Environment variables (STREAMCHAT_*) override these values.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}

	path := filepath.Join(opts.Root, config.DefaultConfigFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := writeFile(path, buf.Bytes(), opts.Force); err != nil {
		return "", err
	}
	return path, nil
}

func applyDefaults(opts *InitOptions) error {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.ListenAddr) == "" {
		opts.ListenAddr = ":8080"
	}
	if strings.TrimSpace(opts.Provider) == "" {
		opts.Provider = "loopback"
	}
	if strings.TrimSpace(opts.ConversationDriver) == "" {
		opts.ConversationDriver = "sqlite"
	}
	if strings.TrimSpace(opts.ConversationPath) == "" {
		name := "conversations.db"
		if opts.ConversationDriver == "pebble" {
			name = "conversations.pebble"
		}
		opts.ConversationPath = filepath.Join("data", name)
	}
	if strings.TrimSpace(opts.TicketStore) == "" {
		opts.TicketStore = "memory"
	}
	if strings.TrimSpace(opts.AuthSecret) == "" {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		opts.AuthSecret = secret
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func writeFile(path string, contents []byte, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, contents, 0o600)
}
