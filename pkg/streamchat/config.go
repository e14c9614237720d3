package streamchat

import (
	internalcfg "github.com/tokligence/streamchat/internal/config"
)

// Config re-exports the relay configuration so embedding programs can reuse
// the same parsed values without importing internal packages.
type Config = internalcfg.Config

// LoadOptions selects the config and .env files LoadConfig reads.
type LoadOptions = internalcfg.Options

// LoadConfig delegates to the internal loader.
func LoadConfig(opts LoadOptions) (Config, error) {
	return internalcfg.Load(opts)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return internalcfg.Default()
}
