// Package server provides configuration helpers that define runtime defaults
// and validation for the Parley chat service.
package server

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

const (
	defaultPort         = ":8080"
	defaultHistoryLimit = 200

	// minMaxMessageSize is the smallest usable read limit: a maximal valid
	// inbound envelope carries 480 runes of text at up to four bytes each,
	// plus alias, color, and JSON framing, so anything below this floor
	// would sever connections that send spec-valid messages.
	minMaxMessageSize     = 4096
	defaultMaxMessageSize = minMaxMessageSize
)

// Config holds the server configuration settings. Fields map to CHAT_*
// environment variables.
type Config struct {
	Port           string   `envconfig:"PORT"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
	MaxMessageSize int64    `envconfig:"MAX_MESSAGE_SIZE"`
	HistoryLimit   int      `envconfig:"HISTORY_LIMIT"`
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		HistoryLimit:   defaultHistoryLimit,
	}
}

// NewConfigFromEnv creates a Config from CHAT_* environment variables,
// falling back to defaults for anything unset or invalid.
func NewConfigFromEnv() Config {
	cfg := NewConfig()
	if err := envconfig.Process("chat", &cfg); err != nil {
		log.Printf("Ignoring invalid environment configuration: %v", err)
	}
	return cfg.sanitized()
}

// sanitized replaces zero or out-of-range settings with their defaults. The
// message size limit is clamped to its floor so a tight configuration cannot
// reject well-formed chat messages.
func (c Config) sanitized() Config {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.MaxMessageSize < minMaxMessageSize {
		c.MaxMessageSize = minMaxMessageSize
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	return c
}
