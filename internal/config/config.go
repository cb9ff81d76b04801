package config

import (
	"fmt"
	"time"
)

// Config holds runtime configuration for the loom application.
type Config struct {
	LogLevel string `mapstructure:"log_level" json:"log_level"`

	// Execution bounds
	MaxTicks      int `mapstructure:"max_ticks" json:"max_ticks"`
	MaxSpawnDepth int `mapstructure:"max_spawn_depth" json:"max_spawn_depth"`

	// Registry bounds
	MaxActiveSessions int           `mapstructure:"max_active_sessions" json:"max_active_sessions"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`

	// Persistence
	StoreBackend string `mapstructure:"store_backend" json:"store_backend"` // "", "file" or "sqlite"
	StorePath    string `mapstructure:"store_path" json:"store_path"`
	InboxBackend string `mapstructure:"inbox_backend" json:"inbox_backend"` // "", "file" or "sqlite"
	InboxPath    string `mapstructure:"inbox_path" json:"inbox_path"`

	// Default model
	Provider string `mapstructure:"provider" json:"provider"` // "anthropic" or "openai"
	Model    string `mapstructure:"model" json:"model"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:          "info",
		MaxTicks:          24,
		MaxSpawnDepth:     10,
		MaxActiveSessions: 128,
		IdleTimeout:       30 * time.Minute,
		SweepInterval:     15 * time.Second,
		StoreBackend:      "",
		Provider:          "anthropic",
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.MaxTicks <= 0 {
		return fmt.Errorf("max_ticks must be positive")
	}
	if c.MaxSpawnDepth <= 0 {
		return fmt.Errorf("max_spawn_depth must be positive")
	}
	if c.MaxActiveSessions <= 0 {
		return fmt.Errorf("max_active_sessions must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	switch c.StoreBackend {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("unknown store_backend: %s", c.StoreBackend)
	}
	if c.StoreBackend != "" && c.StorePath == "" {
		return fmt.Errorf("store_path is required when store_backend is set")
	}
	switch c.InboxBackend {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("unknown inbox_backend: %s", c.InboxBackend)
	}
	if c.InboxBackend != "" && c.InboxPath == "" {
		return fmt.Errorf("inbox_path is required when inbox_backend is set")
	}
	switch c.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider: %s", c.Provider)
	}
	return nil
}
