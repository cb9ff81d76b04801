package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file, falling back to defaults when the
// file is absent. Environment variables prefixed with LOOM_ override both.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("max_ticks", defaults.MaxTicks)
	v.SetDefault("max_spawn_depth", defaults.MaxSpawnDepth)
	v.SetDefault("max_active_sessions", defaults.MaxActiveSessions)
	v.SetDefault("idle_timeout", defaults.IdleTimeout)
	v.SetDefault("sweep_interval", defaults.SweepInterval)
	v.SetDefault("store_backend", defaults.StoreBackend)
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("inbox_backend", defaults.InboxBackend)
	v.SetDefault("inbox_path", defaults.InboxPath)
	v.SetDefault("provider", defaults.Provider)
	v.SetDefault("model", defaults.Model)

	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()

	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); err == nil {
			v.SetConfigFile(l.configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
