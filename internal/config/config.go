// Package config reads and writes ~/.pulse/config.toml. Every key can be
// overridden from the environment with a PULSE_ prefix, e.g. PULSE_API_TOKEN.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config represents the global ~/.pulse/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session" mapstructure:"default_session"`

	APIBaseURL  string `toml:"api_base_url" mapstructure:"api_base_url"`
	APIToken    string `toml:"api_token" mapstructure:"api_token"`
	UserID      int64  `toml:"user_id" mapstructure:"user_id"`
	DisplayName string `toml:"display_name,omitempty" mapstructure:"display_name"`

	FeedCapacity int `toml:"feed_capacity" mapstructure:"feed_capacity"`
	DrawHistory  int `toml:"draw_history" mapstructure:"draw_history"`

	ReconnectCeilingSeconds int `toml:"reconnect_ceiling_seconds" mapstructure:"reconnect_ceiling_seconds"`
	// MaxReconnectAttempts bounds messaging reconnects; 0 retries forever.
	MaxReconnectAttempts int `toml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	RingTimeoutSeconds   int `toml:"ring_timeout_seconds" mapstructure:"ring_timeout_seconds"`

	LogLevel string `toml:"log_level" mapstructure:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		FeedCapacity:            500,
		DrawHistory:             1000,
		ReconnectCeilingSeconds: 30,
		RingTimeoutSeconds:      45,
		LogLevel:                "info",
	}
}

// ReconnectCeiling is the upper bound of the reconnect backoff.
func (c *Config) ReconnectCeiling() time.Duration {
	return time.Duration(c.ReconnectCeilingSeconds) * time.Second
}

// RingTimeout is how long an unanswered call rings.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSeconds) * time.Second
}

// Load reads config from path and applies PULSE_ environment overrides. A
// missing file is not an error: defaults and the environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("default_session", def.DefaultSession)
	v.SetDefault("api_base_url", def.APIBaseURL)
	v.SetDefault("api_token", def.APIToken)
	v.SetDefault("user_id", def.UserID)
	v.SetDefault("display_name", def.DisplayName)
	v.SetDefault("feed_capacity", def.FeedCapacity)
	v.SetDefault("draw_history", def.DrawHistory)
	v.SetDefault("reconnect_ceiling_seconds", def.ReconnectCeilingSeconds)
	v.SetDefault("max_reconnect_attempts", def.MaxReconnectAttempts)
	v.SetDefault("ring_timeout_seconds", def.RingTimeoutSeconds)
	v.SetDefault("log_level", def.LogLevel)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
