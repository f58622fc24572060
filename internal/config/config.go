// Package config loads client configuration from a YAML file with
// environment variable overrides, backed by viper. Every value has a
// default; a missing config file is not an error.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/voicecode/voicecode/internal/dispatch"
	"github.com/voicecode/voicecode/internal/retry"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
	Voice   VoiceConfig   `mapstructure:"voice"`
}

// ServerConfig describes the backend connection.
type ServerConfig struct {
	URL            string          `mapstructure:"url"`
	ConnectTimeout time.Duration   `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	PingInterval   time.Duration   `mapstructure:"ping_interval"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig bounds the automatic reconnect cycle.
type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// HistoryConfig controls the local SQLite history archive.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// VoiceConfig controls speech output behavior.
type VoiceConfig struct {
	SpeakResponses bool `mapstructure:"speak_responses"`
}

// Load reads configuration from configPath (a directory searched for
// config.yaml) plus VOICECODE_* environment variables. An absent config
// file falls back to defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("VOICECODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://localhost:8765/ws")
	v.SetDefault("server.connect_timeout", "10s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.ping_interval", "54s")
	v.SetDefault("server.reconnect.max_attempts", 10)
	v.SetDefault("server.reconnect.base_delay", "1s")
	v.SetDefault("server.reconnect.max_delay", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "voicecode-history.db")

	v.SetDefault("voice.speak_responses", true)
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url must be set")
	}
	if c.Server.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("server.reconnect.max_attempts must be at least 1")
	}
	if c.Server.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("server.reconnect.base_delay must be positive")
	}
	return nil
}

// DispatchOptions converts the server section into dispatcher options.
func (c *Config) DispatchOptions() dispatch.Options {
	opts := dispatch.DefaultOptions()
	opts.URL = c.Server.URL
	if c.Server.ConnectTimeout > 0 {
		opts.ConnectTimeout = c.Server.ConnectTimeout
	}
	if c.Server.RequestTimeout > 0 {
		opts.RequestTimeout = c.Server.RequestTimeout
	}
	opts.PingInterval = c.Server.PingInterval
	opts.Policy = retry.Policy{
		MaxAttempts: c.Server.Reconnect.MaxAttempts,
		BaseDelay:   c.Server.Reconnect.BaseDelay,
		MaxDelay:    c.Server.Reconnect.MaxDelay,
	}
	return opts
}
