// Package config loads orchestrator configuration from file, environment and
// defaults, in that order of increasing precedence for env overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Server     ServerConfig     `mapstructure:"server"`
	Session    SessionConfig    `mapstructure:"session"`
	Media      MediaConfig      `mapstructure:"media"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	History    HistoryConfig    `mapstructure:"history"`
}

// ServerConfig locates the remote conversation service.
type ServerConfig struct {
	TokenEndpoint string `mapstructure:"token_endpoint"`
	Room          string `mapstructure:"room"`
	Identity      string `mapstructure:"identity"`
}

// SessionConfig tunes the session state machine.
type SessionConfig struct {
	MaxConnectAttempts int           `mapstructure:"max_connect_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
}

// MediaConfig tunes the track lifecycle manager.
type MediaConfig struct {
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
}

// TranscriptConfig tunes the transcript reconciler.
type TranscriptConfig struct {
	ProgressiveReveal bool `mapstructure:"progressive_reveal"`
}

// GatewayConfig tunes the presentation websocket gateway.
type GatewayConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// HistoryConfig locates the chat history database.
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// Load reads configuration. A missing config file is not an error; defaults
// and PARLEY_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("parley")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/parley")
	}

	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("server.token_endpoint", "http://localhost:8090/token")
	v.SetDefault("server.room", "parley")
	v.SetDefault("server.identity", "user")
	v.SetDefault("session.max_connect_attempts", 3)
	v.SetDefault("session.backoff_base", "500ms")
	v.SetDefault("session.call_timeout", "10s")
	v.SetDefault("media.graceful_timeout", "3s")
	v.SetDefault("media.settle_delay", "300ms")
	v.SetDefault("transcript.progressive_reveal", true)
	v.SetDefault("gateway.listen_addr", "127.0.0.1:8750")
	v.SetDefault("history.db_path", "")

	if err := v.ReadInConfig(); err != nil {
		// An explicit path must exist; the default search may come up empty.
		var notFound viper.ConfigFileNotFoundError
		if path != "" {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}
