// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/browserdeck/browserdeck/internal/common/logger"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a duration
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StorageConfig selects the agent store backend
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres, memory
	Path   string `mapstructure:"path"`   // sqlite database file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// NATSConfig configures the optional NATS event bus. When URL is empty the
// in-process bus is used.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// EngineConfig holds browser-engine settings
type EngineConfig struct {
	ProfilesDir        string `mapstructure:"profiles_dir"`
	GracePeriodSeconds int    `mapstructure:"grace_period_seconds"`
	QueueSize          int    `mapstructure:"queue_size"`
}

// GracePeriod returns the cancellation grace period as a duration
func (e EngineConfig) GracePeriod() time.Duration {
	return time.Duration(e.GracePeriodSeconds) * time.Second
}

// AuthConfig holds authorization-code settings
type AuthConfig struct {
	CodeTTLMinutes int `mapstructure:"code_ttl_minutes"`
}

// CodeTTL returns the authorization code lifetime as a duration
func (a AuthConfig) CodeTTL() time.Duration {
	return time.Duration(a.CodeTTLMinutes) * time.Minute
}

// Config is the top-level service configuration
type Config struct {
	Server  ServerConfig         `mapstructure:"server"`
	Logging logger.LoggingConfig `mapstructure:"logging"`
	Storage StorageConfig        `mapstructure:"storage"`
	NATS    NATSConfig           `mapstructure:"nats"`
	Engine  EngineConfig         `mapstructure:"engine"`
	Auth    AuthConfig           `mapstructure:"auth"`
}

// Load reads configuration from browserdeck.yaml (if present) and the
// BROWSERDECK_* environment, applying defaults for everything unset
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8084)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "browserdeck.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("engine.profiles_dir", "profiles")
	v.SetDefault("engine.grace_period_seconds", 5)
	v.SetDefault("engine.queue_size", 50)
	v.SetDefault("auth.code_ttl_minutes", 10)

	v.SetConfigName("browserdeck")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/browserdeck")

	v.SetEnvPrefix("BROWSERDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
