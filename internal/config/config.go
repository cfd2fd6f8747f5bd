// Package config loads server configuration with viper. Defaults encode the
// behavioral contract the rest of the storefront depends on: payments poll
// every 3 seconds, time out after 3 minutes, and allow 3 retries. Operators
// can move the poll interval only within the supported band.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultPollInterval is the fixed status-check cadence.
	DefaultPollInterval = 3 * time.Second
	// DefaultPollTimeout is the window after which an unresolved payment is
	// failed ("payment times out after 3 minutes").
	DefaultPollTimeout = 180 * time.Second
	// DefaultMaxRetries bounds Retry invocations per attempt.
	DefaultMaxRetries = 3

	minPollInterval = 3 * time.Second
	maxPollInterval = 4 * time.Second
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // "release" or "debug"
}

// LoggerConfig configures logging output.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// GatewayConfig configures the payment gateway client.
type GatewayConfig struct {
	Driver      string        `mapstructure:"driver"` // "http" or "mock"
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// PaymentConfig carries the orchestration constants.
type PaymentConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Payment PaymentConfig `mapstructure:"payment"`
}

// Load reads configuration from the optional YAML file at path and from
// PAYMENTS_-prefixed environment variables, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("gateway.driver", "http")
	v.SetDefault("gateway.base_url", "https://gateway.example")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.http_timeout", 10*time.Second)
	v.SetDefault("payment.poll_interval", DefaultPollInterval)
	v.SetDefault("payment.poll_timeout", DefaultPollTimeout)
	v.SetDefault("payment.max_retries", DefaultMaxRetries)

	v.SetEnvPrefix("PAYMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the behavioral constants' constraints.
func (c *Config) Validate() error {
	if c.Payment.PollInterval < minPollInterval || c.Payment.PollInterval > maxPollInterval {
		return fmt.Errorf("config: payment.poll_interval must be between %s and %s, got %s",
			minPollInterval, maxPollInterval, c.Payment.PollInterval)
	}
	if c.Payment.PollTimeout <= 0 {
		return fmt.Errorf("config: payment.poll_timeout must be positive, got %s", c.Payment.PollTimeout)
	}
	if c.Payment.MaxRetries < 0 {
		return fmt.Errorf("config: payment.max_retries must not be negative, got %d", c.Payment.MaxRetries)
	}
	switch c.Gateway.Driver {
	case "http", "mock":
	default:
		return fmt.Errorf("config: gateway.driver must be \"http\" or \"mock\", got %q", c.Gateway.Driver)
	}
	if c.Gateway.Driver == "http" && c.Gateway.BaseURL == "" {
		return fmt.Errorf("config: gateway.base_url is required for the http driver")
	}
	return nil
}
