// Package config loads interest engine configuration from an optional YAML
// file, defaults, and INTEREST_ENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/interest-engine/internal/interest"
	"github.com/atmx/interest-engine/internal/settlement"
)

// EnvPrefix prefixes every environment override, e.g.
// INTEREST_ENGINE_DATABASE_URL or INTEREST_ENGINE_INTEREST_ANNUAL_RATE.
const EnvPrefix = "INTEREST_ENGINE"

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Interest   InterestConfig   `mapstructure:"interest"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// RedisConfig holds the optional read-through cache configuration
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// InterestConfig holds the feature flag, token and rate.
// AnnualRate is a decimal string so it never passes through a float.
type InterestConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Token      string `mapstructure:"token"`
	AnnualRate string `mapstructure:"annual_rate"`
}

// SettlementConfig holds retry and concurrency policy
type SettlementConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	BaseBackoff        time.Duration `mapstructure:"base_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	ResolveConcurrency int           `mapstructure:"resolve_concurrency"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from file (if path is non-empty) and
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
// Every key needs a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", false)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("interest.enabled", true)
	v.SetDefault("interest.token", "MANA")
	v.SetDefault("interest.annual_rate", "0.05")

	v.SetDefault("settlement.max_retries", 3)
	v.SetDefault("settlement.base_backoff", "50ms")
	v.SetDefault("settlement.max_backoff", "1s")
	v.SetDefault("settlement.resolve_concurrency", 4)

	v.SetDefault("logging.level", "info")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if c.Interest.Token == "" {
		return errors.New("interest.token is required")
	}
	rate, err := c.AnnualRate()
	if err != nil {
		return err
	}
	if rate.IsNegative() {
		return errors.New("interest.annual_rate must not be negative")
	}
	if c.Settlement.MaxRetries < 1 {
		return errors.New("settlement.max_retries must be at least 1")
	}
	if c.Settlement.BaseBackoff <= 0 {
		return errors.New("settlement.base_backoff must be positive")
	}
	if c.Settlement.MaxBackoff < c.Settlement.BaseBackoff {
		return errors.New("settlement.max_backoff must be at least settlement.base_backoff")
	}
	if c.Settlement.ResolveConcurrency < 1 {
		return errors.New("settlement.resolve_concurrency must be at least 1")
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		return errors.New("redis.url requires database.url")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// Gate builds the eligibility gate.
func (c *Config) Gate() interest.Gate {
	return interest.Gate{Enabled: c.Interest.Enabled, Token: c.Interest.Token}
}

// AnnualRate parses interest.annual_rate.
func (c *Config) AnnualRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.Interest.AnnualRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("interest.annual_rate %q is not a decimal: %w", c.Interest.AnnualRate, err)
	}
	return rate, nil
}

// SettlementPolicy builds the settlement service configuration. Call it
// after Validate; an unparsable rate yields zero.
func (c *Config) SettlementPolicy() settlement.Config {
	rate, _ := c.AnnualRate()
	return settlement.Config{
		AnnualRate:         rate,
		MaxRetries:         c.Settlement.MaxRetries,
		BaseBackoff:        c.Settlement.BaseBackoff,
		MaxBackoff:         c.Settlement.MaxBackoff,
		ResolveConcurrency: c.Settlement.ResolveConcurrency,
	}
}

// SlogLevel maps logging.level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
