package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.Level))
	return lvl, err
}

// StoreConfig selects the ledger backend. RedisURL, when set, puts a
// read-through cache in front of it.
type StoreConfig struct {
	Driver        string        `mapstructure:"driver"`
	PostgresURL   string        `mapstructure:"postgres_url"`
	RedisURL      string        `mapstructure:"redis_url"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	PebblePath    string        `mapstructure:"pebble_path"`
	MaxTxAttempts int           `mapstructure:"max_tx_attempts"`
}

// ExchangeConfig holds ledger policy switches. AllowDeposits opens the
// development faucet at POST /accounts/{owner}/deposits.
type ExchangeConfig struct {
	AllowSelfTrade bool `mapstructure:"allow_self_trade"`
	AllowDeposits  bool `mapstructure:"allow_deposits"`
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var err error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.IdleTimeout <= 0 {
		err = multierr.Append(err, errors.New("server timeouts must be positive"))
	}
	if c.Server.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.request_timeout must be positive"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout must be positive"))
	}
	if _, lerr := c.Log.SlogLevel(); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			err = multierr.Append(err, errors.New("store.postgres_url is required for the postgres driver"))
		}
	case DriverPebble:
		if c.Store.PebblePath == "" {
			err = multierr.Append(err, errors.New("store.pebble_path is required for the pebble driver"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("store.driver %q is not one of memory, postgres, pebble", c.Store.Driver))
	}
	if c.Store.RedisURL != "" && c.Store.CacheTTL <= 0 {
		err = multierr.Append(err, errors.New("store.cache_ttl must be positive when redis is enabled"))
	}
	if c.Store.MaxTxAttempts < 1 {
		err = multierr.Append(err, errors.New("store.max_tx_attempts must be at least 1"))
	}
	return err
}
