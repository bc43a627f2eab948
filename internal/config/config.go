// Package config loads service configuration from an optional YAML file and
// DEX_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "dex"

// Load reads the file at path, if given, and overlays environment variables.
// DEX_STORE_DRIVER overrides store.driver, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %q not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv copies the variables in a .env file into the process environment
// so Load sees them. Variables already set win. A missing file is not an
// error; an empty path means ".env" in the working directory.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", "30s")
	v.SetDefault("store.pebble_path", "data/ledger")
	v.SetDefault("store.max_tx_attempts", 8)

	v.SetDefault("exchange.allow_self_trade", false)
	v.SetDefault("exchange.allow_deposits", false)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
