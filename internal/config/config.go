// Package config loads fieldsync settings from an optional YAML file and FIELDSYNC_* environment variables.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// EnvPrefix is prepended to every environment override, e.g. FIELDSYNC_API_BASE_URL.
const EnvPrefix = "FIELDSYNC"

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Storage StorageConfig `mapstructure:"storage"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Session SessionConfig `mapstructure:"session"`
}

type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DataDir     string `mapstructure:"data_dir"`
	RedisURL    string `mapstructure:"redis_url"`
	QueueKey    string `mapstructure:"queue_key"`
	CachePrefix string `mapstructure:"cache_prefix"`
	TokenKey    string `mapstructure:"token_key"`
}

type SyncConfig struct {
	DrainOnStart      bool          `mapstructure:"drain_on_start"`
	RetrySchedule     string        `mapstructure:"retry_schedule"`
	IdempotencyHeader string        `mapstructure:"idempotency_header"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port for the desktop listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SessionConfig struct {
	MachineID string `mapstructure:"machine_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.user_agent", "fieldsync/1.0")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.queue_key", "@offline_queue")
	v.SetDefault("storage.cache_prefix", "@cache:")
	v.SetDefault("storage.token_key", "@session_token")

	v.SetDefault("sync.drain_on_start", true)
	v.SetDefault("sync.retry_schedule", "")
	v.SetDefault("sync.idempotency_header", "Idempotency-Key")
	v.SetDefault("sync.drain_timeout", 5*time.Minute)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("session.machine_id", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration with environment overrides applied.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults always decode; an env override with a bad type is the only way here
		cfg = &Config{}
	}
	return cfg
}

// Load reads path (if non-empty) as YAML, overlays environment variables and validates.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "read config file", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads an in-memory document in format ("json" or "yaml"), overlays
// environment variables and validates. An empty document yields the defaults.
func Parse(data []byte, format string) (*Config, error) {
	v := newViper()
	if len(bytes.TrimSpace(data)) > 0 {
		v.SetConfigType(format)
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "parse config", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "decode config", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.New(apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("api.base_url must be an absolute URL, got %q", c.API.BaseURL)
		}
	}
	if c.API.Timeout < 0 {
		return invalid("api.timeout must not be negative")
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.DataDir == "" {
			return invalid("storage.data_dir is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Storage.RedisURL == "" {
			return invalid("storage.redis_url is required for the redis driver")
		}
	case DriverMemory:
	default:
		return invalid("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.QueueKey == "" || c.Storage.CachePrefix == "" || c.Storage.TokenKey == "" {
		return invalid("storage keys must not be empty")
	}
	if strings.HasPrefix(c.Storage.QueueKey, c.Storage.CachePrefix) {
		return invalid("storage.queue_key must not live under storage.cache_prefix")
	}

	if c.Sync.RetrySchedule != "" {
		if _, err := cron.ParseStandard(c.Sync.RetrySchedule); err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "sync.retry_schedule", err)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
