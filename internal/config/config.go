// Package config provides configuration management for runbookd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shiftctl/runbookd/internal/errors"
)

// Store dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerNATS   = "nats"
)

// StoreConfig selects the engine's database.
type StoreConfig struct {
	// Dialect is sqlite or postgres.
	Dialect string `mapstructure:"dialect" yaml:"dialect"`

	// DSN is the connection string: a file path for sqlite, a pgx URL for
	// postgres.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// BrokerConfig selects the messaging transport.
type BrokerConfig struct {
	// Kind is memory (single process) or nats.
	Kind string `mapstructure:"kind" yaml:"kind"`

	// URL is the NATS server URL; ignored for the memory broker.
	URL string `mapstructure:"url" yaml:"url"`

	// MaxDeliveries before a message is dead-lettered.
	MaxDeliveries int `mapstructure:"max_deliveries" yaml:"max_deliveries"`
}

// SchedulerConfig tunes the tick loop.
type SchedulerConfig struct {
	// TickInterval between scheduler passes.
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`

	// Parallelism caps concurrently processed runbooks per tick.
	Parallelism int `mapstructure:"parallelism" yaml:"parallelism"`
}

// DispatchConfig tunes job publishing.
type DispatchConfig struct {
	// MaxInflight caps concurrent publishes per worker-pool identity.
	MaxInflight int `mapstructure:"max_inflight" yaml:"max_inflight"`

	// PublishBudget bounds the retry backoff for one publish.
	PublishBudget time.Duration `mapstructure:"publish_budget" yaml:"publish_budget"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is json or text.
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the full runbookd configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`

	// Listen is the HTTP address for metrics and health.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Store:     StoreConfig{Dialect: DialectSQLite, DSN: "runbookd.db"},
		Broker:    BrokerConfig{Kind: BrokerMemory, URL: "nats://127.0.0.1:4222", MaxDeliveries: 5},
		Scheduler: SchedulerConfig{TickInterval: 5 * time.Minute, Parallelism: 4},
		Dispatch:  DispatchConfig{MaxInflight: 8, PublishBudget: 30 * time.Second},
		Log:       LogConfig{Level: "info", Format: "json"},
		Listen:    ":9611",
	}
}

// Load reads configuration from the given file (optional), layered under
// RUNBOOKD_* environment variables, on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("store.dialect", def.Store.Dialect)
	v.SetDefault("store.dsn", def.Store.DSN)
	v.SetDefault("broker.kind", def.Broker.Kind)
	v.SetDefault("broker.url", def.Broker.URL)
	v.SetDefault("broker.max_deliveries", def.Broker.MaxDeliveries)
	v.SetDefault("scheduler.tick_interval", def.Scheduler.TickInterval)
	v.SetDefault("scheduler.parallelism", def.Scheduler.Parallelism)
	v.SetDefault("dispatch.max_inflight", def.Dispatch.MaxInflight)
	v.SetDefault("dispatch.publish_budget", def.Dispatch.PublishBudget)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("listen", def.Listen)

	v.SetEnvPrefix("RUNBOOKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.ErrConfigInvalid("file", err.Error())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ErrConfigInvalid("file", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return errors.ErrConfigInvalid("store.dialect",
			fmt.Sprintf("must be %q or %q (got %q)", DialectSQLite, DialectPostgres, c.Store.Dialect))
	}
	if c.Store.DSN == "" {
		return errors.ErrConfigInvalid("store.dsn", "is required")
	}

	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerNATS:
		if c.Broker.URL == "" {
			return errors.ErrConfigInvalid("broker.url", "required for the nats broker")
		}
	default:
		return errors.ErrConfigInvalid("broker.kind",
			fmt.Sprintf("must be %q or %q (got %q)", BrokerMemory, BrokerNATS, c.Broker.Kind))
	}
	if c.Broker.MaxDeliveries < 1 {
		return errors.ErrConfigInvalid("broker.max_deliveries", "must be at least 1")
	}

	if c.Scheduler.TickInterval < time.Second {
		return errors.ErrConfigInvalid("scheduler.tick_interval", "must be at least 1s")
	}
	if c.Scheduler.Parallelism < 1 {
		return errors.ErrConfigInvalid("scheduler.parallelism", "must be at least 1")
	}
	if c.Dispatch.MaxInflight < 1 {
		return errors.ErrConfigInvalid("dispatch.max_inflight", "must be at least 1")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.ErrConfigInvalid("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.ErrConfigInvalid("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}
