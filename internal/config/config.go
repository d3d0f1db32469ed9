// Package config loads and validates sync core configuration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caregohq/carego-sync/internal/errors"
)

// Conflict resolution modes accepted per model.
const (
	ModeLastWriteWins = "lww"
	ModeReject        = "reject"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Network NetworkConfig `mapstructure:"network"`
}

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	Addr        string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StoreConfig struct {
	Driver   string      `mapstructure:"driver"` // sqlite, memory, redis, mysql
	Path     string      `mapstructure:"path"`   // sqlite database file
	MySQLDSN string      `mapstructure:"mysql_dsn"`
	Redis    RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type GatewayConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	Concurrency     int           `mapstructure:"concurrency"`
	DefaultPriority int           `mapstructure:"default_priority"`
	// Viper lowercases map keys, so priority and conflict mode tables are
	// keyed by lowercased model name.
	Priorities       map[string]int    `mapstructure:"priorities"`
	ConflictModes    map[string]string `mapstructure:"conflict_modes"`
	PoorDispatchRate float64           `mapstructure:"poor_dispatch_rate"` // ops/sec when connection quality is poor
}

type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	PoorLatency   time.Duration `mapstructure:"poor_latency"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.addr", "127.0.0.1:7410")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "carego-sync.db")
	v.SetDefault("store.redis.addr", "127.0.0.1:6379")
	v.SetDefault("store.redis.key_prefix", "carego:sync")
	v.SetDefault("gateway.base_url", "http://127.0.0.1:8080")
	v.SetDefault("gateway.timeout", 15*time.Second)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.backoff_base", 2*time.Second)
	v.SetDefault("sync.backoff_cap", 5*time.Minute)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.default_priority", 5)
	v.SetDefault("sync.priorities", map[string]int{
		"observation": 1,
		"message":     2,
		"profile":     3,
		"user":        3,
		"media":       4,
	})
	v.SetDefault("sync.conflict_modes", map[string]string{})
	v.SetDefault("sync.poor_dispatch_rate", 2.0)
	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_interval", 30*time.Second)
	v.SetDefault("network.poor_latency", 2*time.Second)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CAREGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus environment cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(errors.ErrConfig, "read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "unmarshal config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads configuration from the given file (or the default search
// paths when path is empty), applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	return read(newViper(path))
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Sync.MaxRetries < 0 {
		return errors.New(errors.ErrConfig, "sync.max_retries must be >= 0")
	}
	if c.Sync.BackoffBase <= 0 {
		return errors.New(errors.ErrConfig, "sync.backoff_base must be positive")
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		return errors.New(errors.ErrConfig, "sync.backoff_cap must be >= sync.backoff_base")
	}
	if c.Sync.Concurrency < 1 {
		return errors.New(errors.ErrConfig, "sync.concurrency must be >= 1")
	}
	if c.Sync.DefaultPriority < 0 {
		return errors.New(errors.ErrConfig, "sync.default_priority must be >= 0")
	}
	if c.Sync.PoorDispatchRate <= 0 {
		return errors.New(errors.ErrConfig, "sync.poor_dispatch_rate must be positive")
	}
	for model, mode := range c.Sync.ConflictModes {
		if mode != ModeLastWriteWins && mode != ModeReject {
			return errors.New(errors.ErrConfig,
				"sync.conflict_modes."+model+" must be lww or reject")
		}
	}
	switch c.Store.Driver {
	case "sqlite", "memory", "redis", "mysql":
	default:
		return errors.New(errors.ErrConfig, "store.driver must be sqlite, memory, redis, or mysql")
	}
	return nil
}

// PriorityFor resolves a model name against the priority table. Unknown
// models fall back to the default priority rather than failing.
func (c *Config) PriorityFor(model string) int {
	if p, ok := c.Sync.Priorities[strings.ToLower(model)]; ok {
		return p
	}
	return c.Sync.DefaultPriority
}

// ConflictModeFor resolves the conflict mode for a model. Last-write-wins
// is the default for models with no explicit entry.
func (c *Config) ConflictModeFor(model string) string {
	if m, ok := c.Sync.ConflictModes[strings.ToLower(model)]; ok {
		return m
	}
	return ModeLastWriteWins
}
