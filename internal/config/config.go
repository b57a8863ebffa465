// Package config loads the engine configuration from a YAML file with
// environment-variable overrides, and supports hot reload of the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fathom-engine/fathom/internal/engine"
	"github.com/fathom-engine/fathom/internal/processing"
	"github.com/fathom-engine/fathom/internal/resultcache"
	"github.com/fathom-engine/fathom/internal/tracing"
	"github.com/fathom-engine/fathom/internal/workspace"
)

type ServiceConfig struct {
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	AuthToken   string `mapstructure:"auth_token"`
	// WorkspaceTTL is how long finished workspaces are kept before the
	// janitor expires them.
	WorkspaceTTL time.Duration `mapstructure:"workspace_ttl"`
}

type CacheConfig struct {
	resultcache.Config `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

type StreamingConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type Config struct {
	Service   ServiceConfig         `mapstructure:"service"`
	Engine    engine.Config         `mapstructure:"engine"`
	Store     workspace.StoreConfig `mapstructure:"store"`
	Evaluator processing.Config     `mapstructure:"evaluator"`
	Cache     CacheConfig           `mapstructure:"cache"`
	Streaming StreamingConfig       `mapstructure:"streaming"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	Tracing   tracing.Config        `mapstructure:"tracing"`
}

func Default() Config {
	return Config{
		Service: ServiceConfig{
			Port:         8080,
			MetricsPort:  9090,
			WorkspaceTTL: 24 * time.Hour,
		},
		Engine: engine.DefaultConfig(),
		Store: workspace.StoreConfig{
			Driver: "sqlite3",
			DSN:    "file:fathom.db?_busy_timeout=5000&_journal_mode=WAL",
		},
		Evaluator: processing.DefaultConfig(),
		Cache: CacheConfig{
			Enabled: false,
			Config:  resultcache.DefaultConfig(),
		},
		Streaming: StreamingConfig{BufferSize: 256},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path (or $FATHOM_CONFIG, or the defaults
// when neither exists) and applies FATHOM_* environment overrides, e.g.
// FATHOM_SERVICE_PORT=9000 or FATHOM_ENGINE_LIMITS_MAX_DEPTH=4.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("FATHOM_CONFIG")
	}

	v := viper.New()
	v.SetEnvPrefix("FATHOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range", c.Service.Port)
	}
	if c.Service.MetricsPort == c.Service.Port {
		return fmt.Errorf("service.metrics_port must differ from service.port")
	}
	if err := c.Engine.Limits.Validate(); err != nil {
		return fmt.Errorf("engine.limits: %w", err)
	}
	if c.Engine.Partition.TargetSize <= 0 {
		return fmt.Errorf("engine.partition.partition_size_threshold must be positive")
	}
	if c.Engine.Partition.Overlap >= c.Engine.Partition.TargetSize {
		return fmt.Errorf("engine.partition.overlap_bound %d must be below the target size %d",
			c.Engine.Partition.Overlap, c.Engine.Partition.TargetSize)
	}
	switch c.Store.Driver {
	case "", "sqlite3", "postgres":
	default:
		return fmt.Errorf("store.driver %q unsupported", c.Store.Driver)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format %q unsupported", c.Logging.Format)
	}
	return nil
}
