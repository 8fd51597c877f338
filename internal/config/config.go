// Package config loads the reqstream CLI configuration from
// a YAML file and REQSTREAM_* environment variables.
package config

import (
	"time"
)

// Config is the CLI configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// APIConfig describes the upstream API.
type APIConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// DispatchConfig maps onto reqstream.Config.
type DispatchConfig struct {
	MaxAttempts   int     `mapstructure:"max_attempts"`
	PacingRate    float64 `mapstructure:"pacing_rate"`
	PacingBurst   int     `mapstructure:"pacing_burst"`
	QueueCapacity int     `mapstructure:"queue_capacity"`
}

// RedisConfig enables sharing the global suspension across processes.
// Leave Addr empty to keep it local.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	Path         string `mapstructure:"path"`
	BucketLabels bool   `mapstructure:"bucket_labels"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SimulatorConfig configures the simulate command.
type SimulatorConfig struct {
	Addr         string        `mapstructure:"addr"`
	BucketLimit  int           `mapstructure:"bucket_limit"`
	BucketWindow time.Duration `mapstructure:"bucket_window"`
	GlobalLimit  int           `mapstructure:"global_limit"`
	GlobalWindow time.Duration `mapstructure:"global_window"`
	Routes       []string      `mapstructure:"routes"`
}
