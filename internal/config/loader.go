package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable,
// e.g. REQSTREAM_API_BASE_URL overrides api.base_url.
const EnvPrefix = "REQSTREAM"

// SetDefaults registers the default of every known key.
// Keys without a default are not looked up in the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.headers", map[string]string{})

	v.SetDefault("dispatch.max_attempts", 0)
	v.SetDefault("dispatch.pacing_rate", 0.0)
	v.SetDefault("dispatch.pacing_burst", 0)
	v.SetDefault("dispatch.queue_capacity", 16)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "reqstream:global")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.bucket_labels", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("simulator.addr", ":8080")
	v.SetDefault("simulator.bucket_limit", 5)
	v.SetDefault("simulator.bucket_window", 5*time.Second)
	v.SetDefault("simulator.global_limit", 50)
	v.SetDefault("simulator.global_window", time.Second)
	v.SetDefault("simulator.routes", []string{
		"GET /channels/{channelID}/messages",
		"POST /channels/{channelID}/messages",
		"GET /guilds/{guildID}/members",
	})
}

// New returns a viper instance reading the given file, if any,
// and the REQSTREAM_* environment.
func New(cfgFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("reqstream")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A missing config file is not an error
// unless it was explicitly requested.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the libraries would reject later
// with a less helpful message.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout should be positive (given: %v)", c.API.Timeout)
	}
	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts should be zero or positive (given: %v)", c.Dispatch.MaxAttempts)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format should be console or json (given: %q)", c.Logging.Format)
	}
	return nil
}
