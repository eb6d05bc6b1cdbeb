// Package config loads the per-daemon configuration shared by ptosensor,
// ptosupervisor, ptovalidator and ptoctl: a viper-backed, deep-merged
// layering of defaults, config file and PTO_-prefixed environment
// variables, the same layering discipline the rest of the corpus uses for
// its own daemons.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configType      = "yaml"
	envPrefix       = "PTO"
	envKeySeparator = "_"
)

// Default tuning values, applied before any config file or env var is
// consulted.
const (
	DefaultTickInterval        = 10 * time.Second
	DefaultSupervisorHost      = "127.0.0.1"
	DefaultSupervisorPort      = 7215
	DefaultAbortMaxErrors      = 100
	DefaultSpawnRateWindow     = time.Minute
	DefaultSpawnRateMax        = 5
	DefaultScratchBaseDir      = "/var/lib/ptocore/repos"
	DefaultDatastorePath       = "/var/lib/ptocore/ptocore.db"
)

// UploadFilter restricts which uploads the Validator admits into the action
// log: by an allow-list of formats, by a list of excluded formats, or by a
// minimum age so that a very recent upload has a chance to fully land
// before being analyzed.
type UploadFilter struct {
	Formats  []string      `mapstructure:"formats"`
	MinAge   time.Duration `mapstructure:"min_age"`
	Excluded []string      `mapstructure:"excluded"`
}

// Config is the full configuration surface shared by all four daemons;
// each binary only reads the sections relevant to it.
type Config struct {
	Datastore struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"datastore"`

	Sensor struct {
		TickInterval time.Duration `mapstructure:"tick_interval"`
		Margin       time.Duration `mapstructure:"margin"`
	} `mapstructure:"sensor"`

	Supervisor struct {
		TickInterval    time.Duration `mapstructure:"tick_interval"`
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ScratchBaseDir  string        `mapstructure:"scratch_base_dir"`
		SpawnRateWindow time.Duration `mapstructure:"spawn_rate_window"`
		SpawnRateMax    int           `mapstructure:"spawn_rate_max"`
	} `mapstructure:"supervisor"`

	Validator struct {
		TickInterval   time.Duration `mapstructure:"tick_interval"`
		AbortMaxErrors int           `mapstructure:"abort_max_errors"`
		UploadFilter   UploadFilter  `mapstructure:"upload_filter"`
	} `mapstructure:"validator"`

	Observability struct {
		LogLevel       string `mapstructure:"log_level"`
		LogFormat      string `mapstructure:"log_format"`
		MetricsAddr    string `mapstructure:"metrics_addr"`
		ServiceName    string `mapstructure:"service_name"`
		Environment    string `mapstructure:"environment"`
	} `mapstructure:"observability"`
}

// Validate rejects a config with contradictory or out-of-range settings.
func (c *Config) Validate() error {
	if c.Datastore.Path == "" {
		return errors.New("config: datastore.path must be set")
	}

	if c.Supervisor.Port <= 0 || c.Supervisor.Port > 65535 {
		return fmt.Errorf("config: supervisor.port out of range: %d", c.Supervisor.Port)
	}

	if c.Validator.AbortMaxErrors < 0 {
		return errors.New("config: validator.abort_max_errors must be >= 0")
	}

	return nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("datastore.path", DefaultDatastorePath)

	v.SetDefault("sensor.tick_interval", DefaultTickInterval)
	v.SetDefault("sensor.margin", time.Hour)

	v.SetDefault("supervisor.tick_interval", DefaultTickInterval)
	v.SetDefault("supervisor.host", DefaultSupervisorHost)
	v.SetDefault("supervisor.port", DefaultSupervisorPort)
	v.SetDefault("supervisor.scratch_base_dir", DefaultScratchBaseDir)
	v.SetDefault("supervisor.spawn_rate_window", DefaultSpawnRateWindow)
	v.SetDefault("supervisor.spawn_rate_max", DefaultSpawnRateMax)

	v.SetDefault("validator.tick_interval", DefaultTickInterval)
	v.SetDefault("validator.abort_max_errors", DefaultAbortMaxErrors)
	v.SetDefault("validator.upload_filter.min_age", time.Minute)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.service_name", "ptocore")
	v.SetDefault("observability.environment", "development")
}

// Load builds a Config by deep-merging, in increasing priority, built-in
// defaults, every path in configPaths (read in order, each overlaying the
// last), and PTO_-prefixed environment variables. A configPaths entry that
// does not exist is skipped rather than treated as an error, since a
// daemon may be run with only env vars and defaults.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	for _, path := range configPaths {
		layer := viper.New()
		layer.SetConfigType(configType)
		layer.SetConfigFile(path)

		if err := layer.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}

		if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
			return nil, fmt.Errorf("config: merging %s: %w", path, err)
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
