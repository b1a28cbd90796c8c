// Package config loads the engine configuration from a YAML file,
// RETAILKPI_* environment variables and command-line flags, in increasing
// order of precedence. Everything is fixed at start.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Views      ViewsConfig      `mapstructure:"views"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Console    ConsoleConfig    `mapstructure:"console"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type SourceConfig struct {
	Kind string `mapstructure:"kind"` // file|kafka
	Path string `mapstructure:"path"`
}

type KafkaConfig struct {
	Bootstrap       string `mapstructure:"bootstrap"`
	Topic           string `mapstructure:"topic"`
	GroupID         string `mapstructure:"group_id"`
	StartingOffsets string `mapstructure:"starting_offsets"` // earliest|latest
}

type ViewsConfig struct {
	Global  ViewConfig `mapstructure:"global"`
	Country ViewConfig `mapstructure:"country"`
}

// ViewConfig is the independent configuration of one aggregation view.
type ViewConfig struct {
	Window          time.Duration `mapstructure:"window"`
	AllowedLateness time.Duration `mapstructure:"allowed_lateness"`
	Trigger         time.Duration `mapstructure:"trigger"`
	OutputPath      string        `mapstructure:"output_path"`
	CheckpointDir   string        `mapstructure:"checkpoint_dir"`
	// KafkaTopic, when set, mirrors the view output to this topic.
	KafkaTopic string `mapstructure:"kafka_topic"`
}

type CheckpointConfig struct {
	Backend string `mapstructure:"backend"` // filesystem|pebble|badger
}

type SinkConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	Steps   int           `mapstructure:"steps"`
	Initial time.Duration `mapstructure:"initial"`
	Factor  float64       `mapstructure:"factor"`
	Jitter  float64       `mapstructure:"jitter"`
	Cap     time.Duration `mapstructure:"cap"`
}

type ConsoleConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxBatch int  `mapstructure:"max_batch"`
}

type SQLiteConfig struct {
	// Path enables the SQLite mirror of both views when set.
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// NewViper returns a viper instance carrying the defaults and the
// RETAILKPI_ environment binding. Callers may bind flags before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RETAILKPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and returns the
// validated configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load configuration file. %w", err)
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration. %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}
