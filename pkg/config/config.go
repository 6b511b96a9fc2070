// Package config provides configuration loading and validation for a
// turbotask engine host.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Sentinel validation errors.
var (
	ErrInvalidWorkers     = errors.New("scheduler workers must be positive")
	ErrInvalidQueueSize   = errors.New("scheduler queue size must be positive")
	ErrInvalidLeafNumber  = errors.New("aggregation leaf number must be positive")
	ErrInvalidMaxUppers   = errors.New("aggregation max uppers must be positive")
	ErrInvalidServerPort  = errors.New("server port out of range")
)

// Default configuration values.
const (
	defaultPort               = 7070
	defaultHost               = "0.0.0.0"
	defaultSchedulerWorkers   = 0 // zero means runtime.NumCPU() at construction.
	defaultQueueSize          = 1024
	defaultAggregationLeaf    = 16
	defaultAggregationUppers  = 4
	defaultHibernationCap     = 0 // zero means no hibernation-candidate index.
	maxPort                   = 65535
)

// Config holds all configuration for a turbotask engine host process.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" yaml:"scheduler"`
	Aggregation AggregationConfig `mapstructure:"aggregation" yaml:"aggregation"`
	Hibernation HibernationConfig `mapstructure:"hibernation" yaml:"hibernation"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds the host's own listener settings (health checks,
// a debug /metrics endpoint) independent of the engine it wraps.
type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
}

// SchedulerConfig tunes the worker pool that executes task bodies.
type SchedulerConfig struct {
	// Workers is the fixed pool size. Zero defaults to runtime.NumCPU().
	Workers int `mapstructure:"workers" yaml:"workers"`
	// QueueSize bounds the ready channel.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// AggregationConfig tunes the aggregation trees backing collectibles and
// the dirty-descendant read barrier.
type AggregationConfig struct {
	// LeafNumber is the aggregation number at which a Leaf node is
	// promoted to Aggregating.
	LeafNumber uint32 `mapstructure:"leaf_number" yaml:"leaf_number"`
	// MaxUppers bounds a node's upper fan-in: once its upper count passes
	// this cap (at power-of-two steps), the node itself is promoted to a
	// higher aggregation number to collapse the fan-in.
	MaxUppers int `mapstructure:"max_uppers" yaml:"max_uppers"`
}

// HibernationConfig tunes when idle task state is evicted from memory.
type HibernationConfig struct {
	// Capacity bounds the task arena's LRU index of hibernation
	// candidates. The index hibernates nothing by itself; tasks are
	// hibernated only by an explicit Hibernate call. Zero disables the
	// index.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// DumpYAML renders the effective configuration as YAML, for a host's
// --print-config diagnostic or startup log line. Mirrors the way analyzer
// reports elsewhere in the corpus are serialized with yaml.v3 for
// human-facing output rather than wire transport.
func (c *Config) DumpYAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	// Set defaults.
	setDefaults(viperCfg)

	// Read config file.
	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/turbotask")
	}

	// Read environment variables.
	viperCfg.SetEnvPrefix("TURBOTASK")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file.
	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&cfg)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.enabled", false)
	viperCfg.SetDefault("server.port", defaultPort)
	viperCfg.SetDefault("server.host", defaultHost)
	viperCfg.SetDefault("server.read_timeout", "30s")
	viperCfg.SetDefault("server.write_timeout", "30s")
	viperCfg.SetDefault("server.idle_timeout", "60s")

	viperCfg.SetDefault("scheduler.workers", defaultSchedulerWorkers)
	viperCfg.SetDefault("scheduler.queue_size", defaultQueueSize)

	viperCfg.SetDefault("aggregation.leaf_number", defaultAggregationLeaf)
	viperCfg.SetDefault("aggregation.max_uppers", defaultAggregationUppers)

	viperCfg.SetDefault("hibernation.capacity", defaultHibernationCap)

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "json")
	viperCfg.SetDefault("logging.output", "stdout")
}

// validateConfig validates the configuration.
func validateConfig(cfg *Config) error {
	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > maxPort) {
		return fmt.Errorf("%w: %d", ErrInvalidServerPort, cfg.Server.Port)
	}

	if cfg.Scheduler.QueueSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueSize, cfg.Scheduler.QueueSize)
	}

	if cfg.Aggregation.LeafNumber == 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLeafNumber, cfg.Aggregation.LeafNumber)
	}

	if cfg.Aggregation.MaxUppers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxUppers, cfg.Aggregation.MaxUppers)
	}

	return nil
}
