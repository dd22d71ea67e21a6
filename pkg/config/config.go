// Package config loads and validates the balloon server configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (BALLOON_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/balloonfs/balloon/internal/bytesize"
	"github.com/balloonfs/balloon/pkg/fs/store/gormstore"
)

// Config represents the balloon server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database configures the metadata database (SQLite or PostgreSQL).
	// Nodes, delta events, users, groups and share grants all live here.
	Database gormstore.Config `mapstructure:"database" yaml:"database"`

	// Storage configures the blob storage adapters.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Delta configures the change log and its feed.
	Delta DeltaConfig `mapstructure:"delta" yaml:"delta"`

	// Quota sets the default per-user limits applied to users without
	// explicit quotas.
	Quota QuotaConfig `mapstructure:"quota" yaml:"quota"`

	// Factory tunes the node factories.
	Factory FactoryConfig `mapstructure:"factory" yaml:"factory"`

	// Scheduler tunes the background job executor.
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`

	// API contains the REST API server configuration.
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// StorageConfig selects and configures the blob storage adapters.
type StorageConfig struct {
	// Adapter names the default backend for nodes outside any mount.
	// Valid values: blobfs, localfs, s3, null
	Adapter string `mapstructure:"adapter" validate:"required,oneof=blobfs localfs s3 null" yaml:"adapter"`

	// Path is the data directory for the blobfs and localfs adapters.
	Path string `mapstructure:"path" yaml:"path"`

	// S3 configures the remote content-addressed adapter.
	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures the S3-backed adapter. Endpoint and path-style access
// support MinIO and other S3-compatible stores.
type S3Config struct {
	Bucket     string `mapstructure:"bucket" yaml:"bucket"`
	Region     string `mapstructure:"region" yaml:"region"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey  string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey  string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir,omitempty"`
}

// DeltaConfig tunes the change log.
type DeltaConfig struct {
	// Retention is how long events are kept before pruning. Clients with
	// cursors older than this degrade to a snapshot resync.
	// Default: 720h (30 days)
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`

	// FeedLimit caps the page size of the delta feed.
	// Default: 250
	FeedLimit int `mapstructure:"feed_limit" validate:"omitempty,min=1" yaml:"feed_limit"`
}

// QuotaConfig sets default per-user limits in bytes; 0 disables a limit.
type QuotaConfig struct {
	// DefaultHard is the hard limit applied to users without an explicit
	// quota. Supports human-readable sizes: "10GB", "512Mi". Default: 0
	DefaultHard bytesize.ByteSize `mapstructure:"default_hard" yaml:"default_hard"`

	// DefaultSoft is the warning threshold for users without an explicit
	// quota. Default: 0
	DefaultSoft bytesize.ByteSize `mapstructure:"default_soft" yaml:"default_soft"`
}

// FactoryConfig tunes the node factories.
type FactoryConfig struct {
	// HistoryCap caps a file's retained version history.
	// Default: 8
	HistoryCap int `mapstructure:"history_cap" validate:"omitempty,min=1" yaml:"history_cap"`

	// DeepThreshold is the subtree size above which deletes and moves are
	// handed to the scheduler.
	// Default: 100
	DeepThreshold int `mapstructure:"deep_threshold" validate:"omitempty,min=1" yaml:"deep_threshold"`
}

// SchedulerConfig tunes the background job executor.
type SchedulerConfig struct {
	// Workers is the number of concurrent job workers. Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers"`

	// QueueSize is the maximum number of pending jobs. Default: 1000
	QueueSize int `mapstructure:"queue_size" validate:"omitempty,min=1" yaml:"queue_size"`

	// JobTimeout bounds a single job execution. Default: 5m
	JobTimeout time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
}

// APIConfig configures the REST API server.
type APIConfig struct {
	// Host is the listen address. Default: 0.0.0.0
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the listen port. Default: 8334
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Addr returns the host:port listen address.
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false no metrics endpoint is served.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint. Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// WatchLogLevel watches the configuration file and invokes apply whenever
// the logging level changes, so a running server can be switched to DEBUG
// without a restart. A missing config file makes this a no-op.
func WatchLogLevel(configPath string, apply func(level string)) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil || !found {
		return
	}

	last := v.GetString("logging.level")
	v.OnConfigChange(func(fsnotify.Event) {
		level := v.GetString("logging.level")
		if level == "" || strings.EqualFold(level, last) {
			return
		}
		last = level
		apply(level)
	})
	v.WatchConfig()
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the config may carry object-store credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Example: BALLOON_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("BALLOON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing file
// is acceptable: defaults apply.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can use "10GB", "512Mi" or plain byte counts.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration ("30s", "5m", "1h").
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, preferring
// XDG_CONFIG_HOME over ~/.config.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "balloon")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "balloon")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
