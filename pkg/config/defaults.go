package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/balloonfs/balloon/pkg/delta"
	"github.com/balloonfs/balloon/pkg/scheduler"
	"github.com/balloonfs/balloon/pkg/vfs"
)

// Default configuration values.
const (
	DefaultLogLevel        = "INFO"
	DefaultLogFormat       = "text"
	DefaultLogOutput       = "stdout"
	DefaultShutdownTimeout = 30 * time.Second

	DefaultStorageAdapter = "blobfs"

	DefaultDeltaRetention = 720 * time.Hour

	DefaultAPIHost = "0.0.0.0"
	DefaultAPIPort = 8334

	DefaultMetricsPort = 9090
)

// GetDefaultConfig returns a configuration with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero values with defaults. Called after unmarshaling
// so a partial config file only overrides what it mentions.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = DefaultLogOutput
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	cfg.Database.ApplyDefaults()

	if cfg.Storage.Adapter == "" {
		cfg.Storage.Adapter = DefaultStorageAdapter
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = getDefaultDataDir()
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Storage.S3.StagingDir == "" {
		cfg.Storage.S3.StagingDir = filepath.Join(os.TempDir(), "balloon-staging")
	}

	if cfg.Delta.Retention == 0 {
		cfg.Delta.Retention = DefaultDeltaRetention
	}
	if cfg.Delta.FeedLimit == 0 {
		cfg.Delta.FeedLimit = delta.DefaultFeedLimit
	}

	if cfg.Factory.HistoryCap == 0 {
		cfg.Factory.HistoryCap = vfs.DefaultHistoryCap
	}
	if cfg.Factory.DeepThreshold == 0 {
		cfg.Factory.DeepThreshold = vfs.DefaultDeepThreshold
	}

	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = scheduler.DefaultWorkers
	}
	if cfg.Scheduler.QueueSize == 0 {
		cfg.Scheduler.QueueSize = scheduler.DefaultQueueSize
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = scheduler.DefaultJobTimeout
	}

	if cfg.API.Host == "" {
		cfg.API.Host = DefaultAPIHost
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = DefaultAPIPort
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
}

// getDefaultDataDir returns the blob storage directory, preferring
// XDG_DATA_HOME over ~/.local/share.
func getDefaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "balloon")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "balloon-data"
	}
	return filepath.Join(home, ".local", "share", "balloon")
}
