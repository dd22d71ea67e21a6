package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/balloonfs/balloon/internal/bytesize"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("expected default log level %s, got %s", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Storage.Adapter != DefaultStorageAdapter {
		t.Errorf("expected default adapter %s, got %s", DefaultStorageAdapter, cfg.Storage.Adapter)
	}
	if cfg.API.Port != DefaultAPIPort {
		t.Errorf("expected default API port %d, got %d", DefaultAPIPort, cfg.API.Port)
	}
	if cfg.Delta.Retention != DefaultDeltaRetention {
		t.Errorf("expected default retention %s, got %s", DefaultDeltaRetention, cfg.Delta.Retention)
	}
}

func TestApplyDefaultsFillsBlanks(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("expected shutdown timeout default, got %s", cfg.ShutdownTimeout)
	}
	if cfg.Scheduler.Workers <= 0 || cfg.Scheduler.QueueSize <= 0 {
		t.Errorf("scheduler defaults missing: %+v", cfg.Scheduler)
	}
	if cfg.Factory.HistoryCap <= 0 || cfg.Factory.DeepThreshold <= 0 {
		t.Errorf("factory defaults missing: %+v", cfg.Factory)
	}
	if cfg.Delta.FeedLimit <= 0 {
		t.Errorf("feed limit default missing: %d", cfg.Delta.FeedLimit)
	}
	if cfg.Storage.S3.Region == "" {
		t.Error("s3 region default missing")
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "DEBUG"
	cfg.API.Port = 9000
	cfg.Scheduler.Workers = 16
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("explicit log level overwritten: %s", cfg.Logging.Level)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("explicit port overwritten: %d", cfg.API.Port)
	}
	if cfg.Scheduler.Workers != 16 {
		t.Errorf("explicit worker count overwritten: %d", cfg.Scheduler.Workers)
	}
}

func TestValidate(t *testing.T) {
	t.Run("rejects bad log level", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = "LOUD"
		if err := Validate(cfg); err == nil {
			t.Error("expected error for invalid log level")
		}
	})

	t.Run("rejects unknown adapter", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Storage.Adapter = "floppy"
		if err := Validate(cfg); err == nil {
			t.Error("expected error for unknown storage adapter")
		}
	})

	t.Run("s3 adapter requires a bucket", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Storage.Adapter = "s3"
		cfg.Storage.S3.Bucket = ""
		if err := Validate(cfg); err == nil {
			t.Error("expected error for s3 adapter without bucket")
		}

		cfg.Storage.S3.Bucket = "my-bucket"
		if err := Validate(cfg); err != nil {
			t.Errorf("expected s3 config with bucket to pass: %v", err)
		}
	})

	t.Run("soft quota above hard quota rejected", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Quota.DefaultHard = bytesize.ByteSize(100)
		cfg.Quota.DefaultSoft = bytesize.ByteSize(200)
		if err := Validate(cfg); err == nil {
			t.Error("expected error for soft quota above hard quota")
		}
	})

	t.Run("unlimited quotas pass", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Quota.DefaultHard = 0
		cfg.Quota.DefaultSoft = 0
		if err := Validate(cfg); err != nil {
			t.Errorf("zero quotas mean unlimited and must pass: %v", err)
		}
	})

	t.Run("rejects invalid port", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.API.Port = 70000
		if err := Validate(cfg); err == nil {
			t.Error("expected error for out-of-range port")
		}
	})
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("missing config file must fall back to defaults: %v", err)
	}
	if cfg.Storage.Adapter != DefaultStorageAdapter {
		t.Errorf("expected defaults, got adapter %s", cfg.Storage.Adapter)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: DEBUG
shutdown_timeout: 45s
storage:
  adapter: localfs
  path: /var/lib/balloon
delta:
  retention: 168h
quota:
  default_hard: 10GB
  default_soft: 8GB
api:
  port: 9100
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected DEBUG level, got %s", cfg.Logging.Level)
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("expected 45s shutdown timeout, got %s", cfg.ShutdownTimeout)
	}
	if cfg.Storage.Adapter != "localfs" || cfg.Storage.Path != "/var/lib/balloon" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Delta.Retention != 168*time.Hour {
		t.Errorf("expected 168h retention, got %s", cfg.Delta.Retention)
	}
	if cfg.Quota.DefaultHard != bytesize.ByteSize(10*1000*1000*1000) {
		t.Errorf("expected 10GB hard quota, got %d", cfg.Quota.DefaultHard)
	}
	if cfg.API.Port != 9100 {
		t.Errorf("expected port 9100, got %d", cfg.API.Port)
	}

	// Unspecified fields still get defaults.
	if cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("expected default log format, got %s", cfg.Logging.Format)
	}
	if cfg.Scheduler.Workers <= 0 {
		t.Error("scheduler defaults missing after file load")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  adapter: floppy
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected validation error for invalid adapter")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	original := GetDefaultConfig()
	original.API.Port = 9999

	if err := SaveConfig(original, path); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("saved file missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config may carry credentials and must be 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("failed to reload saved config: %v", err)
	}
	if loaded.API.Port != 9999 {
		t.Errorf("round trip lost the port: %d", loaded.API.Port)
	}
}
