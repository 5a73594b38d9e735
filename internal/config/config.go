// Package config loads drift config from YAML. Env overrides take precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimit tunes the dequeue token bucket.
type RateLimit struct {
	MaxTokens  int           `yaml:"max_tokens"`
	RefillRate time.Duration `yaml:"refill_rate"`
	AllowBurst bool          `yaml:"allow_burst"`
}

// Backup selects where snapshots go.
type Backup struct {
	Kind     string `yaml:"kind"` // "folder" or "s3", empty disables
	Path     string `yaml:"path"` // folder kind
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
	Keep     int    `yaml:"keep"` // snapshots retained, 0 = all
}

// Tracing configures the observability sink.
type Tracing struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // "stdout" or "otlp"
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Config holds resolved paths and settings. Paths use XDG defaults when not in file.
type Config struct {
	DbPath               string        `yaml:"db_path"`
	BlobDir              string        `yaml:"blob_dir"`
	APIURL               string        `yaml:"api_url"`
	Device               string        `yaml:"device"`
	BatchSize            int           `yaml:"batch_size"`
	MaxOperationsPerSync int           `yaml:"max_operations_per_sync"`
	MaxRetries           int           `yaml:"max_retries"`
	BaseRetryDelay       time.Duration `yaml:"base_retry_delay"`
	Compression          bool          `yaml:"compression"`
	SpillThresholdKB     int           `yaml:"spill_threshold_kb"`
	OpRetentionDays      int           `yaml:"op_retention_days"`
	Encrypt              bool          `yaml:"encrypt"`
	LogLevel             string        `yaml:"log_level"`
	RateLimit            RateLimit     `yaml:"rate_limit"`
	Backup               Backup        `yaml:"backup"`
	Tracing              Tracing       `yaml:"tracing"`
}

// Load reads config from XDG_CONFIG_HOME/drift/config.yaml. Missing file uses defaults.
// Env overrides: DRIFT_DB_PATH, DRIFT_BLOB_DIR, DRIFT_API_URL, DRIFT_DEVICE,
// DRIFT_LOG_LEVEL, DRIFT_BATCH_SIZE.
func Load() (*Config, error) {
	dataHome := xdgDataHome()
	configHome := xdgConfigHome()
	path := filepath.Join(configHome, "drift", "config.yaml")

	c := defaults(dataHome)

	b, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		c.DbPath = resolvePath(c.DbPath, dataHome)
		c.BlobDir = resolvePath(c.BlobDir, dataHome)
		if c.Backup.Kind == "folder" && c.Backup.Path != "" {
			c.Backup.Path = resolvePath(c.Backup.Path, dataHome)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Env overrides
	if v := os.Getenv("DRIFT_DB_PATH"); v != "" {
		c.DbPath = v
	}
	if v := os.Getenv("DRIFT_BLOB_DIR"); v != "" {
		c.BlobDir = v
	}
	if v := os.Getenv("DRIFT_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("DRIFT_DEVICE"); v != "" {
		c.Device = v
	}
	if v := os.Getenv("DRIFT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DRIFT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BatchSize = n
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func defaults(dataHome string) *Config {
	host, _ := os.Hostname()
	return &Config{
		DbPath:               filepath.Join(dataHome, "drift", "drift.db"),
		BlobDir:              filepath.Join(dataHome, "drift", "blobs"),
		Device:               host,
		BatchSize:            50,
		MaxOperationsPerSync: 500,
		MaxRetries:           3,
		BaseRetryDelay:       500 * time.Millisecond,
		Compression:          true,
		SpillThresholdKB:     64,
		OpRetentionDays:      7,
		LogLevel:             "info",
		RateLimit: RateLimit{
			MaxTokens:  100,
			RefillRate: time.Second,
		},
		Tracing: Tracing{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}

func (c *Config) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxOperationsPerSync < c.BatchSize {
		return fmt.Errorf("max_operations_per_sync (%d) must be >= batch_size (%d)",
			c.MaxOperationsPerSync, c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	switch c.Backup.Kind {
	case "", "folder", "s3":
	default:
		return fmt.Errorf("unknown backup kind %q", c.Backup.Kind)
	}
	if c.Backup.Kind == "s3" && c.Backup.S3Bucket == "" {
		return fmt.Errorf("backup kind s3 requires s3_bucket")
	}
	return nil
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// resolvePath expands $XDG_DATA_HOME, $HOME in paths from config file.
func resolvePath(p, dataHome string) string {
	if p == "" {
		return p
	}
	return filepath.Clean(os.Expand(p, func(key string) string {
		if key == "XDG_DATA_HOME" {
			return dataHome
		}
		if key == "XDG_CONFIG_HOME" {
			return xdgConfigHome()
		}
		if key == "HOME" {
			home, _ := os.UserHomeDir()
			return home
		}
		return ""
	}))
}
