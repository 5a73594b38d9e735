package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupDirs(t *testing.T) (string, string) {
	t.Helper()
	configHome := t.TempDir()
	dataHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("XDG_DATA_HOME", dataHome)
	t.Setenv("DRIFT_DB_PATH", "")
	t.Setenv("DRIFT_BLOB_DIR", "")
	t.Setenv("DRIFT_API_URL", "")
	t.Setenv("DRIFT_DEVICE", "")
	t.Setenv("DRIFT_LOG_LEVEL", "")
	t.Setenv("DRIFT_BATCH_SIZE", "")
	return configHome, dataHome
}

func writeConfig(t *testing.T, configHome, content string) {
	t.Helper()
	dir := filepath.Join(configHome, "drift")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	_, dataHome := setupDirs(t)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DbPath != filepath.Join(dataHome, "drift", "drift.db") {
		t.Errorf("DbPath = %q", c.DbPath)
	}
	if c.BatchSize != 50 || c.MaxOperationsPerSync != 500 {
		t.Errorf("batch defaults wrong: %d/%d", c.BatchSize, c.MaxOperationsPerSync)
	}
	if !c.Compression {
		t.Error("compression should default on")
	}
	if c.BaseRetryDelay != 500*time.Millisecond {
		t.Errorf("BaseRetryDelay = %v", c.BaseRetryDelay)
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel = %q", c.LogLevel)
	}
}

func TestLoadFromFile(t *testing.T) {
	configHome, _ := setupDirs(t)
	writeConfig(t, configHome, `
api_url: https://sync.example.com
device: test-laptop
batch_size: 25
compression: false
rate_limit:
  max_tokens: 10
  refill_rate: 2s
  allow_burst: true
backup:
  kind: folder
  path: /tmp/drift-backups
  keep: 5
`)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.APIURL != "https://sync.example.com" {
		t.Errorf("APIURL = %q", c.APIURL)
	}
	if c.Device != "test-laptop" {
		t.Errorf("Device = %q", c.Device)
	}
	if c.BatchSize != 25 {
		t.Errorf("BatchSize = %d", c.BatchSize)
	}
	if c.Compression {
		t.Error("compression should be off")
	}
	if c.RateLimit.MaxTokens != 10 || c.RateLimit.RefillRate != 2*time.Second || !c.RateLimit.AllowBurst {
		t.Errorf("rate limit = %+v", c.RateLimit)
	}
	if c.Backup.Kind != "folder" || c.Backup.Keep != 5 {
		t.Errorf("backup = %+v", c.Backup)
	}
	// Absent keys keep defaults.
	if c.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d", c.MaxRetries)
	}
}

func TestEnvOverrides(t *testing.T) {
	configHome, _ := setupDirs(t)
	writeConfig(t, configHome, "api_url: https://from-file.example.com\n")
	t.Setenv("DRIFT_API_URL", "https://from-env.example.com")
	t.Setenv("DRIFT_DB_PATH", "/custom/drift.db")
	t.Setenv("DRIFT_BATCH_SIZE", "10")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.APIURL != "https://from-env.example.com" {
		t.Errorf("env should win: %q", c.APIURL)
	}
	if c.DbPath != "/custom/drift.db" {
		t.Errorf("DbPath = %q", c.DbPath)
	}
	if c.BatchSize != 10 {
		t.Errorf("BatchSize = %d", c.BatchSize)
	}
}

func TestPathExpansion(t *testing.T) {
	configHome, dataHome := setupDirs(t)
	writeConfig(t, configHome, "db_path: $XDG_DATA_HOME/custom/drift.db\n")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(dataHome, "custom", "drift.db")
	if c.DbPath != want {
		t.Errorf("DbPath = %q, want %q", c.DbPath, want)
	}
}

func TestValidation(t *testing.T) {
	configHome, _ := setupDirs(t)

	writeConfig(t, configHome, "batch_size: -1\n")
	if _, err := Load(); err == nil {
		t.Error("negative batch_size should fail")
	}

	writeConfig(t, configHome, "backup:\n  kind: carrier-pigeon\n")
	if _, err := Load(); err == nil {
		t.Error("unknown backup kind should fail")
	}

	writeConfig(t, configHome, "backup:\n  kind: s3\n")
	if _, err := Load(); err == nil {
		t.Error("s3 backup without bucket should fail")
	}
}
