package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `app:
  name: "TestApp"
  version: "1.0"
data:
  dir: "/tmp/depth"
writer:
  batch_size: 10
  flush_interval: 250ms
processor:
  max_workers: 2
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("DEPTHFLOW_DATA_DIR", "")
	path := writeTempConfig(t, t.TempDir(), "config.yml", minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if cfg.Writer.BatchSize != 10 {
		t.Errorf("unexpected batch size: %d", cfg.Writer.BatchSize)
	}
	if cfg.Writer.FlushInterval != 250*time.Millisecond {
		t.Errorf("unexpected flush interval: %s", cfg.Writer.FlushInterval)
	}
	if cfg.Processor.MaxWorkers != 2 {
		t.Errorf("unexpected max workers: %d", cfg.Processor.MaxWorkers)
	}
	// untouched keys keep their defaults
	if cfg.Processor.PriceScale != 100_000_000 || cfg.Processor.Precision != 50 {
		t.Errorf("defaults lost: %+v", cfg.Processor)
	}
}

func TestLoadConfigDataDirFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("DEPTHFLOW_DATA_DIR", "/srv/depth/")
	path := writeTempConfig(t, t.TempDir(), "config.yml", minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Data.Dir != "/srv/depth" {
		t.Errorf("unexpected data dir: %s", cfg.Data.Dir)
	}
}

func TestLoadConfigPrefersEnvironmentFile(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("DEPTHFLOW_DATA_DIR", "")
	dir := t.TempDir()
	path := writeTempConfig(t, dir, "config.yml", minimalConfig)
	writeTempConfig(t, dir, "config.production.yml", `app:
  name: "ProdApp"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "ProdApp" {
		t.Errorf("expected production file to win, got %s", cfg.App.Name)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero batch", func(c *Config) { c.Writer.BatchSize = 0 }, false},
		{"zero interval", func(c *Config) { c.Writer.FlushInterval = 0 }, false},
		{"scale not power of ten", func(c *Config) { c.Processor.PriceScale = 250 }, false},
		{"low precision", func(c *Config) { c.Processor.Precision = 8 }, false},
		{"recorder without symbols", func(c *Config) { c.Recorder.Enabled = true }, false},
		{"recorder bad interval", func(c *Config) {
			c.Recorder.Enabled = true
			c.Recorder.Symbols = []string{"BTCUSDT"}
			c.Recorder.IntervalMs = 300
		}, false},
		{"s3 without bucket", func(c *Config) {
			c.Storage.S3.Enabled = true
			c.Storage.S3.Region = "eu-west-1"
		}, false},
		{"s3 ok", func(c *Config) {
			c.Storage.S3.Enabled = true
			c.Storage.S3.Region = "eu-west-1"
			c.Storage.S3.Bucket = "depth-archive"
		}, true},
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(&cfg)
		err := validateConfig(&cfg)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "Stage")
	if got := AppEnvironment(); got != EnvironmentStaging {
		t.Fatalf("expected staging, got %s", got)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatalf("staging should be production-like")
	}
}
