package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Data      DataConfig      `yaml:"data"`
	Writer    WriterConfig    `yaml:"writer"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Processor ProcessorConfig `yaml:"processor"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DataConfig holds the root of the <exchange>/<symbol>/{raw,normalized,prices,audit} tree.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
}

type RecorderConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Exchange   string   `yaml:"exchange"`
	Symbols    []string `yaml:"symbols"`
	IntervalMs int      `yaml:"interval_ms"`
}

type ProcessorConfig struct {
	MaxWorkers int           `yaml:"max_workers"`
	PriceScale int64         `yaml:"price_scale"`
	QtyScale   int64         `yaml:"qty_scale"`
	Precision  int           `yaml:"precision"`
	Parquet    ParquetConfig `yaml:"parquet"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled          bool    `yaml:"enabled"`
	Bucket           string  `yaml:"bucket"`
	Region           string  `yaml:"region"`
	Endpoint         string  `yaml:"endpoint"`
	PathStyle        bool    `yaml:"path_style"`
	Prefix           string  `yaml:"prefix"`
	UploadsPerSecond float64 `yaml:"uploads_per_second"`
	AccessKeyID      string  `yaml:"access_key_id"`
	SecretAccessKey  string  `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Addr       string           `yaml:"addr"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		App:     AppConfig{Name: "depthflow", Version: "dev"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Data:    DataConfig{Dir: "data"},
		Writer: WriterConfig{
			BatchSize:     2000,
			FlushInterval: 500 * time.Millisecond,
			QueueSize:     10000,
		},
		Recorder: RecorderConfig{Exchange: "binance", IntervalMs: 100},
		Processor: ProcessorConfig{
			MaxWorkers: 1,
			PriceScale: 100_000_000,
			QtyScale:   100_000_000,
			Precision:  50,
			Parquet:    ParquetConfig{Compression: "snappy"},
		},
		Storage: StorageConfig{S3: S3Config{UploadsPerSecond: 10}},
		Metrics: MetricsConfig{Addr: "0.0.0.0:2112", CloudWatch: CloudWatchConfig{Namespace: "DepthFlow"}},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(resolveEnvSpecificPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(config *Config) {
	if v := os.Getenv("DEPTHFLOW_DATA_DIR"); v != "" {
		config.Data.Dir = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	if config.Data.Dir != "" {
		config.Data.Dir = filepath.Clean(config.Data.Dir)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}

	if cfg.Writer.BatchSize <= 0 {
		return fmt.Errorf("writer.batch_size must be greater than 0")
	}
	if cfg.Writer.FlushInterval <= 0 {
		return fmt.Errorf("writer.flush_interval must be greater than 0")
	}
	if cfg.Writer.QueueSize < 0 {
		return fmt.Errorf("writer.queue_size must not be negative")
	}

	if cfg.Recorder.Enabled {
		if len(cfg.Recorder.Symbols) == 0 {
			return fmt.Errorf("recorder.symbols is required when the recorder is enabled")
		}
		switch cfg.Recorder.IntervalMs {
		case 100, 250, 500:
		default:
			return fmt.Errorf("recorder.interval_ms must be one of 100, 250, 500")
		}
	}

	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}
	if !isPowerOfTen(cfg.Processor.PriceScale) {
		return fmt.Errorf("processor.price_scale must be a power of ten")
	}
	if !isPowerOfTen(cfg.Processor.QtyScale) {
		return fmt.Errorf("processor.qty_scale must be a power of ten")
	}
	if cfg.Processor.Precision < 19 {
		return fmt.Errorf("processor.precision must be at least 19 digits")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.UploadsPerSecond <= 0 {
			return fmt.Errorf("storage.s3.uploads_per_second must be greater than 0")
		}
	}

	return nil
}

func isPowerOfTen(v int64) bool {
	if v <= 0 {
		return false
	}
	for v%10 == 0 {
		v /= 10
	}
	return v == 1
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
