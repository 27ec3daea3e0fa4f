package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Optionflow OptionflowConfig `yaml:"optionflow"`
	Provider   ProviderConfig   `yaml:"provider"`
	Cache      CacheConfig      `yaml:"cache"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Signal     SignalConfig     `yaml:"signal"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type OptionflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ProviderConfig struct {
	Name           string               `yaml:"name"`
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type CacheConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	MaxStaleness time.Duration `yaml:"max_staleness"`
	MaxEntries   int           `yaml:"max_entries"`
}

type PricingConfig struct {
	RiskFreeRate float64 `yaml:"risk_free_rate"`
	DaysPerYear  float64 `yaml:"days_per_year"`
}

type SignalConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type PipelineConfig struct {
	MaxWorkers int           `yaml:"max_workers"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	UploadAttempts  int    `yaml:"upload_attempts"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type APIConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Provider: ProviderConfig{
			Name:    "optionflow",
			Timeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				BurstSize:         5,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         250 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Cache: CacheConfig{
			TTL:          time.Minute,
			MaxStaleness: 15 * time.Minute,
			MaxEntries:   64,
		},
		Pricing: PricingConfig{
			RiskFreeRate: 0.05,
			DaysPerYear:  365,
		},
		Signal: SignalConfig{
			Threshold: 0.10,
		},
		Pipeline: PipelineConfig{
			MaxWorkers: 4,
			RunTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			S3: S3Config{UploadAttempts: 3},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: defaultLogFormat(),
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
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
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		config.Provider.BaseURL = strings.TrimSpace(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Optionflow.Name == "" {
		return fmt.Errorf("optionflow.name is required")
	}
	if cfg.Optionflow.Version == "" {
		return fmt.Errorf("optionflow.version is required")
	}

	if cfg.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if cfg.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be greater than 0")
	}
	if cfg.Provider.Retry.MaxAttempts < 1 {
		return fmt.Errorf("provider.retry.max_attempts must be at least 1")
	}
	if cfg.Provider.Retry.BaseDelay <= 0 {
		return fmt.Errorf("provider.retry.base_delay must be greater than 0")
	}
	if cfg.Provider.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("provider.retry.backoff_multiplier must be at least 1")
	}

	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than 0")
	}
	if cfg.Cache.MaxStaleness < cfg.Cache.TTL {
		return fmt.Errorf("cache.max_staleness must be at least cache.ttl")
	}
	if cfg.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1")
	}

	if cfg.Signal.Threshold <= 0 {
		return fmt.Errorf("signal.threshold must be a positive fraction")
	}
	if cfg.Pricing.DaysPerYear <= 0 {
		return fmt.Errorf("pricing.days_per_year must be greater than 0")
	}

	if cfg.Pipeline.MaxWorkers < 1 {
		return fmt.Errorf("pipeline.max_workers must be at least 1")
	}
	if cfg.Pipeline.RunTimeout <= 0 {
		return fmt.Errorf("pipeline.run_timeout must be greater than 0")
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
		if cfg.Storage.S3.UploadAttempts < 1 {
			return fmt.Errorf("storage.s3.upload_attempts must be at least 1")
		}
	}

	if cfg.API.Enabled && cfg.API.Address == "" {
		return fmt.Errorf("api.address is required when the API is enabled")
	}

	return nil
}

// defaultLogFormat keeps development output human-readable while
// production-like deployments get machine-parseable lines.
func defaultLogFormat() string {
	if IsProductionLike(AppEnvironment()) {
		return "json"
	}
	return "text"
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
