package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"barflow/models"
)

type Config struct {
	Barflow   BarflowConfig   `yaml:"barflow"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Batch     BatchConfig     `yaml:"batch"`
	Validator ValidatorConfig `yaml:"validator"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Source    SourceConfig    `yaml:"source"`
	Reference ReferenceConfig `yaml:"reference"`
	Download  DownloadConfig  `yaml:"download"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	LogHistory int    `yaml:"log_history"`
}

type BarflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	ValidatedBuffer int `yaml:"validated_buffer"`
	ErrorBuffer     int `yaml:"error_buffer"`
}

// RateLimitPolicy is the per-request-type quota enforced by the admission
// controller.
type RateLimitPolicy struct {
	MaxRatePerSecond float64       `yaml:"max_rate_per_second"`
	BurstAllowance   int           `yaml:"burst_allowance"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxRetries       int           `yaml:"max_retries"`
}

type SchedulerConfig struct {
	RateLimits map[string]RateLimitPolicy `yaml:"rate_limits"`
}

// Policy returns the configured policy for a request type, falling back to
// broker-documented defaults when the config omits it.
func (s SchedulerConfig) Policy(rt models.RequestType) RateLimitPolicy {
	if p, ok := s.RateLimits[string(rt)]; ok {
		return p
	}
	return DefaultRateLimits()[string(rt)]
}

// DefaultRateLimits mirrors the broker's documented per-endpoint quotas,
// with conservative headroom on the ones it only throttles informally.
func DefaultRateLimits() map[string]RateLimitPolicy {
	return map[string]RateLimitPolicy{
		string(models.RequestHistoricalData): {
			MaxRatePerSecond: 0.1, // 6 requests per minute
			BurstAllowance:   3,
			Cooldown:         10 * time.Second,
			MaxRetries:       3,
		},
		string(models.RequestMarketData): {
			MaxRatePerSecond: 10.0,
			BurstAllowance:   50,
			Cooldown:         time.Second,
			MaxRetries:       2,
		},
		string(models.RequestAccountData): {
			MaxRatePerSecond: 1.0,
			BurstAllowance:   5,
			Cooldown:         2 * time.Second,
			MaxRetries:       2,
		},
		string(models.RequestContractDetails): {
			MaxRatePerSecond: 20.0, // broker allows 50/sec
			BurstAllowance:   30,
			Cooldown:         500 * time.Millisecond,
			MaxRetries:       2,
		},
		string(models.RequestOrders): {
			MaxRatePerSecond: 5.0,
			BurstAllowance:   10,
			Cooldown:         time.Second,
			MaxRetries:       1, // orders are critical, fewer retries
		},
	}
}

type BatchConfig struct {
	SequentialPause  time.Duration `yaml:"sequential_pause"`
	SymbolGroupPause time.Duration `yaml:"symbol_group_pause"`
	TimeframePause   time.Duration `yaml:"timeframe_pause"`
	PriorityPause    time.Duration `yaml:"priority_pause"`
}

type ValidatorConfig struct {
	PriceMin        float64 `yaml:"price_min"`
	PriceMax        float64 `yaml:"price_max"`
	VolumeMax       int64   `yaml:"volume_max"`
	MinQualityScore float64 `yaml:"min_quality_score"`
}

type ConsensusConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Tolerance        float64       `yaml:"tolerance"`
	QualityThreshold float64       `yaml:"quality_threshold"`
	ChainLimit       int           `yaml:"chain_limit"`
	MatchTolerance   time.Duration `yaml:"match_tolerance"`
	NoReferenceScale float64       `yaml:"no_reference_scale"`
}

// SourceConfig selects the primary market-data endpoint the scheduler
// fetches bars from.
type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// DownloadConfig drives the periodic ingestion loop: which symbols to
// refresh, how far back, at what bar sizes, and how the batch is spread.
type DownloadConfig struct {
	Symbols    []string          `yaml:"symbols"`
	Strategy   string            `yaml:"strategy"`
	Interval   time.Duration     `yaml:"interval"`
	Requests   []RequestSpec     `yaml:"requests"`
	Priorities map[string]string `yaml:"priorities"`
}

// RequestSpec pairs a lookback duration ("1 D", "2 W") with a bar size.
type RequestSpec struct {
	Duration  string `yaml:"duration"`
	Timeframe string `yaml:"timeframe"`
}

type ReferenceConfig struct {
	Binance BinanceReferenceConfig `yaml:"binance"`
}

type BinanceReferenceConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type WriterConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffered   int           `yaml:"max_buffered"`
}

type StorageConfig struct {
	S3      S3Config      `yaml:"s3"`
	Parquet ParquetConfig `yaml:"parquet"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
	PageSize    int    `yaml:"page_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Batch: BatchConfig{
			SequentialPause:  100 * time.Millisecond,
			SymbolGroupPause: 500 * time.Millisecond,
			TimeframePause:   2 * time.Second,
			PriorityPause:    200 * time.Millisecond,
		},
		Validator: ValidatorConfig{
			PriceMin:        0.01,
			PriceMax:        100000.0,
			VolumeMax:       1_000_000_000,
			MinQualityScore: 95.0,
		},
		Consensus: ConsensusConfig{
			Tolerance:        0.05,
			QualityThreshold: 99.95,
			ChainLimit:       1000,
			MatchTolerance:   2 * time.Minute,
			NoReferenceScale: 0.8,
		},
		Download: DownloadConfig{
			Strategy: "mixed",
			Interval: 15 * time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 credentials from environment variables if available
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

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Barflow.Name == "" {
		return fmt.Errorf("barflow.name is required")
	}
	if cfg.Barflow.Version == "" {
		return fmt.Errorf("barflow.version is required")
	}

	if cfg.Channels.ValidatedBuffer <= 0 {
		return fmt.Errorf("channels.validated_buffer must be greater than 0")
	}

	for name, policy := range cfg.Scheduler.RateLimits {
		if !models.RequestType(name).Valid() {
			return fmt.Errorf("scheduler.rate_limits: unknown request type '%s'", name)
		}
		if policy.MaxRatePerSecond <= 0 {
			return fmt.Errorf("scheduler.rate_limits.%s.max_rate_per_second must be greater than 0", name)
		}
		if policy.BurstAllowance <= 0 {
			return fmt.Errorf("scheduler.rate_limits.%s.burst_allowance must be greater than 0", name)
		}
		if policy.Cooldown <= 0 {
			return fmt.Errorf("scheduler.rate_limits.%s.cooldown must be greater than 0", name)
		}
		if policy.MaxRetries < 0 {
			return fmt.Errorf("scheduler.rate_limits.%s.max_retries must not be negative", name)
		}
	}

	if cfg.Validator.PriceMin <= 0 {
		return fmt.Errorf("validator.price_min must be greater than 0")
	}
	if cfg.Validator.PriceMax <= cfg.Validator.PriceMin {
		return fmt.Errorf("validator.price_max must be greater than validator.price_min")
	}
	if cfg.Validator.MinQualityScore < 0 || cfg.Validator.MinQualityScore > 100 {
		return fmt.Errorf("validator.min_quality_score must be within [0, 100]")
	}

	if cfg.Consensus.Tolerance <= 0 {
		return fmt.Errorf("consensus.tolerance must be greater than 0")
	}
	if cfg.Consensus.ChainLimit <= 0 {
		return fmt.Errorf("consensus.chain_limit must be greater than 0")
	}
	if cfg.Consensus.NoReferenceScale <= 0 || cfg.Consensus.NoReferenceScale > 1 {
		return fmt.Errorf("consensus.no_reference_scale must be within (0, 1]")
	}

	if len(cfg.Download.Symbols) > 0 {
		switch cfg.Download.Strategy {
		case "sequential", "parallel_symbol", "parallel_timeframe", "mixed":
		default:
			return fmt.Errorf("download.strategy: unknown strategy '%s'", cfg.Download.Strategy)
		}
		if len(cfg.Download.Requests) == 0 {
			return fmt.Errorf("download.requests must not be empty when download.symbols is set")
		}
		for i, req := range cfg.Download.Requests {
			if req.Duration == "" {
				return fmt.Errorf("download.requests[%d].duration is required", i)
			}
			if !models.Timeframe(req.Timeframe).Valid() {
				return fmt.Errorf("download.requests[%d]: unknown timeframe '%s'", i, req.Timeframe)
			}
		}
		for symbol, priority := range cfg.Download.Priorities {
			if _, err := models.ParsePriority(priority); err != nil {
				return fmt.Errorf("download.priorities.%s: %w", symbol, err)
			}
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if cfg.Writer.FlushInterval <= 0 {
			return fmt.Errorf("writer.flush_interval must be greater than 0 when S3 is enabled")
		}
	}

	return nil
}
