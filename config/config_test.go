package config

import (
	"os"
	"testing"
	"time"

	"barflow/models"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `barflow:
  name: "TestApp"
  version: "1.0"
channels:
  validated_buffer: 1
  error_buffer: 1
storage:
  s3:
    enabled: false
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Barflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Barflow.Name)
	}
	if cfg.Consensus.QualityThreshold != 99.95 {
		t.Errorf("unexpected consensus threshold: %v", cfg.Consensus.QualityThreshold)
	}
	if cfg.Batch.SequentialPause != 100*time.Millisecond {
		t.Errorf("unexpected sequential pause: %v", cfg.Batch.SequentialPause)
	}
}

func TestLoadConfigRateLimits(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`scheduler:
  rate_limits:
    historical_data:
      max_rate_per_second: 0.2
      burst_allowance: 5
      cooldown: 8s
      max_retries: 4
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	policy := cfg.Scheduler.Policy(models.RequestHistoricalData)
	if policy.MaxRatePerSecond != 0.2 {
		t.Errorf("unexpected rate: %v", policy.MaxRatePerSecond)
	}
	if policy.Cooldown != 8*time.Second {
		t.Errorf("unexpected cooldown: %v", policy.Cooldown)
	}

	// Unconfigured types fall back to broker defaults.
	fallback := cfg.Scheduler.Policy(models.RequestOrders)
	if fallback.MaxRetries != 1 {
		t.Errorf("unexpected fallback max retries: %d", fallback.MaxRetries)
	}
}

func TestLoadConfigRejectsUnknownRequestType(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`scheduler:
  rate_limits:
    bogus_type:
      max_rate_per_second: 1
      burst_allowance: 1
      cooldown: 1s
      max_retries: 0
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown request type")
	}
}

func TestLoadConfigRejectsInvalidThresholds(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`validator:
  price_min: 10
  price_max: 5
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for inverted price bounds")
	}
}

func TestLoadConfigDownloadSection(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`download:
  symbols: ["BTCUSDT"]
  requests:
    - duration: "1 D"
      timeframe: 1min
  priorities:
    BTCUSDT: high
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Download.Strategy != "mixed" {
		t.Errorf("unexpected default strategy: %s", cfg.Download.Strategy)
	}
	if cfg.Download.Interval != 15*time.Minute {
		t.Errorf("unexpected default interval: %v", cfg.Download.Interval)
	}
}

func TestLoadConfigRejectsBadDownload(t *testing.T) {
	tests := []struct {
		name    string
		section string
	}{
		{"missing requests", `download:
  symbols: ["BTCUSDT"]
`},
		{"unknown timeframe", `download:
  symbols: ["BTCUSDT"]
  requests:
    - duration: "1 D"
      timeframe: 2min
`},
		{"unknown strategy", `download:
  symbols: ["BTCUSDT"]
  strategy: random
  requests:
    - duration: "1 D"
      timeframe: 1min
`},
		{"unknown priority", `download:
  symbols: ["BTCUSDT"]
  requests:
    - duration: "1 D"
      timeframe: 1min
  priorities:
    BTCUSDT: urgent
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, minimalConfig+tt.section)
			if _, err := LoadConfig(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDefaultRateLimitsCoverAllTypes(t *testing.T) {
	defaults := DefaultRateLimits()
	for _, rt := range models.RequestTypes {
		policy, ok := defaults[string(rt)]
		if !ok {
			t.Errorf("missing default policy for %s", rt)
			continue
		}
		if policy.MaxRatePerSecond <= 0 || policy.BurstAllowance <= 0 {
			t.Errorf("invalid default policy for %s: %+v", rt, policy)
		}
	}
}

func TestAppEnvironment(t *testing.T) {
	t.Setenv(appEnvVar, "prod")
	if env := AppEnvironment(); env != environmentProduction {
		t.Errorf("unexpected environment: %s", env)
	}
	if !IsProductionLike(environmentStaging) {
		t.Error("staging should be production-like")
	}
	t.Setenv(appEnvVar, "")
	if env := AppEnvironment(); env != environmentDevelopment {
		t.Errorf("unexpected default environment: %s", env)
	}
}
