// Package coreconfig loads the resource-control core's configuration from
// a YAML file under a config directory, with environment variables
// overriding file values, matching the platform's config-directory and
// override-precedence conventions.
package coreconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a running core: logging/metrics,
// one or more named endpoints, and the queue/limiter/breaker/retry/
// executor settings applied to each.
type Config struct {
	LogLevel   string            `yaml:"log_level"`
	MetricsAddr string           `yaml:"metrics_addr"`
	ConfigDir  string            `yaml:"-"`
	Endpoints  map[string]EndpointConfig `yaml:"endpoints"`
	Defaults   Defaults          `yaml:"defaults"`
}

// EndpointConfig describes one named Endpoint and the resilience/rate
// limiting layered around it. Zero-valued numeric fields and a nil Jitter
// in the RateLimit, Breaker, Retry, Queue and Executor sections fall back
// to Defaults; the Adaptive and Enabled switches and the top-level fields
// do not, except that an empty Method becomes "POST".
type EndpointConfig struct {
	Provider     string `yaml:"provider"`
	Transport    string `yaml:"transport"`
	BaseURL      string `yaml:"base_url"`
	Path         string `yaml:"path,omitempty"`
	Method       string `yaml:"method,omitempty"`
	APIKeyEnv    string `yaml:"api_key_env,omitempty"`
	AuthTemplate string `yaml:"auth_template,omitempty"`
	AuthHeader   string `yaml:"auth_header,omitempty"`
	SDKProvider  string `yaml:"sdk_provider,omitempty"`
	TimeoutMs    int    `yaml:"timeout_ms,omitempty"`

	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Breaker   BreakerConfig   `yaml:"breaker,omitempty"`
	Retry     RetryConfig     `yaml:"retry,omitempty"`
	Queue     QueueConfig     `yaml:"queue,omitempty"`
	Executor  ExecutorConfig  `yaml:"executor,omitempty"`
}

// RateLimitConfig configures the endpoint's token bucket.
type RateLimitConfig struct {
	Rate         float64 `yaml:"rate,omitempty"`
	PeriodMs     int     `yaml:"period_ms,omitempty"`
	MaxTokens    float64 `yaml:"max_tokens,omitempty"`
	Adaptive     bool    `yaml:"adaptive,omitempty"`
	SafetyFactor float64 `yaml:"safety_factor,omitempty"`
	MinRate      float64 `yaml:"min_rate,omitempty"`
}

// BreakerConfig configures the endpoint's circuit breaker.
type BreakerConfig struct {
	Enabled          bool `yaml:"enabled,omitempty"`
	FailureThreshold int  `yaml:"failure_threshold,omitempty"`
	RecoveryTimeMs   int  `yaml:"recovery_time_ms,omitempty"`
	HalfOpenMaxCalls int  `yaml:"half_open_max_calls,omitempty"`
}

// RetryConfig configures the endpoint's retry-with-backoff policy.
type RetryConfig struct {
	MaxRetries    int     `yaml:"max_retries,omitempty"`
	BaseDelayMs   int     `yaml:"base_delay_ms,omitempty"`
	MaxDelayMs    int     `yaml:"max_delay_ms,omitempty"`
	BackoffFactor float64 `yaml:"backoff_factor,omitempty"`
	Jitter        *bool   `yaml:"jitter,omitempty"`
	JitterFactor  float64 `yaml:"jitter_factor,omitempty"`
}

// QueueConfig configures the bounded work queue feeding this endpoint's
// executor.
type QueueConfig struct {
	Capacity          int `yaml:"capacity,omitempty"`
	EnqueueTimeoutMs  int `yaml:"enqueue_timeout_ms,omitempty"`
}

// ExecutorConfig configures the concurrency ceiling and rate-limited
// admission budget for this endpoint's executor.
type ExecutorConfig struct {
	ConcurrencyLimit int `yaml:"concurrency_limit,omitempty"`
	LimitRequests    int `yaml:"limit_requests,omitempty"`
	LimitTokens      int `yaml:"limit_tokens,omitempty"`
	IntervalMs       int `yaml:"interval_ms,omitempty"`
}

// Defaults holds the fallback settings applied to any EndpointConfig field
// left at its zero value.
type Defaults struct {
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Breaker   BreakerConfig   `yaml:"breaker,omitempty"`
	Retry     RetryConfig     `yaml:"retry,omitempty"`
	Queue     QueueConfig     `yaml:"queue,omitempty"`
	Executor  ExecutorConfig  `yaml:"executor,omitempty"`
}

// Load reads configuration from configDir/corectl.yaml, if present, then
// applies environment variable overrides and documented defaults.
// configDir="" resolves to ~/.corectl.
func Load(configDir string) (*Config, error) {
	dir, err := resolveConfigDir(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}

	cfg, err := loadFileConfig(filepath.Join(dir, "corectl.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ConfigDir = dir

	cfg.LogLevel = getEnvOrDefault("CORECTL_LOG_LEVEL", cfg.LogLevel)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.MetricsAddr = getEnvOrDefault("CORECTL_METRICS_ADDR", cfg.MetricsAddr)
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}

	applyDefaults(cfg)
	return cfg, nil
}

func loadFileConfig(path string) (*Config, error) {
	cfg := &Config{Endpoints: map[string]EndpointConfig{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = map[string]EndpointConfig{}
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	for name, ep := range cfg.Endpoints {
		ep.RateLimit = mergeRateLimit(ep.RateLimit, cfg.Defaults.RateLimit)
		ep.Breaker = mergeBreaker(ep.Breaker, cfg.Defaults.Breaker)
		ep.Retry = mergeRetry(ep.Retry, cfg.Defaults.Retry)
		ep.Queue = mergeQueue(ep.Queue, cfg.Defaults.Queue)
		ep.Executor = mergeExecutor(ep.Executor, cfg.Defaults.Executor)
		if ep.Method == "" {
			ep.Method = "POST"
		}
		cfg.Endpoints[name] = ep
	}
}

func mergeRateLimit(v, d RateLimitConfig) RateLimitConfig {
	if v.Rate == 0 {
		v.Rate = d.Rate
	}
	if v.PeriodMs == 0 {
		v.PeriodMs = d.PeriodMs
	}
	if v.MaxTokens == 0 {
		v.MaxTokens = d.MaxTokens
	}
	if v.SafetyFactor == 0 {
		v.SafetyFactor = d.SafetyFactor
	}
	if v.MinRate == 0 {
		v.MinRate = d.MinRate
	}
	return v
}

func mergeBreaker(v, d BreakerConfig) BreakerConfig {
	if v.FailureThreshold == 0 {
		v.FailureThreshold = d.FailureThreshold
	}
	if v.RecoveryTimeMs == 0 {
		v.RecoveryTimeMs = d.RecoveryTimeMs
	}
	if v.HalfOpenMaxCalls == 0 {
		v.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return v
}

func mergeRetry(v, d RetryConfig) RetryConfig {
	if v.MaxRetries == 0 {
		v.MaxRetries = d.MaxRetries
	}
	if v.BaseDelayMs == 0 {
		v.BaseDelayMs = d.BaseDelayMs
	}
	if v.MaxDelayMs == 0 {
		v.MaxDelayMs = d.MaxDelayMs
	}
	if v.BackoffFactor == 0 {
		v.BackoffFactor = d.BackoffFactor
	}
	if v.Jitter == nil {
		v.Jitter = d.Jitter
	}
	if v.JitterFactor == 0 {
		v.JitterFactor = d.JitterFactor
	}
	return v
}

func mergeQueue(v, d QueueConfig) QueueConfig {
	if v.Capacity == 0 {
		v.Capacity = d.Capacity
	}
	if v.EnqueueTimeoutMs == 0 {
		v.EnqueueTimeoutMs = d.EnqueueTimeoutMs
	}
	return v
}

func mergeExecutor(v, d ExecutorConfig) ExecutorConfig {
	if v.ConcurrencyLimit == 0 {
		v.ConcurrencyLimit = d.ConcurrencyLimit
	}
	if v.LimitRequests == 0 {
		v.LimitRequests = d.LimitRequests
	}
	if v.LimitTokens == 0 {
		v.LimitTokens = d.LimitTokens
	}
	if v.IntervalMs == 0 {
		v.IntervalMs = d.IntervalMs
	}
	return v
}

func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func resolveConfigDir(configDir string) (string, error) {
	if configDir != "" {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return "", err
		}
		return configDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".corectl")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
