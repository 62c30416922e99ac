// Package config provides configuration structures and loading logic for
// chainctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-chain/internal/governance"
	"github.com/polisai/polis-chain/pkg/chain"
	"github.com/polisai/polis-chain/pkg/policies"
)

// Config holds the global configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Chain       ChainConfig       `yaml:"chain"`
	Retry       RetryConfig       `yaml:"retry"`
	UpstreamTLS UpstreamTLSConfig `yaml:"upstream_tls"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// MetricsConfig holds configuration for the Prometheus endpoint. An empty
// address disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// ChainConfig holds engine settings.
type ChainConfig struct {
	MaxChainLength int `yaml:"max_chain_length"`
}

// RetryConfig configures the retry policy and the shared state it consults.
type RetryConfig struct {
	MaxRetries           int           `yaml:"max_retries"`
	InitialBackoff       time.Duration `yaml:"initial_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	Multiplier           float64       `yaml:"multiplier"`
	Jitter               bool          `yaml:"jitter"`
	RetryableStatusCodes []int         `yaml:"retryable_status_codes"`
	IdempotentOnly       bool          `yaml:"idempotent_only"`
	RespectRetryAfter    bool          `yaml:"respect_retry_after"`
	Budget               BudgetConfig  `yaml:"budget"`
	Breaker              BreakerConfig `yaml:"breaker"`
}

// BudgetConfig bounds retries per host. A zero rate disables the budget.
type BudgetConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// BreakerConfig opens a host's circuit after consecutive failures. Zero
// failures disables the breaker.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	backoff := governance.DefaultBackoffConfig()
	breaker := governance.DefaultBreakerConfig()
	return &Config{
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: "chainctl"},
		Chain:     ChainConfig{MaxChainLength: chain.DefaultMaxChainLength},
		Retry: RetryConfig{
			MaxRetries:           3,
			InitialBackoff:       backoff.Initial,
			MaxBackoff:           backoff.Max,
			Multiplier:           backoff.Multiplier,
			Jitter:               backoff.Jitter,
			RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
			IdempotentOnly:       true,
			RespectRetryAfter:    true,
			Budget:               BudgetConfig{RequestsPerSecond: 10, Burst: 20},
			Breaker:              BreakerConfig{MaxFailures: breaker.MaxFailures, OpenTimeout: breaker.OpenTimeout},
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse checks data against the configuration schema and decodes it over
// cfg, so fields absent from data keep their current values.
func Parse(data []byte, cfg *Config) error {
	if err := validateSchema(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("CHAIN_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("CHAIN_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("CHAIN_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("CHAIN_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}

	if val := os.Getenv("CHAIN_MAX_LENGTH"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return &FieldError{Field: "CHAIN_MAX_LENGTH", Value: val, Reason: "must be an integer"}
		}
		cfg.Chain.MaxChainLength = n
	}
	if val := os.Getenv("CHAIN_MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return &FieldError{Field: "CHAIN_MAX_RETRIES", Value: val, Reason: "must be an integer"}
		}
		cfg.Retry.MaxRetries = n
	}
	return nil
}

// FieldError reports an invalid configuration value.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *FieldError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration error in field '%s' (%v): %s", e.Field, e.Value, e.Reason)
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain configuration: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry configuration: %w", err)
	}
	if err := c.UpstreamTLS.Validate(); err != nil {
		return fmt.Errorf("upstream TLS configuration: %w", err)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of chain configuration
func (c *ChainConfig) Validate() error {
	if c.MaxChainLength < 1 {
		return &FieldError{Field: "chain.max_chain_length", Value: c.MaxChainLength, Reason: "must be at least 1"}
	}
	return nil
}

// Validate performs validation of retry configuration
func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return &FieldError{Field: "retry.max_retries", Value: c.MaxRetries, Reason: "must not be negative"}
	}
	if c.InitialBackoff > 0 && c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return &FieldError{Field: "retry.initial_backoff", Value: c.InitialBackoff, Reason: "exceeds retry.max_backoff"}
	}
	for _, code := range c.RetryableStatusCodes {
		if code < 100 || code > 599 {
			return &FieldError{Field: "retry.retryable_status_codes", Value: code, Reason: "not an HTTP status code"}
		}
	}
	if c.Budget.RequestsPerSecond < 0 {
		return &FieldError{Field: "retry.budget.requests_per_second", Value: c.Budget.RequestsPerSecond, Reason: "must not be negative"}
	}
	return nil
}

// Policy converts the section into retry policy settings.
func (c RetryConfig) Policy() policies.RetryConfig {
	codes := make(map[int]bool, len(c.RetryableStatusCodes))
	for _, code := range c.RetryableStatusCodes {
		codes[code] = true
	}
	if len(codes) == 0 {
		codes = nil
	}
	return policies.RetryConfig{
		MaxRetries: c.MaxRetries,
		Backoff: governance.BackoffConfig{
			Initial:    c.InitialBackoff,
			Max:        c.MaxBackoff,
			Multiplier: c.Multiplier,
			Jitter:     c.Jitter,
		},
		RetryableStatusCodes: codes,
		IdempotentOnly:       c.IdempotentOnly,
		RespectRetryAfter:    c.RespectRetryAfter,
	}
}

// BudgetSettings converts the budget section for governance.NewRetryBudget.
func (c RetryConfig) BudgetSettings() governance.BudgetConfig {
	return governance.BudgetConfig{RetriesPerSecond: c.Budget.RequestsPerSecond, Burst: c.Budget.Burst}
}

// BreakerSettings converts the breaker section for governance.NewBreakerSet.
func (c RetryConfig) BreakerSettings() governance.BreakerConfig {
	return governance.BreakerConfig{MaxFailures: c.Breaker.MaxFailures, OpenTimeout: c.Breaker.OpenTimeout}
}

// RetryPolicy returns the retry policy settings bounded by the chain limit.
func (c *Config) RetryPolicy() policies.RetryConfig {
	cfg := c.Retry.Policy()
	cfg.MaxChainLength = c.Chain.MaxChainLength
	return cfg
}
