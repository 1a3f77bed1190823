// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System     SystemConfig     `yaml:"system"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Bus        BusConfig        `yaml:"bus"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Risk       RiskConfig       `yaml:"risk"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// BusConfig contains market event bus settings
type BusConfig struct {
	QueueSize        int `yaml:"queue_size"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// RuntimeConfig contains strategy runtime settings. EvalTimeoutMs is the
// evaluation budget for strategies without a per-strategy override.
type RuntimeConfig struct {
	EvalTimeoutMs int `yaml:"eval_timeout_ms"`
}

// RiskConfig contains the risk limit table
type RiskConfig struct {
	MaxOrderSize         float64            `yaml:"max_order_size"`
	MaxStrategyExposure  float64            `yaml:"max_strategy_exposure"`
	MaxPortfolioExposure float64            `yaml:"max_portfolio_exposure"`
	MaxDailyLoss         float64            `yaml:"max_daily_loss"`
	StrategyOverrides    map[string]float64 `yaml:"strategy_overrides"`
}

// ExecutionConfig contains order submission settings
type ExecutionConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
	RateLimit   float64 `yaml:"rate_limit"`
	RateBurst   int     `yaml:"rate_burst"`
	// How long a broker fill may wait for its order registration before it
	// is treated as a consistency error. Zero uses the built-in default.
	FillGraceMs int `yaml:"fill_grace_ms"`
}

// LedgerConfig contains ledger settings
type LedgerConfig struct {
	FillLogPath string  `yaml:"fill_log_path"`
	InitialCash float64 `yaml:"initial_cash"`
}

// StrategyConfig registers one strategy instance
type StrategyConfig struct {
	ID            string             `yaml:"id"`
	Type          string             `yaml:"type"`
	Enabled       bool               `yaml:"enabled"`
	Instruments   []string           `yaml:"instruments"`
	Params        map[string]float64 `yaml:"params"`
	EvalTimeoutMs int                `yaml:"eval_timeout_ms"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateExecutionConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateStrategies(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxOrderSize <= 0 {
		return ValidationError{
			Field:   "risk.max_order_size",
			Value:   c.Risk.MaxOrderSize,
			Message: "max order size must be positive",
		}
	}
	if c.Risk.MaxPortfolioExposure <= 0 {
		return ValidationError{
			Field:   "risk.max_portfolio_exposure",
			Value:   c.Risk.MaxPortfolioExposure,
			Message: "portfolio exposure limit must be positive",
		}
	}
	if c.Risk.MaxStrategyExposure <= 0 {
		return ValidationError{
			Field:   "risk.max_strategy_exposure",
			Value:   c.Risk.MaxStrategyExposure,
			Message: "strategy exposure limit must be positive",
		}
	}
	if c.Risk.MaxDailyLoss < 0 {
		return ValidationError{
			Field:   "risk.max_daily_loss",
			Value:   c.Risk.MaxDailyLoss,
			Message: "daily loss limit must not be negative",
		}
	}
	for id, v := range c.Risk.StrategyOverrides {
		if v <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("risk.strategy_overrides.%s", id),
				Value:   v,
				Message: "override must be positive",
			}
		}
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	if c.Execution.MaxAttempts < 1 || c.Execution.MaxAttempts > 20 {
		return ValidationError{
			Field:   "execution.max_attempts",
			Value:   c.Execution.MaxAttempts,
			Message: "must be between 1 and 20",
		}
	}
	if c.Execution.BaseDelayMs < 1 {
		return ValidationError{
			Field:   "execution.base_delay_ms",
			Value:   c.Execution.BaseDelayMs,
			Message: "must be at least 1",
		}
	}
	if c.Execution.MaxDelayMs < c.Execution.BaseDelayMs {
		return ValidationError{
			Field:   "execution.max_delay_ms",
			Value:   c.Execution.MaxDelayMs,
			Message: "must be >= base_delay_ms",
		}
	}
	return nil
}

func (c *Config) validateStrategies() error {
	if len(c.Strategies) == 0 {
		return ValidationError{
			Field:   "strategies",
			Message: "at least one strategy must be registered",
		}
	}

	seen := make(map[string]bool)
	for i, s := range c.Strategies {
		if s.ID == "" {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].id", i),
				Message: "strategy id is required",
			}
		}
		if seen[s.ID] {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].id", i),
				Value:   s.ID,
				Message: "strategy id must be unique",
			}
		}
		seen[s.ID] = true
		if s.Type == "" {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].type", i),
				Message: "strategy type is required",
			}
		}
		if len(s.Instruments) == 0 {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].instruments", i),
				Message: "at least one instrument subscription is required",
			}
		}
		if err := validateStrategyParams(i, s); err != nil {
			return err
		}
	}
	return nil
}

// validateStrategyParams checks type-specific parameters against the same
// defaults the strategy constructors use, so a typo fails at load instead of
// panicking every evaluation.
func validateStrategyParams(i int, s StrategyConfig) error {
	paramOr := func(key string, def float64) float64 {
		if v, ok := s.Params[key]; ok {
			return v
		}
		return def
	}

	switch s.Type {
	case "sma_crossover":
		fast := paramOr("fast_period", 5)
		slow := paramOr("slow_period", 20)
		if fast < 1 || slow < 1 {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].params", i),
				Value:   fmt.Sprintf("fast_period=%g slow_period=%g", fast, slow),
				Message: "periods must be positive",
			}
		}
		if fast > slow {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].params", i),
				Value:   fmt.Sprintf("fast_period=%g slow_period=%g", fast, slow),
				Message: "fast_period must not exceed slow_period",
			}
		}
	case "mean_reversion":
		if period := paramOr("period", 20); period < 1 {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].params.period", i),
				Value:   period,
				Message: "period must be positive",
			}
		}
		if band := paramOr("band", 0.01); band <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("strategies[%d].params.band", i),
				Value:   band,
				Message: "band must be positive",
			}
		}
	}
	return nil
}

// RiskLimits converts the risk section to the limit table consumed by the gate.
func (c *Config) RiskLimits() core.RiskLimits {
	overrides := make(map[string]decimal.Decimal, len(c.Risk.StrategyOverrides))
	for id, v := range c.Risk.StrategyOverrides {
		overrides[id] = decimal.NewFromFloat(v)
	}
	return core.RiskLimits{
		MaxOrderSize:         decimal.NewFromFloat(c.Risk.MaxOrderSize),
		MaxStrategyExposure:  decimal.NewFromFloat(c.Risk.MaxStrategyExposure),
		MaxPortfolioExposure: decimal.NewFromFloat(c.Risk.MaxPortfolioExposure),
		MaxDailyLoss:         decimal.NewFromFloat(c.Risk.MaxDailyLoss),
		StrategyOverrides:    overrides,
	}
}

// Helper functions

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			MetricsPort:   9464,
		},
		Bus: BusConfig{
			QueueSize:        1024,
			SubscriberBuffer: 256,
		},
		Runtime: RuntimeConfig{
			EvalTimeoutMs: 200,
		},
		Risk: RiskConfig{
			MaxOrderSize:         100,
			MaxStrategyExposure:  10000,
			MaxPortfolioExposure: 50000,
			MaxDailyLoss:         2500,
		},
		Execution: ExecutionConfig{
			MaxAttempts: 5,
			BaseDelayMs: 500,
			MaxDelayMs:  10000,
			RateLimit:   25,
			RateBurst:   30,
			FillGraceMs: 5000,
		},
		Ledger: LedgerConfig{
			FillLogPath: "",
			InitialCash: 100000,
		},
		Strategies: []StrategyConfig{
			{
				ID:          "sma-fast",
				Type:        "sma_crossover",
				Enabled:     true,
				Instruments: []string{"BTCUSDT"},
				Params:      map[string]float64{"fast_period": 5, "slow_period": 20, "quantity": 0.5},
			},
		},
	}
}
