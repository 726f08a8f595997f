// Package config handles configuration loading and validation for the
// dispatcher subsystem.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	StateStore  StateStoreConfig  `yaml:"state_store"`
	Lock        LockConfig        `yaml:"lock"`
	Risk        RiskConfig        `yaml:"risk"`
	Exec        ExecConfig        `yaml:"exec"`
	Dedup       DedupConfig       `yaml:"dedup"`
	OCO         OCOConfig         `yaml:"oco"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alert       AlertConfig       `yaml:"alert"`
	Audit       AuditConfig       `yaml:"audit"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	// EngineType selects the Dispatcher's execution strategy: "simple"
	// runs steps in-process; "durable" runs each whole dispatch as a
	// single step of a DBOS workflow.
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple durable"`
	DatabaseURL string `yaml:"database_url"` // required when engine_type is durable
	LogLevel    string `yaml:"log_level" validate:"required,oneof=debug info warn error"`
	InstanceID  string `yaml:"instance_id" validate:"required"`
}

// ExchangeConfig holds the credentials and endpoint for the configured
// exchange gateway. A process is configured for exactly one exchange
// account.
type ExchangeConfig struct {
	Kind          string        `yaml:"kind" validate:"required,oneof=http mock"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	SecretKey     string        `yaml:"secret_key"`
	RequestsPerSec float64      `yaml:"requests_per_sec" validate:"required,min=0.1"`
	Burst         int           `yaml:"burst" validate:"required,min=1"`
	Timeout       time.Duration `yaml:"timeout" validate:"required"`
	// EventsWSURL is the push stream the gateway dials for fill/status
	// events. Empty disables the stream; Events() then never yields.
	EventsWSURL string `yaml:"events_ws_url"`
}

// StateStoreConfig configures the durable state backend.
type StateStoreConfig struct {
	Kind string `yaml:"kind" validate:"required,oneof=sqlite memory"`
	DSN  string `yaml:"dsn"`
}

// LockConfig configures the distributed lock manager.
type LockConfig struct {
	Kind       string        `yaml:"kind" validate:"required,oneof=redis store"`
	RedisAddr  string        `yaml:"redis_addr"`
	DefaultTTL time.Duration `yaml:"default_ttl" validate:"required"`
}

// RiskConfig holds the static risk policy thresholds, checked by
// risk.Manager.Evaluate in the order: symbol allow-list, max net position,
// max aggregate notional, max per-order notional, min order notional,
// per-strategy rate, confidence threshold.
type RiskConfig struct {
	MaxNotionalPerOrder     string   `yaml:"max_notional_per_order" validate:"required"`
	MaxNetPositionPerSym    string   `yaml:"max_net_position_per_symbol" validate:"required"`
	MaxAggregateNotional    string   `yaml:"max_aggregate_notional" validate:"required"`
	MaxOrdersPerStrategyMin int      `yaml:"max_orders_per_strategy_per_minute" validate:"required,min=1"`
	MinOrderNotional        string   `yaml:"min_order_notional" validate:"required"`
	MinConfidence           float64  `yaml:"min_confidence"`
	SymbolAllowlist         []string `yaml:"symbol_allowlist"`
}

// ExecRetryConfig bounds the Dispatcher's exchange submission retry loop.
type ExecRetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"required,min=1"`
	BaseBackoff time.Duration `yaml:"base_backoff" validate:"required"`
	MaxBackoff  time.Duration `yaml:"max_backoff" validate:"required"`
}

// ExecConfig holds order-sizing and submission defaults.
type ExecConfig struct {
	// DefaultTargetNotional is the notional a signal without an explicit
	// quantity is sized against.
	DefaultTargetNotional string `yaml:"default_target_notional" validate:"required"`
	// QuantityTickSize is the increment quantity is rounded up to when it
	// would otherwise settle below risk.min_order_notional.
	QuantityTickSize string          `yaml:"quantity_tick_size" validate:"required"`
	Retry            ExecRetryConfig `yaml:"retry"`
	// RequestDeadline bounds a single exchange round trip, mirrored into
	// the per-attempt context passed to the gateway.
	RequestDeadline time.Duration `yaml:"request_deadline" validate:"required"`
}

// DedupConfig configures how long a processed-signal record is kept.
type DedupConfig struct {
	RetentionHours int `yaml:"retention_hours" validate:"required,min=1"`
}

// OCOConfig configures the OCO Manager's sibling-cancel retry budget.
type OCOConfig struct {
	CancelRetryBudget int `yaml:"cancel_retry_budget" validate:"required,min=1"`
}

// ConcurrencyConfig sizes the worker pools.
type ConcurrencyConfig struct {
	IngressPoolSize   int `yaml:"ingress_pool_size" validate:"required,min=1,max=256"`
	IngressPoolBuffer int `yaml:"ingress_pool_buffer" validate:"required,min=1,max=100000"`
	EventPoolSize     int `yaml:"event_pool_size" validate:"required,min=1,max=256"`
	EventPoolBuffer   int `yaml:"event_pool_buffer" validate:"required,min=1,max=100000"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name" validate:"required"`
	MetricsPort   int    `yaml:"metrics_port" validate:"required,min=1,max=65535"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	EnableTracing bool   `yaml:"enable_tracing"`
}

// AlertConfig configures the fan-out alert channels.
type AlertConfig struct {
	SlackWebhookURL    string `yaml:"slack_webhook_url"`
	TelegramBotToken   string `yaml:"telegram_bot_token"`
	TelegramChatID     string `yaml:"telegram_chat_id"`
}

// AuditConfig configures the append-only audit log, independent of the
// state store backend so the audit trail survives a state store reset.
type AuditConfig struct {
	DSN string `yaml:"dsn" validate:"required"`
}

// ReconcilerConfig configures the periodic local-vs-exchange reconciliation
// pass.
type ReconcilerConfig struct {
	Symbols  []string      `yaml:"symbols" validate:"required,min=1"`
	Interval time.Duration `yaml:"interval" validate:"required"`
}

// ValidationError describes one failed configuration field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig reads, expands, parses, and validates a YAML config file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate runs every section's checks and joins the failures.
func (c *Config) Validate() error {
	var problems []string

	for _, fn := range []func() error{
		c.validateApp,
		c.validateExchange,
		c.validateStateStore,
		c.validateLock,
		c.validateRisk,
		c.validateExec,
		c.validateDedup,
		c.validateOCO,
		c.validateConcurrency,
		c.validateTelemetry,
		c.validateAudit,
		c.validateReconciler,
	} {
		if err := fn(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	if c.App.EngineType != "simple" && c.App.EngineType != "durable" {
		return ValidationError{Field: "app.engine_type", Value: c.App.EngineType, Message: "must be one of: simple, durable"}
	}
	if c.App.EngineType == "durable" && c.App.DatabaseURL == "" {
		return ValidationError{Field: "app.database_url", Message: "required when engine_type is durable"}
	}
	if c.App.InstanceID == "" {
		return ValidationError{Field: "app.instance_id", Message: "required to identify this process as a lock holder"}
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.Kind != "http" && c.Exchange.Kind != "mock" {
		return ValidationError{Field: "exchange.kind", Value: c.Exchange.Kind, Message: "must be one of: http, mock"}
	}
	if c.Exchange.Kind == "http" {
		if c.Exchange.BaseURL == "" {
			return ValidationError{Field: "exchange.base_url", Message: "required for http exchange"}
		}
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			return ValidationError{Field: "exchange.api_key", Message: "api_key and secret_key are required for http exchange"}
		}
	}
	if c.Exchange.RequestsPerSec <= 0 {
		return ValidationError{Field: "exchange.requests_per_sec", Value: c.Exchange.RequestsPerSec, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateStateStore() error {
	if c.StateStore.Kind == "sqlite" && c.StateStore.DSN == "" {
		return ValidationError{Field: "state_store.dsn", Message: "required for sqlite state store"}
	}
	return nil
}

func (c *Config) validateLock() error {
	if c.Lock.Kind == "redis" && c.Lock.RedisAddr == "" {
		return ValidationError{Field: "lock.redis_addr", Message: "required for redis lock manager"}
	}
	if c.Lock.DefaultTTL <= 0 {
		return ValidationError{Field: "lock.default_ttl", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxOrdersPerStrategyMin <= 0 {
		return ValidationError{Field: "risk.max_orders_per_strategy_per_minute", Value: c.Risk.MaxOrdersPerStrategyMin, Message: "must be positive"}
	}
	if c.Risk.MinOrderNotional == "" {
		return ValidationError{Field: "risk.min_order_notional", Message: "required"}
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		return ValidationError{Field: "risk.min_confidence", Value: c.Risk.MinConfidence, Message: "must be within [0,1]"}
	}
	return nil
}

func (c *Config) validateExec() error {
	if c.Exec.DefaultTargetNotional == "" {
		return ValidationError{Field: "exec.default_target_notional", Message: "required"}
	}
	if c.Exec.QuantityTickSize == "" {
		return ValidationError{Field: "exec.quantity_tick_size", Message: "required"}
	}
	if c.Exec.Retry.MaxAttempts <= 0 {
		return ValidationError{Field: "exec.retry.max_attempts", Value: c.Exec.Retry.MaxAttempts, Message: "must be positive"}
	}
	if c.Exec.Retry.BaseBackoff <= 0 || c.Exec.Retry.MaxBackoff <= 0 {
		return ValidationError{Field: "exec.retry", Message: "base_backoff and max_backoff must be positive"}
	}
	if c.Exec.RequestDeadline <= 0 {
		return ValidationError{Field: "exec.request_deadline", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateDedup() error {
	if c.Dedup.RetentionHours <= 0 {
		return ValidationError{Field: "dedup.retention_hours", Value: c.Dedup.RetentionHours, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateOCO() error {
	if c.OCO.CancelRetryBudget <= 0 {
		return ValidationError{Field: "oco.cancel_retry_budget", Value: c.OCO.CancelRetryBudget, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateConcurrency() error {
	if c.Concurrency.IngressPoolSize <= 0 || c.Concurrency.EventPoolSize <= 0 {
		return ValidationError{Field: "concurrency", Message: "pool sizes must be positive"}
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	if c.Telemetry.EnableMetrics && (c.Telemetry.MetricsPort <= 0 || c.Telemetry.MetricsPort > 65535) {
		return ValidationError{Field: "telemetry.metrics_port", Value: c.Telemetry.MetricsPort, Message: "must be a valid port when metrics are enabled"}
	}
	return nil
}

func (c *Config) validateAudit() error {
	if c.Audit.DSN == "" {
		return ValidationError{Field: "audit.dsn", Message: "required"}
	}
	return nil
}

func (c *Config) validateReconciler() error {
	if len(c.Reconciler.Symbols) == 0 {
		return ValidationError{Field: "reconciler.symbols", Message: "at least one symbol is required"}
	}
	if c.Reconciler.Interval <= 0 {
		return ValidationError{Field: "reconciler.interval", Message: "must be positive"}
	}
	return nil
}

// String renders the config with secrets masked, safe for logging.
func (c *Config) String() string {
	cp := *c
	cp.Exchange.APIKey = maskString(cp.Exchange.APIKey)
	cp.Exchange.SecretKey = maskString(cp.Exchange.SecretKey)
	cp.Alert.TelegramBotToken = maskString(cp.Alert.TelegramBotToken)
	data, _ := yaml.Marshal(cp)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a configuration suitable for local tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{EngineType: "simple", LogLevel: "info", InstanceID: "dispatcher-test"},
		Exchange: ExchangeConfig{
			Kind: "mock", RequestsPerSec: 25, Burst: 30, Timeout: 5 * time.Second,
		},
		StateStore: StateStoreConfig{Kind: "memory"},
		Lock:       LockConfig{Kind: "store", DefaultTTL: 10 * time.Second},
		Risk: RiskConfig{
			MaxNotionalPerOrder:     "10000",
			MaxNetPositionPerSym:    "50000",
			MaxAggregateNotional:    "250000",
			MaxOrdersPerStrategyMin: 30,
			MinOrderNotional:        "5",
			MinConfidence:           0,
			SymbolAllowlist:         nil,
		},
		Exec: ExecConfig{
			DefaultTargetNotional: "10",
			QuantityTickSize:      "0.00001",
			Retry:                 ExecRetryConfig{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second},
			RequestDeadline:       5 * time.Second,
		},
		Dedup: DedupConfig{RetentionHours: 24},
		OCO:   OCOConfig{CancelRetryBudget: 10},
		Concurrency: ConcurrencyConfig{
			IngressPoolSize: 8, IngressPoolBuffer: 1000,
			EventPoolSize: 8, EventPoolBuffer: 1000,
		},
		Telemetry:  TelemetryConfig{ServiceName: "dispatchcore", MetricsPort: 9090},
		Audit:      AuditConfig{DSN: "file::memory:?cache=shared"},
		Reconciler: ReconcilerConfig{Symbols: []string{"BTC-USD"}, Interval: time.Minute},
	}
}
