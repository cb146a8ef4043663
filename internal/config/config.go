// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Timing      TimingConfig      `yaml:"timing"`
	Storage     StorageConfig     `yaml:"storage"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// ExchangeConfig contains market-data and order-routing settings. Order
// routing is always simulated; "paper" trades against a live price stream,
// "mock" runs fully offline.
type ExchangeConfig struct {
	Gateway   string `yaml:"gateway"` // paper or mock
	WSUrl     string `yaml:"ws_url"`
	APIKey    Secret `yaml:"api_key"`
	SecretKey Secret `yaml:"secret_key"`
}

// StrategyConfig contains the position-management parameters
type StrategyConfig struct {
	Symbol               string  `yaml:"symbol"`
	UnitSize             float64 `yaml:"unit_size"`
	WindowSize           int     `yaml:"window_size"`
	Fragments            int     `yaml:"fragments"`
	Leverage             int     `yaml:"leverage"`
	InitialPositionValue float64 `yaml:"initial_position_value"` // quote currency
}

// TimingConfig contains timing-related settings. Durations are plain
// integers in the named unit, matching the rest of the file.
type TimingConfig struct {
	DebounceMs              int `yaml:"debounce_ms"`
	MinTradeIntervalMs      int `yaml:"min_trade_interval_ms"`
	PriceStalenessMs        int `yaml:"price_staleness_ms"`
	AuditIntervalSeconds    int `yaml:"audit_interval_seconds"`
	AuditCooldownSeconds    int `yaml:"audit_cooldown_seconds"`
	AuditVerifyDelaySeconds int `yaml:"audit_verify_delay_seconds"`
	WebsocketReconnectDelay int `yaml:"websocket_reconnect_delay"`
	WebsocketPongWait       int `yaml:"websocket_pong_wait"`
	WebsocketPingInterval   int `yaml:"websocket_ping_interval"`
	EventQueueSize          int `yaml:"event_queue_size"`
}

// StorageConfig contains snapshot persistence settings
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite or memory
	Path   string `yaml:"path"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertingConfig contains consistency-alarm delivery settings
type AlertingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL Secret `yaml:"webhook_url"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	OrderPoolSize   int `yaml:"order_pool_size"`
	OrderPoolBuffer int `yaml:"order_pool_buffer"`
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

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.Gateway == "" {
		c.Exchange.Gateway = "paper"
	}
	if c.Strategy.WindowSize == 0 {
		c.Strategy.WindowSize = 4
	}
	if c.Strategy.Fragments == 0 {
		c.Strategy.Fragments = 4
	}
	if c.Strategy.Leverage == 0 {
		c.Strategy.Leverage = 1
	}
	if c.Timing.DebounceMs == 0 {
		c.Timing.DebounceMs = 250
	}
	if c.Timing.MinTradeIntervalMs == 0 {
		c.Timing.MinTradeIntervalMs = 500
	}
	if c.Timing.PriceStalenessMs == 0 {
		c.Timing.PriceStalenessMs = 5000
	}
	if c.Timing.AuditIntervalSeconds == 0 {
		c.Timing.AuditIntervalSeconds = 60
	}
	if c.Timing.AuditCooldownSeconds == 0 {
		c.Timing.AuditCooldownSeconds = 30
	}
	if c.Timing.AuditVerifyDelaySeconds == 0 {
		c.Timing.AuditVerifyDelaySeconds = 5
	}
	if c.Timing.WebsocketReconnectDelay == 0 {
		c.Timing.WebsocketReconnectDelay = 5
	}
	if c.Timing.WebsocketPongWait == 0 {
		c.Timing.WebsocketPongWait = 60
	}
	if c.Timing.WebsocketPingInterval == 0 {
		c.Timing.WebsocketPingInterval = 30
	}
	if c.Timing.EventQueueSize == 0 {
		c.Timing.EventQueueSize = 1024
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "hypertrader.db"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Concurrency.OrderPoolSize == 0 {
		c.Concurrency.OrderPoolSize = 4
	}
	if c.Concurrency.OrderPoolBuffer == 0 {
		c.Concurrency.OrderPoolBuffer = 64
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStrategy(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTiming(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStorage(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateExchange() error {
	validGateways := []string{"paper", "mock"}
	if !contains(validGateways, c.Exchange.Gateway) {
		return ValidationError{
			Field:   "exchange.gateway",
			Value:   c.Exchange.Gateway,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validGateways, ", ")),
		}
	}
	if c.Exchange.Gateway == "paper" && c.Exchange.WSUrl == "" {
		return ValidationError{
			Field:   "exchange.ws_url",
			Message: "websocket URL is required for the paper gateway",
		}
	}
	return nil
}

func (c *Config) validateStrategy() error {
	if c.Strategy.Symbol == "" {
		return ValidationError{
			Field:   "strategy.symbol",
			Message: "symbol is required",
		}
	}
	if c.Strategy.UnitSize <= 0 {
		return ValidationError{
			Field:   "strategy.unit_size",
			Value:   c.Strategy.UnitSize,
			Message: "must be positive",
		}
	}
	if c.Strategy.WindowSize < 1 || c.Strategy.WindowSize > 200 {
		return ValidationError{
			Field:   "strategy.window_size",
			Value:   c.Strategy.WindowSize,
			Message: "must be between 1 and 200",
		}
	}
	if c.Strategy.Fragments < 1 || c.Strategy.Fragments > 100 {
		return ValidationError{
			Field:   "strategy.fragments",
			Value:   c.Strategy.Fragments,
			Message: "must be between 1 and 100",
		}
	}
	if c.Strategy.Leverage < 1 || c.Strategy.Leverage > 100 {
		return ValidationError{
			Field:   "strategy.leverage",
			Value:   c.Strategy.Leverage,
			Message: "must be between 1 and 100",
		}
	}
	if c.Strategy.InitialPositionValue <= 0 {
		return ValidationError{
			Field:   "strategy.initial_position_value",
			Value:   c.Strategy.InitialPositionValue,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateTiming() error {
	checks := []struct {
		field string
		value int
		min   int
		max   int
	}{
		{"timing.debounce_ms", c.Timing.DebounceMs, 1, 60000},
		{"timing.min_trade_interval_ms", c.Timing.MinTradeIntervalMs, 1, 60000},
		{"timing.price_staleness_ms", c.Timing.PriceStalenessMs, 1, 600000},
		{"timing.audit_interval_seconds", c.Timing.AuditIntervalSeconds, 1, 3600},
		{"timing.audit_cooldown_seconds", c.Timing.AuditCooldownSeconds, 1, 3600},
		{"timing.audit_verify_delay_seconds", c.Timing.AuditVerifyDelaySeconds, 1, 600},
		{"timing.websocket_reconnect_delay", c.Timing.WebsocketReconnectDelay, 1, 300},
		{"timing.websocket_pong_wait", c.Timing.WebsocketPongWait, 1, 300},
		{"timing.websocket_ping_interval", c.Timing.WebsocketPingInterval, 1, 300},
		{"timing.event_queue_size", c.Timing.EventQueueSize, 1, 1000000},
	}
	for _, chk := range checks {
		if chk.value < chk.min || chk.value > chk.max {
			return ValidationError{
				Field:   chk.field,
				Value:   chk.value,
				Message: fmt.Sprintf("must be between %d and %d", chk.min, chk.max),
			}
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	validDrivers := []string{"sqlite", "memory"}
	if !contains(validDrivers, c.Storage.Driver) {
		return ValidationError{
			Field:   "storage.driver",
			Value:   c.Storage.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return ValidationError{
			Field:   "storage.path",
			Message: "path is required for the sqlite driver",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, c.System.LogLevel) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR} references with environment values,
// leaving unset references untouched so validation reports them.
func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
