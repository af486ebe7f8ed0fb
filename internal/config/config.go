// Package config handles loading and validating tradegate configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradegate/internal/model"
)

// Config is the root configuration structure for the gateway daemon.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	History    HistoryConfig    `yaml:"history"`
	Orders     OrdersConfig     `yaml:"orders"`
	Accounts   AccountsConfig   `yaml:"accounts"`
	Indicators IndicatorsConfig `yaml:"indicators"`
	Platform   PlatformConfig   `yaml:"platform"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Env      string `yaml:"env" validate:"required,oneof=dev staging prod"`
	LogLevel string `yaml:"logLevel" validate:"required,oneof=debug info warn error"`
	LogFile  string `yaml:"logFile"`
}

// GatewayConfig configures the client-facing port and sessions.
type GatewayConfig struct {
	ListenAddress       string `yaml:"listenAddress" validate:"required"`
	HeartbeatIntervalMs int    `yaml:"heartbeatIntervalMs" validate:"gt=0"`
	IdleTimeoutMs       int    `yaml:"idleTimeoutMs" validate:"gte=0"`
	SendQueueSize       int    `yaml:"sendQueueSize" validate:"gt=0"`
	MaxMessageBytes     int    `yaml:"maxMessageBytes" validate:"gt=0,lte=1048576"`
	WriteTimeoutMs      int    `yaml:"writeTimeoutMs" validate:"gt=0"`
	HistoryChunkSize    int    `yaml:"historyChunkSize" validate:"gt=0"`
}

// PipelineConfig sizes the event ring between host callbacks and fan-out.
type PipelineConfig struct {
	Capacity          int `yaml:"capacity" validate:"gt=0"`
	StaleThresholdMs  int `yaml:"staleThresholdMs" validate:"gt=0"`
	IdleSleepUs       int `yaml:"idleSleepUs" validate:"gt=0"`
	ProducerMaxWaitMs int `yaml:"producerMaxWaitMs" validate:"gt=0"`
}

// HistoryConfig holds the bar cache budget and expiry.
type HistoryConfig struct {
	MaxBytes           int64    `yaml:"maxBytes" validate:"gt=0"`
	TTLMinutes         int      `yaml:"ttlMinutes" validate:"gt=0"`
	IdleMinutes        int      `yaml:"idleMinutes" validate:"gt=0"`
	JanitorIntervalSec int      `yaml:"janitorIntervalSec" validate:"gt=0"`
	Granularities      []string `yaml:"granularities" validate:"min=1,dive,oneof=Tick Second Minute Day Week Month"`
}

// OrdersConfig holds order tracking settings.
type OrdersConfig struct {
	TerminalRetentionSec int           `yaml:"terminalRetentionSec" validate:"gt=0"`
	Archive              ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig selects the terminal order archive. An empty driver disables it.
type ArchiveConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required_with=Driver"`
}

// AccountsConfig holds account refresh and notification settings.
type AccountsConfig struct {
	RefreshIntervalMs int `yaml:"refreshIntervalMs" validate:"gt=0"`
	ThrottleMs        int `yaml:"throttleMs" validate:"gt=0"`
}

// IndicatorsConfig holds the indicator push interval.
type IndicatorsConfig struct {
	IntervalMs int `yaml:"intervalMs" validate:"gt=0"`
}

// PlatformConfig selects and configures the host platform.
type PlatformConfig struct {
	Kind           string          `yaml:"kind" validate:"oneof=sim"`
	Symbols        []SymbolConfig  `yaml:"symbols" validate:"dive"`
	Accounts       []AccountConfig `yaml:"accounts" validate:"dive"`
	TickIntervalMs int             `yaml:"tickIntervalMs" validate:"gt=0"`
	FillLatencyMs  int             `yaml:"fillLatencyMs" validate:"gte=0"`
	BarLatencyMs   int             `yaml:"barLatencyMs" validate:"gte=0"`
	Seed           int64           `yaml:"seed"`
}

// SymbolConfig seeds one simulated instrument.
type SymbolConfig struct {
	Symbol     string  `yaml:"symbol" validate:"required"`
	Price      float64 `yaml:"price" validate:"gt=0"`
	Spread     float64 `yaml:"spread" validate:"gte=0"`
	TickSize   float64 `yaml:"tickSize" validate:"gt=0"`
	PointValue float64 `yaml:"pointValue" validate:"gt=0"`
}

// AccountConfig seeds one simulated account.
type AccountConfig struct {
	Name string  `yaml:"name" validate:"required"`
	Cash float64 `yaml:"cash" validate:"gte=0"`
}

// Environment variables that override file values.
const (
	EnvListen        = "TRADEGATE_LISTEN"
	EnvLogLevel      = "TRADEGATE_LOG_LEVEL"
	EnvArchiveDriver = "TRADEGATE_ARCHIVE_DRIVER"
	EnvArchiveDSN    = "TRADEGATE_ARCHIVE_DSN"
)

var validate = validator.New()

// Load reads and parses a YAML configuration file, overlays the environment
// (including a .env file in the working directory, if any) and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvListen); v != "" {
		c.Gateway.ListenAddress = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv(EnvArchiveDriver); v != "" {
		c.Orders.Archive.Driver = v
	}
	if v := os.Getenv(EnvArchiveDSN); v != "" {
		c.Orders.Archive.DSN = v
	}
}

// setDefaults applies sensible defaults for optional fields.
func (c *Config) setDefaults() {
	setDefault(&c.App.Env, "dev")
	setDefault(&c.App.LogLevel, "info")
	setDefault(&c.App.LogFile, "logs/tradegate.log")

	setDefault(&c.Gateway.ListenAddress, ":36973")
	setDefault(&c.Gateway.HeartbeatIntervalMs, 5000)
	setDefault(&c.Gateway.IdleTimeoutMs, 30000)
	setDefault(&c.Gateway.SendQueueSize, 1024)
	setDefault(&c.Gateway.MaxMessageBytes, 1<<20)
	setDefault(&c.Gateway.WriteTimeoutMs, 2000)
	setDefault(&c.Gateway.HistoryChunkSize, 5000)

	setDefault(&c.Pipeline.Capacity, 10000)
	setDefault(&c.Pipeline.StaleThresholdMs, 100)
	setDefault(&c.Pipeline.IdleSleepUs, 500)
	setDefault(&c.Pipeline.ProducerMaxWaitMs, 250)

	setDefault(&c.History.MaxBytes, 500<<20)
	setDefault(&c.History.TTLMinutes, 24*60)
	setDefault(&c.History.IdleMinutes, 60)
	setDefault(&c.History.JanitorIntervalSec, 60)
	if len(c.History.Granularities) == 0 {
		c.History.Granularities = []string{"Second", "Minute", "Day", "Week", "Month"}
	}

	setDefault(&c.Orders.TerminalRetentionSec, 60)
	setDefault(&c.Accounts.RefreshIntervalMs, 10000)
	setDefault(&c.Accounts.ThrottleMs, 250)
	setDefault(&c.Indicators.IntervalMs, 1000)

	setDefault(&c.Platform.Kind, "sim")
	setDefault(&c.Platform.TickIntervalMs, 250)
	setDefault(&c.Platform.FillLatencyMs, 50)
	setDefault(&c.Platform.BarLatencyMs, 20)
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// HistoryGranularities returns the configured granularities as model values.
func (h HistoryConfig) HistoryGranularities() []model.Granularity {
	out := make([]model.Granularity, len(h.Granularities))
	for i, g := range h.Granularities {
		out[i] = model.Granularity(g)
	}
	return out
}
