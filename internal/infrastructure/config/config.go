package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fxarena/internal/trading/events"
	"github.com/Aidin1998/fxarena/internal/trading/model"
	"github.com/Aidin1998/fxarena/internal/trading/pricing"
	"github.com/Aidin1998/fxarena/internal/trading/repository"
	"github.com/Aidin1998/fxarena/internal/trading/risk"
	"github.com/Aidin1998/fxarena/internal/trading/tradequeue"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// Config represents the application configuration
type Config struct {
	Environment string                  `mapstructure:"environment" json:"environment" validate:"oneof=development staging production test"`
	Log         LogConfig               `mapstructure:"log" json:"log"`
	HTTP        HTTPConfig              `mapstructure:"http" json:"http"`
	Database    DatabaseConfig          `mapstructure:"database" json:"database"`
	Redis       RedisConfig             `mapstructure:"redis" json:"redis"`
	Kafka       KafkaConfig             `mapstructure:"kafka" json:"kafka"`
	Tracing     TracingConfig           `mapstructure:"tracing" json:"tracing"`
	Engine      EngineConfig            `mapstructure:"engine" json:"engine"`
	Risk        RiskConfig              `mapstructure:"risk" json:"risk"`
	Symbols     map[string]SymbolConfig `mapstructure:"symbols" json:"symbols" validate:"dive"`
}

type LogConfig struct {
	Level string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
}

// HTTPConfig represents HTTP server configuration
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" json:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" json:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" json:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" json:"-" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"`
	Debug           bool          `mapstructure:"debug" json:"debug"`
}

// Options converts the section into repository connection options.
func (c DatabaseConfig) Options() repository.Options {
	return repository.Options{
		Driver:          c.Driver,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		Debug:           c.Debug,
	}
}

// RedisConfig locates the quote hashes written by the feed supplier.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" json:"addr" validate:"required"`
	Password  string `mapstructure:"password" json:"-"`
	DB        int    `mapstructure:"db" json:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" json:"enabled"`
	Brokers      []string      `mapstructure:"brokers" json:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `mapstructure:"topic" json:"topic" validate:"required_if=Enabled true"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" json:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	Buffer       int           `mapstructure:"buffer" json:"buffer" validate:"gte=0"`
}

func (c KafkaConfig) Sink() events.KafkaConfig {
	return events.KafkaConfig{
		Brokers:      c.Brokers,
		Topic:        c.Topic,
		BatchTimeout: c.BatchTimeout,
		WriteTimeout: c.WriteTimeout,
		Buffer:       c.Buffer,
	}
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" json:"service_name" validate:"required"`
}

// EngineConfig tunes the trade queue, pricing adapter and event bus.
type EngineConfig struct {
	Queue   tradequeue.Config     `mapstructure:"queue" json:"queue"`
	Pricing pricing.AdapterConfig `mapstructure:"pricing" json:"pricing"`
	// EventBuffer bounds the outbound event bus
	EventBuffer int `mapstructure:"event_buffer" json:"event_buffer" validate:"gt=0"`
	// SettingsSource selects where risk settings are read each cycle: "config" or "database"
	SettingsSource string `mapstructure:"settings_source" json:"settings_source" validate:"oneof=config database"`
}

// RiskConfig holds thresholds as decimal strings so no float rounding sneaks in.
type RiskConfig struct {
	WarningLevel         string        `mapstructure:"warning_level" json:"warning_level" validate:"required,numeric"`
	MarginCallLevel      string        `mapstructure:"margin_call_level" json:"margin_call_level" validate:"required,numeric"`
	LiquidationLevel     string        `mapstructure:"liquidation_level" json:"liquidation_level" validate:"required,numeric"`
	MinOrderDistancePips int           `mapstructure:"min_order_distance_pips" json:"min_order_distance_pips" validate:"gte=0"`
	Cadence              time.Duration `mapstructure:"cadence" json:"cadence" validate:"gt=0"`
	MaintenanceRatio     string        `mapstructure:"maintenance_ratio" json:"maintenance_ratio" validate:"required,numeric"`
}

// Settings parses the section and checks the threshold ordering.
func (c RiskConfig) Settings() (risk.Settings, error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, apperrors.Configuration.Explain("risk.%s: %q is not a decimal", name, v).Wrap(err)
		}
		return d, nil
	}
	var (
		s   risk.Settings
		err error
	)
	if s.Thresholds.Warning, err = parse("warning_level", c.WarningLevel); err != nil {
		return s, err
	}
	if s.Thresholds.MarginCall, err = parse("margin_call_level", c.MarginCallLevel); err != nil {
		return s, err
	}
	if s.Thresholds.Liquidation, err = parse("liquidation_level", c.LiquidationLevel); err != nil {
		return s, err
	}
	if s.MaintenanceRatio, err = parse("maintenance_ratio", c.MaintenanceRatio); err != nil {
		return s, err
	}
	s.MinOrderDistancePips = c.MinOrderDistancePips
	s.Cadence = c.Cadence
	return s, s.Validate()
}

// SymbolConfig overrides the contract spec of one pair. Empty fields keep the default.
type SymbolConfig struct {
	ContractSize string `mapstructure:"contract_size" json:"contract_size" validate:"omitempty,numeric"`
	PipSize      string `mapstructure:"pip_size" json:"pip_size" validate:"omitempty,numeric"`
}

// SymbolRegistry builds the registry from the symbols section.
func (c *Config) SymbolRegistry() (*model.SymbolRegistry, error) {
	overrides := make(map[model.Symbol]model.SymbolSpec, len(c.Symbols))
	for raw, sc := range c.Symbols {
		var spec model.SymbolSpec
		if sc.ContractSize != "" {
			v, err := decimal.NewFromString(sc.ContractSize)
			if err != nil || !v.IsPositive() {
				return nil, apperrors.Configuration.Explain("symbols.%s.contract_size %q must be a positive decimal", raw, sc.ContractSize)
			}
			spec.ContractSize = v
		}
		if sc.PipSize != "" {
			v, err := decimal.NewFromString(sc.PipSize)
			if err != nil || !v.IsPositive() {
				return nil, apperrors.Configuration.Explain("symbols.%s.pip_size %q must be a positive decimal", raw, sc.PipSize)
			}
			spec.PipSize = v
		}
		overrides[model.NormalizeSymbol(raw)] = spec
	}
	return model.NewSymbolRegistry(overrides), nil
}
