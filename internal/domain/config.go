package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"event_bus"`

	// Detection and case settings
	Scan ScanConfig `json:"scan" mapstructure:"scan"`

	// Tenants served by the async scan worker (empty = global subscription)
	Tenants []string `json:"tenants" mapstructure:"tenants"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds

	// ElevatedActors may approve CRITICAL actions.
	ElevatedActors []string `json:"elevatedActors,omitempty" mapstructure:"elevated_actors"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text

	// File enables a rotated log file next to stdout.
	File       string `json:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `json:"maxSizeMb,omitempty" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"maxBackups,omitempty" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty" mapstructure:"max_age_days"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			WindowTTL:    10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scan: DefaultScanConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		WindowTTL:      10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// DefaultScanConfig returns the stock detector thresholds and run settings.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Workers:         4,
		DetectorTimeout: 30 * time.Second,
		EmitFloor:       0.55,
		MinConfidence:   0.60,
		CaseType:        "fraud",
		Catalog:         "fraud",
		PromotionTTL:    24 * time.Hour,
		Detectors: map[string]DetectorConfig{
			PatternCashPreference: {
				Enabled:         true,
				MinTransactions: 30,
				MinDiscounted:   5,
				Signals: []SignalSpec{
					{Name: SignalCashInDiscounts, Threshold: 0.80, Weight: 0.40, Scale: 0.80, Direction: AtLeast},
					{Name: SignalCashVsPeers, Threshold: 0.30, Weight: 0.35, Scale: 0.30, Direction: AtLeast},
					{Name: SignalLowCashTicket, Threshold: 0.70, Weight: 0.25, Scale: 0.30, Direction: AtMost},
				},
			},
			PatternCollusion: {
				Enabled:    true,
				MinRepeats: 3,
				Synergy:    1.3,
				Signals: []SignalSpec{
					{Name: SignalRepeatCombination, Threshold: 3, Weight: 0.45, Scale: 7, Offset: 3, Direction: AtLeast},
					{Name: SignalCombinationDiscount, Threshold: 0.70, Weight: 0.35, Scale: 0.90, Direction: AtLeast},
					{Name: SignalUniformAmounts, Threshold: 0.30, Weight: 0.20, Scale: 0.20, Direction: Below},
				},
			},
			PatternTimeConcentration: {
				Enabled:         true,
				MinTransactions: 20,
				MinDiscounted:   3,
				Signals: []SignalSpec{
					{Name: SignalPeakHourShare, Threshold: 0.40, Weight: 0.40, Scale: 0.40, Direction: AtLeast},
					{Name: SignalPeakHourVsPeers, Threshold: 0.25, Weight: 0.35, Scale: 0.25, Direction: AtLeast},
					{Name: SignalPeakHourDiscounts, Threshold: 0.60, Weight: 0.25, Scale: 0.60, Direction: AtLeast},
				},
			},
			PatternDiscountAnomaly: {
				Enabled:         true,
				MinTransactions: 20,
				MinDiscounted:   5,
				Signals: []SignalSpec{
					{Name: SignalDiscountRate, Threshold: 0.30, Weight: 0.30, Scale: 0.30, Direction: AtLeast},
					{Name: SignalDiscountVsPeers, Threshold: 2.0, Weight: 0.30, Scale: 3.0, Direction: AtLeast},
					{Name: SignalAvgDiscountPct, Threshold: 0.20, Weight: 0.20, Scale: 0.30, Direction: AtLeast},
					{Name: SignalUnexplainedDiscount, Threshold: 0.50, Weight: 0.20, Scale: 0.50, Direction: AtLeast},
				},
			},
		},
	}
}
