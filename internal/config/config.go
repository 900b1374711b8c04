// Package config loads Kestrel configuration from a YAML file and KESTREL_
// environment variables, and hot-reloads scan settings when the file changes.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/opensource-finance/kestrel/internal/diagnosis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scan"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. KESTREL_SERVER_PORT.
const EnvPrefix = "KESTREL"

// Manager owns the viper instance behind a loaded configuration.
type Manager struct {
	mu    sync.Mutex
	path  string
	viper *viper.Viper
}

// New creates a manager for the config file at path. An empty path means
// defaults and environment only.
func New(path string) *Manager {
	return &Manager{path: path}
}

// Load reads configuration from all sources. A missing file is not an error.
func (m *Manager) Load() (*domain.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if m.path != "" {
		v.SetConfigFile(m.path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	m.viper = v

	return m.decode()
}

// decode builds a config from the tier defaults overlaid with viper's view.
// A detector block present in the file replaces the stock block for that
// detector.
func (m *Manager) decode() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if domain.Tier(m.viper.GetString("tier")) == domain.TierPro {
		cfg = domain.ProConfig()
	}
	setDefaults(m.viper, cfg)

	if err := m.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers scalar defaults so that environment variables can
// override keys the file does not mention.
func setDefaults(v *viper.Viper, cfg *domain.Config) {
	v.SetDefault("tier", string(cfg.Tier))
	if len(cfg.Tenants) == 0 {
		v.SetDefault("tenants", []string{})
	} else {
		v.SetDefault("tenants", cfg.Tenants)
	}

	// Server
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	if len(cfg.Server.ElevatedActors) == 0 {
		v.SetDefault("server.elevated_actors", []string{})
	} else {
		v.SetDefault("server.elevated_actors", cfg.Server.ElevatedActors)
	}

	// Repository
	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlite_path", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", cfg.Repository.PostgresSSLMode)

	// Cache
	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.local_max_size", cfg.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", cfg.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", cfg.Cache.EnableTwoPhase)
	v.SetDefault("cache.window_ttl", cfg.Cache.WindowTTL)

	// Event bus
	v.SetDefault("event_bus.type", cfg.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", cfg.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", cfg.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_queue_group", cfg.EventBus.NATSQueueGroup)

	// Scan
	v.SetDefault("scan.workers", cfg.Scan.Workers)
	v.SetDefault("scan.detector_timeout", cfg.Scan.DetectorTimeout)
	v.SetDefault("scan.emit_floor", cfg.Scan.EmitFloor)
	v.SetDefault("scan.min_confidence", cfg.Scan.MinConfidence)
	v.SetDefault("scan.case_type", cfg.Scan.CaseType)
	v.SetDefault("scan.catalog", cfg.Scan.Catalog)
	v.SetDefault("scan.catalog_file", cfg.Scan.CatalogFile)
	v.SetDefault("scan.promotion_ttl", cfg.Scan.PromotionTTL)

	// Logging and tracing
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

// Runtime is the immutable scan state derived from a configuration.
type Runtime struct {
	Plan   *scan.Plan
	Engine *diagnosis.Engine
}

// Build compiles the detectors and the hypothesis catalog of cfg.
func Build(cfg domain.ScanConfig) (*Runtime, error) {
	plan, err := scan.NewPlan(cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := Catalog(cfg)
	if err != nil {
		return nil, err
	}
	return &Runtime{Plan: plan, Engine: diagnosis.NewEngine(catalog, nil)}, nil
}

// Catalog resolves the hypothesis catalog: a catalog file wins over a
// built-in name.
func Catalog(cfg domain.ScanConfig) (*diagnosis.Catalog, error) {
	if cfg.CatalogFile != "" {
		return diagnosis.LoadFile(cfg.CatalogFile)
	}
	catalog, ok := diagnosis.Builtin(cfg.Catalog)
	if !ok {
		return nil, fmt.Errorf("%w: unknown catalog %q", domain.ErrInvalidInput, cfg.Catalog)
	}
	return catalog, nil
}

// Validate checks the configuration is complete and that its scan settings
// compile.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown repository.driver %q", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown cache.type %q", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown event_bus.type %q", cfg.EventBus.Type))
	}
	if _, err := Build(cfg.Scan); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: configuration validation failed: %w", domain.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// Watch reloads the file on change and hands every configuration whose scan
// settings compile to apply. Invalid edits are logged and the running state
// is kept. Only scan settings take effect without a restart.
func (m *Manager) Watch(ctx context.Context, apply func(*domain.Config, *Runtime)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.viper == nil {
		return errors.New("config not loaded")
	}
	if m.path == "" {
		return errors.New("no config file to watch")
	}

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		cfg, err := m.decode()
		m.mu.Unlock()
		if err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}

		rt, err := Build(cfg.Scan)
		if err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}

		slog.Info("config reloaded", "file", e.Name, "op", e.Op.String(), "detectors", len(rt.Plan.Detectors))
		apply(cfg, rt)
	})
	m.viper.WatchConfig()
	return nil
}
