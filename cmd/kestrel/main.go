// Kestrel - Anomaly detection and case management for retail operations.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scan"
	"github.com/opensource-finance/kestrel/internal/window"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Anomaly detection and case management for retail operations",
	Long: `Kestrel scans point-of-sale transactions for fraud patterns, consolidates
findings into cases and drives each case from diagnosis to measured outcome.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("KESTREL_CONFIG"), "path to the YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the components every command shares.
type app struct {
	cfg     *domain.Config
	loader  *config.Manager
	runtime *config.Runtime

	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	windows *window.Service
	cases   *cases.Service
	scans   *scan.Runner

	closers []io.Closer
}

// bootstrap loads configuration and initializes storage, cache, event bus
// and the scan and case services. One-shot commands pass quiet so their
// output is not interleaved with info logs.
func bootstrap(quiet bool) (*app, error) {
	loader := config.New(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, loader: loader}

	if quiet && logging.ParseLevel(cfg.Logging.Level) < slog.LevelWarn {
		cfg.Logging.Level = "warn"
	}

	_, logCloser := logging.Init(cfg.Logging)
	a.closers = append(a.closers, logCloser)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"config_file", configPath,
	)

	rt, err := config.Build(cfg.Scan)
	if err != nil {
		a.close()
		return nil, err
	}
	a.runtime = rt

	// Initialize Repository
	a.repo, err = repository.New(cfg.Repository)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.closers = append(a.closers, a.repo)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	a.cache, err = cache.New(cfg.Cache)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.closers = append(a.closers, a.cache)
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	a.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	a.closers = append(a.closers, a.bus)
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	a.windows = window.NewService(a.repo, a.cache, cfg.Cache.WindowTTL)

	a.cases = cases.NewService(a.repo, a.cache, a.bus, rt.Engine)
	a.cases.SetPromotionTTL(cfg.Scan.PromotionTTL)
	slog.Info("case service initialized", "catalog", rt.Engine.Catalog().Name)

	a.scans = scan.NewRunner(a.windows, a.repo, a.cases, a.bus, rt.Plan)
	slog.Info("scan runner initialized",
		"detectors", len(rt.Plan.Detectors),
		"workers", rt.Plan.Config.Workers,
	)

	return a, nil
}

// close releases components in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
