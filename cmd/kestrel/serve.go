package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/spf13/cobra"
)

var (
	serveWorker bool
	serveWatch  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator API and the async scan worker",
	Long: `Starts the HTTP API. The scan worker consumes queued scan requests when the
tier is pro or --worker is set. With --watch, edits to the config file hot-reload
detector thresholds and the hypothesis catalog.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWorker, "worker", false, "run the async scan worker regardless of tier")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload scan settings when the config file changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer a.close()

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveWatch && configPath != "" {
		err := a.loader.Watch(ctx, func(cfg *domain.Config, rt *config.Runtime) {
			a.scans.SetPlan(rt.Plan)
			a.cases.SetEngine(rt.Engine)
			a.cases.SetPromotionTTL(cfg.Scan.PromotionTTL)
		})
		if err != nil {
			slog.Warn("config watch disabled", "error", err)
		} else {
			slog.Info("watching config file", "path", configPath)
		}
	}

	// Initialize async Worker (Pro tier)
	var scanWorker *worker.Worker
	if a.cfg.Tier == domain.TierPro || serveWorker {
		scanWorker = worker.NewWorker(a.bus, a.scans)
		if err := scanWorker.Start(worker.Config{TenantIDs: a.cfg.Tenants}); err != nil {
			return fmt.Errorf("failed to start scan worker: %w", err)
		}
		slog.Info("scan worker started", "tenant_count", len(a.cfg.Tenants))
	}

	srv := api.NewServer(a.cfg.Server, api.Deps{
		Repo:    a.repo,
		Cache:   a.cache,
		Bus:     a.bus,
		Cases:   a.cases,
		Scans:   a.scans,
		Windows: a.windows,
	}, Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", a.cfg.Server.Host,
		"port", a.cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		stopWorker(scanWorker)
		return err
	}

	// Stop the worker first so no scan starts during shutdown.
	stopWorker(scanWorker)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func stopWorker(w *worker.Worker) {
	if w == nil {
		return
	}
	if err := w.Stop(); err != nil {
		slog.Error("failed to stop scan worker", "error", err)
	}
}
