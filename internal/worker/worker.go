// Package worker runs scans requested over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GlobalTenant is the subscription key used when no tenants are configured.
// Requests published under it must name their tenant in the payload.
const GlobalTenant = "_global"

// Scanner executes one scan run.
type Scanner interface {
	Run(ctx context.Context, tenantID string, req domain.ScanRequest) (*domain.ScanResult, error)
}

// Worker processes scan requests asynchronously from the EventBus.
type Worker struct {
	bus     domain.EventBus
	scanner Scanner

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, scanner Scanner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		scanner: scanner,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing scan requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.subscribe(GlobalTenant)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicScanRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processScan(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("scan worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicScanRequested,
	)
	return nil
}

// ScanMessage is the payload of a scan request.
type ScanMessage struct {
	TenantID string `json:"tenantId,omitempty"`
	domain.ScanRequest
}

// processScan runs one requested scan. Results are published by the scanner.
func (w *Worker) processScan(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req ScanMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse scan request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if tenantID == GlobalTenant {
		tenantID = req.TenantID
	} else if req.TenantID != "" && req.TenantID != tenantID {
		slog.Warn("dropping scan request for another tenant",
			"message_id", msg.ID,
			"tenant_id", tenantID,
			"requested_tenant", req.TenantID,
		)
		return nil
	}
	if tenantID == "" {
		return fmt.Errorf("%w: scan request %s names no tenant", domain.ErrInvalidInput, msg.ID)
	}

	result, err := w.scanner.Run(ctx, tenantID, req.ScanRequest)
	if err != nil {
		slog.Error("requested scan failed",
			"message_id", msg.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("requested scan processed",
		"message_id", msg.ID,
		"tenant_id", tenantID,
		"run_id", result.RunID,
		"status", result.Status,
		"cases", len(result.CaseIDs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
