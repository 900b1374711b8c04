package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type call struct {
	tenantID string
	req      domain.ScanRequest
}

// recordingScanner records every run it is asked for.
type recordingScanner struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (s *recordingScanner) Run(ctx context.Context, tenantID string, req domain.ScanRequest) (*domain.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{tenantID: tenantID, req: req})
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ScanResult{RunID: "run-1", TenantID: tenantID, Status: domain.ScanCompleted}, nil
}

func (s *recordingScanner) snapshot() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func waitForCalls(t *testing.T, s *recordingScanner, n int) []call {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if calls := s.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.snapshot()
}

func publish(t *testing.T, b domain.EventBus, tenantID string, msg ScanMessage) {
	t.Helper()
	if err := bus.PublishJSON(context.Background(), b, tenantID, domain.TopicScanRequested, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

var window = domain.ScanRequest{
	ScopeIDs: []string{"branch-01"},
	From:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	To:       time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &recordingScanner{})
		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicScanRequested {
			t.Errorf("unexpected stats: %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("RunsRequestedScan", func(t *testing.T) {
		scanner := &recordingScanner{}
		w := NewWorker(eventBus, scanner)
		w.Start(Config{TenantIDs: []string{"tenant-scan"}})
		defer w.Stop()

		publish(t, eventBus, "tenant-scan", ScanMessage{ScanRequest: window})

		calls := waitForCalls(t, scanner, 1)
		if len(calls) != 1 {
			t.Fatalf("expected 1 scan, got %d", len(calls))
		}
		if calls[0].tenantID != "tenant-scan" || !calls[0].req.From.Equal(window.From) || calls[0].req.ScopeIDs[0] != "branch-01" {
			t.Errorf("unexpected scan call: %+v", calls[0])
		}
	})

	t.Run("IgnoresOtherTenantsPayload", func(t *testing.T) {
		scanner := &recordingScanner{}
		w := NewWorker(eventBus, scanner)
		w.Start(Config{TenantIDs: []string{"tenant-a"}})
		defer w.Stop()

		publish(t, eventBus, "tenant-a", ScanMessage{TenantID: "tenant-b", ScanRequest: window})
		publish(t, eventBus, "tenant-a", ScanMessage{TenantID: "tenant-a", ScanRequest: window})

		waitForCalls(t, scanner, 1)
		time.Sleep(20 * time.Millisecond)
		calls := scanner.snapshot()
		if len(calls) != 1 || calls[0].tenantID != "tenant-a" {
			t.Errorf("expected a single scan for tenant-a, got %+v", calls)
		}
	})

	t.Run("GlobalSubscription", func(t *testing.T) {
		scanner := &recordingScanner{}
		w := NewWorker(eventBus, scanner)
		w.Start(Config{})
		defer w.Stop()

		publish(t, eventBus, GlobalTenant, ScanMessage{TenantID: "tenant-7", ScanRequest: window})
		publish(t, eventBus, GlobalTenant, ScanMessage{ScanRequest: window})

		waitForCalls(t, scanner, 1)
		time.Sleep(20 * time.Millisecond)
		calls := scanner.snapshot()
		if len(calls) != 1 || calls[0].tenantID != "tenant-7" {
			t.Errorf("expected only the request naming a tenant to run, got %+v", calls)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, &recordingScanner{})
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		if stats := w.GetStats(); stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestProcessScan(t *testing.T) {
	scanner := &recordingScanner{}
	w := NewWorker(bus.NewChannelBus(1), scanner)
	ctx := context.Background()

	t.Run("MalformedPayload", func(t *testing.T) {
		err := w.processScan(ctx, "tenant-001", &domain.Message{ID: "m-1", Payload: []byte("{")})
		if err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("MissingTenant", func(t *testing.T) {
		payload, _ := json.Marshal(ScanMessage{ScanRequest: window})
		err := w.processScan(ctx, GlobalTenant, &domain.Message{ID: "m-2", Payload: payload})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("ScannerError", func(t *testing.T) {
		failing := NewWorker(bus.NewChannelBus(1), &recordingScanner{err: domain.ErrPersistence})
		payload, _ := json.Marshal(ScanMessage{ScanRequest: window})
		err := failing.processScan(ctx, "tenant-001", &domain.Message{ID: "m-3", Payload: payload})
		if !errors.Is(err, domain.ErrPersistence) {
			t.Errorf("expected scanner error surfaced, got %v", err)
		}
	})

	t.Run("EmbeddedRequestFields", func(t *testing.T) {
		data := []byte(`{"tenantId":"tenant-001","scopeIds":["branch-02"],"from":"2026-03-01T00:00:00Z","to":"2026-03-08T00:00:00Z","requestedBy":"ops-ana"}`)
		var msg ScanMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if msg.TenantID != "tenant-001" || msg.ScopeIDs[0] != "branch-02" || msg.RequestedBy != "ops-ana" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if got := msg.To.Sub(msg.From); got != 7*24*time.Hour {
			t.Errorf("expected a 7 day window, got %v", got)
		}
	})
}
