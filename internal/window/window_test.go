package window

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

type countingStore struct {
	domain.Repository
	lists atomic.Int32
}

func (s *countingStore) ListTransactions(ctx context.Context, tenantID string, scopeID string, from, to time.Time) ([]*domain.Transaction, error) {
	s.lists.Add(1)
	return s.Repository.ListTransactions(ctx, tenantID, scopeID, from, to)
}

func newStore(t *testing.T) *countingStore {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "window-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return &countingStore{Repository: repo}
}

func TestWindowService(t *testing.T) {
	store := newStore(t)
	lru := cache.NewLocalCache(100, time.Minute)
	defer lru.Close()

	svc := NewService(store, lru, time.Minute)
	ctx := context.Background()
	tenantID := "tenant-001"
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	seed := []*domain.Transaction{
		{ID: "tx-1", ScopeID: "branch-01", ActorID: "emp-1", Amount: 20, PaymentMethod: domain.PaymentCash, Timestamp: from.Add(time.Hour)},
		{ID: "tx-2", ScopeID: "branch-01", ActorID: "emp-2", Amount: 35, PaymentMethod: domain.PaymentCard, Timestamp: from.Add(2 * time.Hour)},
		{ID: "tx-3", ScopeID: "branch-02", ActorID: "emp-3", Amount: 10, PaymentMethod: domain.PaymentCash, Timestamp: from.Add(3 * time.Hour)},
	}
	if err := svc.Ingest(ctx, tenantID, seed); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	t.Run("Load", func(t *testing.T) {
		w, err := svc.Load(ctx, tenantID, "branch-01", from, to)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(w.Transactions) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(w.Transactions))
		}
		if w.ScopeID != "branch-01" || !w.From.Equal(from) || !w.To.Equal(to) {
			t.Errorf("unexpected window bounds: %+v", w)
		}
	})

	t.Run("CachedLoad", func(t *testing.T) {
		before := store.lists.Load()
		w, err := svc.Load(ctx, tenantID, "branch-01", from, to)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if store.lists.Load() != before {
			t.Error("expected second load to be served from cache")
		}
		if len(w.Transactions) != 2 || w.Transactions[0].ID != "tx-1" {
			t.Errorf("unexpected cached window: %+v", w.Transactions)
		}
	})

	t.Run("IngestRetiresCachedWindows", func(t *testing.T) {
		extra := []*domain.Transaction{
			{ID: "tx-4", ScopeID: "branch-01", ActorID: "emp-1", Amount: 12, PaymentMethod: domain.PaymentCash, Timestamp: from.Add(5 * time.Hour)},
		}
		if err := svc.Ingest(ctx, tenantID, extra); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}

		before := store.lists.Load()
		w, err := svc.Load(ctx, tenantID, "branch-01", from, to)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if store.lists.Load() != before+1 {
			t.Error("expected load to miss the cache after ingest")
		}
		if len(w.Transactions) != 3 {
			t.Errorf("expected 3 transactions after ingest, got %d", len(w.Transactions))
		}
	})

	t.Run("Scopes", func(t *testing.T) {
		scopes, err := svc.Scopes(ctx, tenantID, from, to)
		if err != nil {
			t.Fatalf("Scopes failed: %v", err)
		}
		if len(scopes) != 2 || scopes[0] != "branch-01" || scopes[1] != "branch-02" {
			t.Errorf("unexpected scopes: %v", scopes)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		w, err := svc.Load(ctx, "tenant-002", "branch-01", from, to)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(w.Transactions) != 0 {
			t.Errorf("expected empty window for other tenant, got %d", len(w.Transactions))
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if _, err := svc.Load(ctx, "", "branch-01", from, to); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenant, got %v", err)
		}
		if _, err := svc.Load(ctx, tenantID, "branch-01", to, from); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for inverted window, got %v", err)
		}
	})
}

func TestWindowServiceWithoutCache(t *testing.T) {
	store := newStore(t)
	svc := NewService(store, nil, 0)
	ctx := context.Background()
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := svc.Ingest(ctx, "tenant-001", []*domain.Transaction{
		{ID: "tx-1", ScopeID: "branch-01", ActorID: "emp-1", Amount: 20, PaymentMethod: domain.PaymentCash, Timestamp: from.Add(time.Hour)},
	}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		w, err := svc.Load(ctx, "tenant-001", "branch-01", from, from.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(w.Transactions) != 1 {
			t.Errorf("expected 1 transaction, got %d", len(w.Transactions))
		}
	}
	if store.lists.Load() != 2 {
		t.Errorf("expected every load to reach the store, got %d", store.lists.Load())
	}
}
