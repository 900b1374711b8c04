// Package window loads the transaction windows that scans evaluate.
package window

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultTTL = 10 * time.Minute

// Store is the slice of the repository the window service reads and writes.
type Store interface {
	SaveTransactions(ctx context.Context, tenantID string, txs []*domain.Transaction) error
	ListTransactions(ctx context.Context, tenantID string, scopeID string, from, to time.Time) ([]*domain.Transaction, error)
	ListScopes(ctx context.Context, tenantID string, from, to time.Time) ([]string, error)
}

// Service loads windows from the store through the cache. A window is cached
// under the scope's current generation, so ingesting into a scope makes every
// cached window for it unreachable.
type Service struct {
	store Store
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a new window service. cache may be nil.
func NewService(store Store, cache domain.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		store: store,
		cache: cache,
		ttl:   ttl,
	}
}

// Load returns the scope's transactions in [from, to).
func (s *Service) Load(ctx context.Context, tenantID, scopeID string, from, to time.Time) (*domain.Window, error) {
	if tenantID == "" || scopeID == "" {
		return nil, fmt.Errorf("%w: tenantID and scopeID are required", domain.ErrInvalidInput)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: window end must be after its start", domain.ErrInvalidInput)
	}

	key := s.key(ctx, tenantID, scopeID, from, to)
	if w := s.cached(ctx, tenantID, key); w != nil {
		return w, nil
	}

	txs, err := s.store.ListTransactions(ctx, tenantID, scopeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load window for scope %s: %w", scopeID, err)
	}

	w := &domain.Window{
		TenantID:     tenantID,
		ScopeID:      scopeID,
		From:         from.UTC(),
		To:           to.UTC(),
		Transactions: txs,
	}
	s.remember(ctx, tenantID, key, w)
	return w, nil
}

// Scopes lists the scopes with at least one transaction in [from, to).
func (s *Service) Scopes(ctx context.Context, tenantID string, from, to time.Time) ([]string, error) {
	scopes, err := s.store.ListScopes(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	return scopes, nil
}

// Ingest stores transactions and retires the cached windows of every scope they touch.
func (s *Service) Ingest(ctx context.Context, tenantID string, txs []*domain.Transaction) error {
	if err := s.store.SaveTransactions(ctx, tenantID, txs); err != nil {
		return err
	}
	if s.cache == nil {
		return nil
	}

	seen := make(map[string]bool)
	for _, tx := range txs {
		if seen[tx.ScopeID] {
			continue
		}
		seen[tx.ScopeID] = true
		if err := s.cache.Set(ctx, tenantID, generationKey(tx.ScopeID), []byte(uuid.New().String()), 0); err != nil {
			slog.Warn("failed to bump window generation",
				"tenant_id", tenantID,
				"scope_id", tx.ScopeID,
				"error", err,
			)
		}
	}
	return nil
}

func (s *Service) key(ctx context.Context, tenantID, scopeID string, from, to time.Time) string {
	if s.cache == nil {
		return ""
	}
	gen, err := s.cache.Get(ctx, tenantID, generationKey(scopeID))
	if err != nil {
		return ""
	}
	if gen == nil {
		// A missing generation must never resolve to windows cached under an older one.
		gen = []byte(uuid.New().String())
		ok, err := s.cache.SetNX(ctx, tenantID, generationKey(scopeID), gen, 0)
		if err != nil || !ok {
			return ""
		}
	}
	return fmt.Sprintf("window:%s:%s:%d:%d", scopeID, gen, from.UnixNano(), to.UnixNano())
}

func (s *Service) cached(ctx context.Context, tenantID, key string) *domain.Window {
	if key == "" {
		return nil
	}
	data, err := s.cache.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return nil
	}
	var w domain.Window
	if err := json.Unmarshal(data, &w); err != nil {
		slog.Warn("discarding unreadable cached window", "key", key, "error", err)
		return nil
	}
	return &w
}

func (s *Service) remember(ctx context.Context, tenantID, key string, w *domain.Window) {
	if key == "" {
		return
	}
	data, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, tenantID, key, data, s.ttl); err != nil {
		slog.Warn("failed to cache window", "key", key, "error", err)
	}
}

func generationKey(scopeID string) string {
	return "window-gen:" + scopeID
}
