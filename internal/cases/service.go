// Package cases is the single entry point for case mutations. Every command
// reads the case, computes the change through the lifecycle rules, and commits
// it with an optimistic version check, retrying a bounded number of times when
// another writer got there first. Notifications are published after commit.
package cases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/casefsm"
	"github.com/opensource-finance/kestrel/internal/diagnosis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// MaxAttempts bounds the read-modify-write retries on a version conflict.
const MaxAttempts = 3

// Service executes case commands.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	engine atomic.Pointer[diagnosis.Engine]
	now    func() time.Time
	logger *slog.Logger

	promotionTTL atomic.Int64 // nanoseconds
}

// NewService creates a case service. cache and bus may be nil.
func NewService(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, engine *diagnosis.Engine) *Service {
	s := &Service{
		repo:   repo,
		cache:  cache,
		bus:    eventBus,
		now:    time.Now,
		logger: slog.Default().With("component", "cases"),
	}
	s.engine.Store(engine)
	s.promotionTTL.Store(int64(24 * time.Hour))
	return s
}

// SetEngine swaps the diagnosis engine used by later commands.
func (s *Service) SetEngine(engine *diagnosis.Engine) {
	s.engine.Store(engine)
}

// Engine returns the current diagnosis engine.
func (s *Service) Engine() *diagnosis.Engine {
	return s.engine.Load()
}

// SetPromotionTTL sets how long a promotion idempotency key is held.
func (s *Service) SetPromotionTTL(ttl time.Duration) {
	if ttl > 0 {
		s.promotionTTL.Store(int64(ttl))
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// mutate runs fn against a freshly read case and commits the result. On a
// version conflict the whole read-modify-write is repeated, up to MaxAttempts.
func (s *Service) mutate(ctx context.Context, tenantID, caseID string, actor domain.Actor, fn func(e *edit) error) (*domain.Case, error) {
	if err := validActor(actor); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		c, err := s.repo.GetCase(ctx, tenantID, caseID)
		if err != nil {
			return nil, storeErr("load case", err)
		}

		e := newEdit(c, actor, s.timestamp())
		if err := fn(e); err != nil {
			return nil, err
		}
		if e.change.Empty() {
			return c, nil
		}

		version, err := s.repo.CommitCase(ctx, tenantID, e.change)
		if errors.Is(err, domain.ErrConflict) {
			metrics.CaseConflicts.Inc()
			s.logger.Warn("case write conflict",
				"tenant_id", tenantID,
				"case_id", caseID,
				"attempt", attempt,
			)
			lastErr = err
			continue
		}
		if err != nil {
			return nil, storeErr("commit case", err)
		}

		c.Version = version
		s.committed(ctx, e)
		return c, nil
	}

	return nil, lastErr
}

// committed records metrics and publishes notifications for a written edit.
func (s *Service) committed(ctx context.Context, e *edit) {
	for _, ev := range e.events {
		metrics.CaseTransitions.WithLabelValues(string(ev), string(e.c.State)).Inc()
	}
	for _, n := range e.notices {
		s.publish(ctx, e.c, n)
	}
}

func (s *Service) publish(ctx context.Context, c *domain.Case, n notice) {
	if s.bus == nil {
		return
	}

	payload := domain.CaseNotification{
		CaseID:    c.ID,
		TenantID:  c.TenantID,
		Type:      c.Type,
		State:     c.State,
		Severity:  c.Severity,
		Event:     n.event,
		ActionID:  n.actionID,
		ActorID:   c.Scope.ActorID,
		ScopeID:   c.Scope.ScopeID,
		Timestamp: c.UpdatedAt.UnixMilli(),
	}
	if err := bus.PublishJSON(ctx, s.bus, c.TenantID, n.topic, payload); err != nil {
		s.logger.Error("failed to publish case notification",
			"topic", n.topic,
			"case_id", c.ID,
			"error", err,
		)
	}
}

// storeErr marks store failures as persistence errors. Domain errors the
// repository reports are passed through unchanged.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidInput):
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
}

func validActor(a domain.Actor) error {
	if a.ID == "" {
		return fmt.Errorf("%w: actor id is required", domain.ErrInvalidInput)
	}
	if a.Kind != domain.ActorHuman && a.Kind != domain.ActorSystem {
		return fmt.Errorf("%w: unknown actor kind %q", domain.ErrInvalidInput, a.Kind)
	}
	return nil
}

// Get returns a case with its evidence, hypotheses and actions.
func (s *Service) Get(ctx context.Context, tenantID, caseID string) (*domain.Case, error) {
	c, err := s.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, storeErr("load case", err)
	}
	return c, nil
}

// List returns case headers matching the filter.
func (s *Service) List(ctx context.Context, tenantID string, filter domain.CaseFilter) ([]*domain.Case, error) {
	cases, err := s.repo.ListCases(ctx, tenantID, filter)
	if err != nil {
		return nil, storeErr("list cases", err)
	}
	return cases, nil
}

// AuditLog returns a case's audit trail in replay order.
func (s *Service) AuditLog(ctx context.Context, tenantID, caseID string) ([]domain.AuditLogEntry, error) {
	if _, err := s.Get(ctx, tenantID, caseID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListAuditLog(ctx, tenantID, caseID)
	if err != nil {
		return nil, storeErr("list audit log", err)
	}
	return entries, nil
}

// ReplayResult compares a case with the lifecycle its audit log reproduces.
type ReplayResult struct {
	CaseID   string            `json:"caseId"`
	Current  domain.CaseState  `json:"currentState"`
	Replayed *casefsm.Replayed `json:"replayed"`
	Matches  bool              `json:"matches"`
}

// Replay reapplies a case's audit log from OPEN and reports whether it
// reproduces the stored state and closure fields.
func (s *Service) Replay(ctx context.Context, tenantID, caseID string) (*ReplayResult, error) {
	c, err := s.Get(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListAuditLog(ctx, tenantID, caseID)
	if err != nil {
		return nil, storeErr("list audit log", err)
	}

	r, err := casefsm.Replay(entries)
	if err != nil {
		return nil, err
	}
	return &ReplayResult{
		CaseID:   c.ID,
		Current:  c.State,
		Replayed: r,
		Matches:  r.Matches(c),
	}, nil
}

// Report is the full history of a case handed to report generators.
type Report struct {
	Case        *domain.Case           `json:"case"`
	Audit       []domain.AuditLogEntry `json:"audit"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// Report returns a snapshot of a case and its audit trail.
func (s *Service) Report(ctx context.Context, tenantID, caseID string) (*Report, error) {
	c, err := s.Get(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListAuditLog(ctx, tenantID, caseID)
	if err != nil {
		return nil, storeErr("list audit log", err)
	}
	return &Report{Case: c, Audit: entries, GeneratedAt: s.timestamp()}, nil
}
