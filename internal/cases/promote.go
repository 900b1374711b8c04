package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Promotion outcomes.
const (
	PromotionCreated  = "created"
	PromotionAttached = "attached"
	PromotionSkipped  = "skipped"
)

// Promotion reports what happened to one consolidated finding.
type Promotion struct {
	Outcome   string `json:"outcome"`
	CaseID    string `json:"caseId,omitempty"`
	Escalated bool   `json:"escalated,omitempty"`
}

// Promote turns a consolidated finding into case work. A finding about an
// actor who already has an OPEN or INVESTIGATING case of the same type is
// attached to it as evidence, escalating its severity when the finding is more
// severe. Otherwise a new case is opened. Each (run, actor, scope) is promoted
// at most once: a promotion counts as done only when the case write that
// carries its evidence is stored, so a failed attempt can be retried.
func (s *Service) Promote(ctx context.Context, tenantID string, cf *domain.ConsolidatedFinding, caseType string) (*Promotion, error) {
	if cf == nil || cf.ActorID == "" || cf.ScopeID == "" || cf.RunID == "" {
		return nil, fmt.Errorf("%w: consolidated finding needs run, actor and scope", domain.ErrInvalidInput)
	}
	if caseType == "" {
		caseType = "fraud"
	}
	if cf.ID == "" {
		cf.ID = uuid.New().String()
	}

	key := fmt.Sprintf("promote:%s:%s:%s", cf.RunID, cf.ActorID, cf.ScopeID)
	guarded := false
	if s.cache != nil {
		ok, err := s.cache.SetNX(ctx, tenantID, key, []byte(cf.ID), time.Duration(s.promotionTTL.Load()))
		switch {
		case err != nil:
			s.logger.Warn("promotion guard unavailable, relying on store",
				"run_id", cf.RunID,
				"actor_id", cf.ActorID,
				"error", err,
			)
		case !ok:
			return &Promotion{Outcome: PromotionSkipped}, nil
		default:
			guarded = true
		}
	}

	p, err := s.promote(ctx, tenantID, cf, caseType)
	if err != nil && guarded {
		if derr := s.cache.Delete(ctx, tenantID, key); derr != nil {
			s.logger.Warn("failed to release promotion guard",
				"run_id", cf.RunID,
				"actor_id", cf.ActorID,
				"error", derr,
			)
		}
	}
	return p, err
}

func (s *Service) promote(ctx context.Context, tenantID string, cf *domain.ConsolidatedFinding, caseType string) (*Promotion, error) {
	inserted, err := s.repo.SaveConsolidated(ctx, tenantID, cf)
	if err != nil {
		return nil, storeErr("save consolidated finding", err)
	}
	if !inserted {
		id, err := s.repo.GetConsolidatedID(ctx, tenantID, cf.RunID, cf.ActorID, cf.ScopeID)
		if err != nil {
			return nil, storeErr("load consolidated finding", err)
		}
		cf.ID = id

		// The finding's evidence row exists only once its case write landed.
		caseID, err := s.repo.GetEvidenceCaseID(ctx, tenantID, id)
		if err == nil {
			return &Promotion{Outcome: PromotionSkipped, CaseID: caseID}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, storeErr("load finding evidence", err)
		}
		s.logger.Info("resuming interrupted promotion",
			"run_id", cf.RunID,
			"actor_id", cf.ActorID,
			"scope_id", cf.ScopeID,
		)
	}

	existing, err := s.repo.FindCases(ctx, tenantID, cf.ActorID, cf.ScopeID, caseType)
	if err != nil {
		return nil, storeErr("find cases", err)
	}

	var related []string
	for _, c := range existing {
		if c.State.AcceptsEvidence() {
			return s.attach(ctx, tenantID, c.ID, cf)
		}
		related = append(related, c.ID)
	}
	return s.openFromFinding(ctx, tenantID, cf, caseType, related)
}

func (s *Service) attach(ctx context.Context, tenantID, caseID string, cf *domain.ConsolidatedFinding) (*Promotion, error) {
	p := &Promotion{Outcome: PromotionAttached, CaseID: caseID}

	_, err := s.mutate(ctx, tenantID, caseID, domain.SystemActor, func(e *edit) error {
		if !e.c.State.AcceptsEvidence() {
			return fmt.Errorf("%w: case %s moved to %s", domain.ErrStateLocked, caseID, e.c.State)
		}
		e.addEvidence(findingEvidence(cf))
		p.Escalated = cf.Severity.Rank() > e.c.Severity.Rank()
		if p.Escalated {
			e.escalate(cf.Severity, "finding from run "+cf.RunID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) openFromFinding(ctx context.Context, tenantID string, cf *domain.ConsolidatedFinding, caseType string, related []string) (*Promotion, error) {
	now := s.timestamp()
	c := &domain.Case{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Type:       caseType,
		Severity:   cf.Severity,
		State:      domain.StateOpen,
		Scope:      s.scope(ctx, tenantID, cf.ScopeID, cf.ActorID),
		Source:     domain.SourceDetector,
		DetectorID: strings.Join(cf.ContributingFindings, ","),
		RunID:      cf.RunID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.Title = title(c.Scope, cf)

	e := s.creation(c, domain.SystemActor, now)
	e.addEvidence(findingEvidence(cf))
	if len(related) > 0 {
		e.addEvidence(domain.EvidenceItem{
			Kind:    domain.EvidenceNote,
			Content: fmt.Sprintf("%d earlier case(s) about this actor in this scope", len(related)),
			Data:    map[string]any{"relatedCases": related},
		})
	}

	if err := s.create(ctx, tenantID, e); err != nil {
		return nil, err
	}
	return &Promotion{Outcome: PromotionCreated, CaseID: c.ID}, nil
}

func findingEvidence(cf *domain.ConsolidatedFinding) domain.EvidenceItem {
	return domain.EvidenceItem{
		ID:   cf.ID,
		Kind: domain.EvidenceFinding,
		Content: fmt.Sprintf("%s with confidence %.2f (%s)",
			strings.Join(cf.PatternsDetected, ", "), cf.Confidence, cf.Severity),
		Signals: cf.DetectedSignals(),
		Data: map[string]any{
			"runId":            cf.RunID,
			"patternsDetected": cf.PatternsDetected,
			"confidence":       cf.Confidence,
			"evidence":         cf.Evidence,
		},
	}
}

func title(scope domain.CaseScope, cf *domain.ConsolidatedFinding) string {
	who := scope.ActorName
	if who == "" {
		who = cf.ActorID
	}
	return fmt.Sprintf("%s: %s in %s", strings.Join(cf.PatternsDetected, " + "), who, cf.ScopeID)
}
