package cases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/casefsm"
	"github.com/opensource-finance/kestrel/internal/diagnosis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// OpenRequest describes a manually opened case.
type OpenRequest struct {
	Type     string                `json:"caseType"`
	Title    string                `json:"title"`
	Severity domain.Severity       `json:"severity"`
	ScopeID  string                `json:"scopeId"`
	ActorID  string                `json:"actorId"`
	Evidence []domain.EvidenceItem `json:"evidence,omitempty"`
}

// Open creates a case by hand.
func (s *Service) Open(ctx context.Context, tenantID string, req OpenRequest, actor domain.Actor) (*domain.Case, error) {
	if err := validActor(actor); err != nil {
		return nil, err
	}
	if req.Type == "" || req.ScopeID == "" {
		return nil, fmt.Errorf("%w: caseType and scopeId are required", domain.ErrInvalidInput)
	}
	if req.Severity == "" {
		req.Severity = domain.SeverityMedium
	}
	if !req.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, req.Severity)
	}

	now := s.timestamp()
	c := &domain.Case{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Type:      req.Type,
		Title:     req.Title,
		Severity:  req.Severity,
		State:     domain.StateOpen,
		Scope:     s.scope(ctx, tenantID, req.ScopeID, req.ActorID),
		Source:    domain.SourceManual,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.Title == "" {
		c.Title = fmt.Sprintf("%s case in %s", req.Type, req.ScopeID)
	}

	e := s.creation(c, actor, now)
	for _, item := range req.Evidence {
		if err := validEvidence(&item); err != nil {
			return nil, err
		}
		e.addEvidence(item)
	}
	if err := s.create(ctx, tenantID, e); err != nil {
		return nil, err
	}
	return c, nil
}

// creation starts the edit that opens a new case.
func (s *Service) creation(c *domain.Case, actor domain.Actor, now time.Time) *edit {
	e := newEdit(c, actor, now)
	e.record(domain.AuditLogEntry{
		Action:     domain.AuditCreate,
		TargetType: domain.TargetCase,
		TargetID:   c.ID,
		Changes: map[string]any{
			"state":    string(c.State),
			"severity": string(c.Severity),
		},
		Context: map[string]any{
			"source": c.Source,
			"runId":  c.RunID,
		},
	})
	e.notify(domain.TopicCaseCreated, "", "")
	return e
}

func (s *Service) create(ctx context.Context, tenantID string, e *edit) error {
	if err := s.repo.CreateCase(ctx, tenantID, e.c, e.change.Audit); err != nil {
		return storeErr("create case", err)
	}
	metrics.CasesCreated.WithLabelValues(e.c.Type, e.c.Source).Inc()
	s.logger.Info("case opened",
		"tenant_id", tenantID,
		"case_id", e.c.ID,
		"severity", e.c.Severity,
		"source", e.c.Source,
	)
	s.committed(ctx, e)
	return nil
}

// scope decorates a case scope with display data from the actor directory.
func (s *Service) scope(ctx context.Context, tenantID, scopeID, actorID string) domain.CaseScope {
	scope := domain.CaseScope{ScopeID: scopeID, ActorID: actorID}
	if actorID == "" {
		return scope
	}
	profile, err := s.repo.GetActor(ctx, tenantID, actorID)
	if err != nil {
		return scope
	}
	scope.ActorName = profile.Name
	scope.ActorRole = profile.Role
	return scope
}

// TransitionRequest carries an event issued directly against a case.
type TransitionRequest struct {
	Event   domain.CaseEvent `json:"event"`
	Outcome *domain.Outcome  `json:"outcome,omitempty"`
}

// coupled events are driven by the diagnosis and action commands.
var coupled = map[domain.CaseEvent]string{
	domain.EventDiagnose:         "diagnose",
	domain.EventRecommendAction:  "recommend actions",
	domain.EventApproveAction:    "approve action",
	domain.EventRejectAction:     "reject action",
	domain.EventStartExecution:   "start execution",
	domain.EventExecutionSuccess: "complete execution",
	domain.EventExecutionFailed:  "complete execution",
}

// Transition applies a lifecycle event that has no action or diagnosis side.
// CANCEL also cancels every outstanding action. Closing events record the
// outcome, defaulting its resolution to the event name.
func (s *Service) Transition(ctx context.Context, tenantID, caseID string, req TransitionRequest, actor domain.Actor) (*domain.Case, error) {
	if op, ok := coupled[req.Event]; ok {
		return nil, fmt.Errorf("%w: %s is issued through the %s command", domain.ErrInvalidInput, req.Event, op)
	}
	if !casefsm.Known(string(req.Event)) {
		return nil, fmt.Errorf("%w: unknown event %q", domain.ErrInvalidInput, req.Event)
	}

	return s.mutate(ctx, tenantID, caseID, actor, func(e *edit) error {
		if req.Event == domain.EventCancel {
			if _, err := casefsm.Next(e.c.State, req.Event); err != nil {
				return err
			}
			for i := range e.c.RecommendedActions {
				a := &e.c.RecommendedActions[i]
				if a.State.Outstanding() {
					if err := e.moveAction(a, domain.ActionCancelled); err != nil {
						return err
					}
				}
			}
		}

		if err := e.transition(req.Event); err != nil {
			return err
		}

		switch {
		case casefsm.Closes(req.Event):
			outcome := domain.Outcome{Resolution: string(req.Event)}
			if req.Outcome != nil {
				outcome = *req.Outcome
				if outcome.Resolution == "" {
					outcome.Resolution = string(req.Event)
				}
			}
			e.recordOutcome(outcome)
		case req.Event == domain.EventReopen:
			e.c.Outcome = nil
		}
		return nil
	})
}

// AddEvidence appends an evidence item while the case is OPEN or INVESTIGATING.
func (s *Service) AddEvidence(ctx context.Context, tenantID, caseID string, item domain.EvidenceItem, actor domain.Actor) (*domain.Case, error) {
	if err := validEvidence(&item); err != nil {
		return nil, err
	}
	item.ID = ""

	return s.mutate(ctx, tenantID, caseID, actor, func(e *edit) error {
		if !e.c.State.AcceptsEvidence() {
			return fmt.Errorf("%w: cannot add evidence in %s", domain.ErrStateLocked, e.c.State)
		}
		e.addEvidence(item)
		return nil
	})
}

func validEvidence(item *domain.EvidenceItem) error {
	if item.Kind == "" {
		item.Kind = domain.EvidenceNote
	}
	if strings.TrimSpace(item.Content) == "" && len(item.Signals) == 0 {
		return fmt.Errorf("%w: evidence needs content or signals", domain.ErrInvalidInput)
	}
	return nil
}

// AddHypothesis attaches an operator hypothesis while the case is OPEN or
// INVESTIGATING. Its confidence is capped like any ranked hypothesis.
func (s *Service) AddHypothesis(ctx context.Context, tenantID, caseID string, h domain.Hypothesis, actor domain.Actor) (*domain.Case, error) {
	if strings.TrimSpace(h.Title) == "" {
		return nil, fmt.Errorf("%w: hypothesis title is required", domain.ErrInvalidInput)
	}
	h.ID = ""
	h.Confidence = scoring.Clamp(h.Confidence)
	if h.Confidence > diagnosis.MaxConfidence {
		h.Confidence = diagnosis.MaxConfidence
	}
	h.Status = domain.HypothesisPending
	h.Source = diagnosis.SourceOperator

	return s.mutate(ctx, tenantID, caseID, actor, func(e *edit) error {
		if !e.c.State.AcceptsEvidence() {
			return fmt.Errorf("%w: cannot add hypotheses in %s", domain.ErrStateLocked, e.c.State)
		}
		h.CreatedAt = e.at
		e.addHypothesis(h)
		return nil
	})
}

// ReviewHypothesis confirms or rejects a hypothesis. At most one hypothesis
// per case may be confirmed; confirming one leaves the others as they are.
func (s *Service) ReviewHypothesis(ctx context.Context, tenantID, caseID, hypothesisID string, confirm bool, actor domain.Actor) (*domain.Case, error) {
	return s.mutate(ctx, tenantID, caseID, actor, func(e *edit) error {
		switch e.c.State {
		case domain.StateOpen, domain.StateInvestigating, domain.StateDiagnosed:
		default:
			return fmt.Errorf("%w: cannot review hypotheses in %s", domain.ErrStateLocked, e.c.State)
		}

		h := e.c.Hypothesis(hypothesisID)
		if h == nil {
			return fmt.Errorf("hypothesis %s: %w", hypothesisID, domain.ErrNotFound)
		}

		status := domain.HypothesisRejected
		if confirm {
			status = domain.HypothesisConfirmed
			for _, other := range e.c.Hypotheses {
				if other.Status == domain.HypothesisConfirmed && other.ID != h.ID {
					return fmt.Errorf("%w: hypothesis %s is already confirmed", domain.ErrInvalidInput, other.ID)
				}
			}
		}
		if h.Status == status {
			return nil
		}
		e.reviewHypothesis(h, status)
		return nil
	})
}

// Diagnose ranks the case evidence against the catalog, attaches the primary
// and alternative hypotheses, and moves the case to DIAGNOSED. The drafter is
// consulted before the case is read for writing.
func (s *Service) Diagnose(ctx context.Context, tenantID, caseID string, actor domain.Actor) (*domain.Case, error) {
	engine := s.Engine()
	if engine == nil {
		return nil, fmt.Errorf("%w: no diagnosis engine configured", domain.ErrInvalidInput)
	}

	snapshot, err := s.Get(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if _, err := casefsm.Next(snapshot.State, domain.EventDiagnose); err != nil {
		return nil, err
	}
	drafted := engine.Draft(ctx, snapshot)

	return s.mutate(ctx, tenantID, caseID, actor, func(e *edit) error {
		if _, err := casefsm.Next(e.c.State, domain.EventDiagnose); err != nil {
			return err
		}

		d, hypotheses, err := engine.Diagnose(e.c, drafted, e.at)
		if err != nil {
			return err
		}
		for _, h := range hypotheses {
			e.addHypothesis(h)
		}
		e.c.Diagnosis = d
		return e.transition(domain.EventDiagnose)
	})
}

// RecommendActions creates PENDING actions on a DIAGNOSED case and moves it to
// RECOMMENDED. Without specs the primary hypothesis template's actions are used.
func (s *Service) RecommendActions(ctx context.Context, tenantID, caseID string, specs []domain.ActionSpec, actor domain.Actor) (*domain.Case, error) {
	for _, spec := range specs {
		if err := validSpec(spec); err != nil {
			return nil, err
		}
	}

	return s.mutate(ctx, tenantID, caseID, actor, func(e *edit) error {
		if _, err := casefsm.Next(e.c.State, domain.EventRecommendAction); err != nil {
			return err
		}

		chosen := specs
		if len(chosen) == 0 {
			chosen = s.templateActions(e.c)
		}
		if len(chosen) == 0 {
			return fmt.Errorf("%w: no actions to recommend", domain.ErrInvalidInput)
		}

		for _, spec := range chosen {
			e.addAction(spec)
		}
		return e.transition(domain.EventRecommendAction)
	})
}

func (s *Service) templateActions(c *domain.Case) []domain.ActionSpec {
	engine := s.Engine()
	if engine == nil || c.Diagnosis == nil {
		return nil
	}
	return engine.ActionsFor(c.Diagnosis.Primary.TemplateID)
}

func validSpec(spec domain.ActionSpec) error {
	if spec.Type == "" {
		return fmt.Errorf("%w: action type is required", domain.ErrInvalidInput)
	}
	if !spec.ApprovalLevel.Valid() {
		return fmt.Errorf("%w: unknown approval level %q", domain.ErrInvalidInput, spec.ApprovalLevel)
	}
	return nil
}
