package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/diagnosis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const tenantID = "tenant-001"

var (
	operator = domain.Actor{ID: "ops-ana", Kind: domain.ActorHuman}
	manager  = domain.Actor{ID: "ops-lead", Kind: domain.ActorHuman, Elevated: true}
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "cases-test-*.db")
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
	return repo
}

func newTestService(t *testing.T, repo domain.Repository, eventBus domain.EventBus) *Service {
	t.Helper()

	catalog, ok := diagnosis.Builtin(diagnosis.FraudCatalog)
	if !ok {
		t.Fatal("fraud catalog missing")
	}
	lru := cache.NewLocalCache(1000, time.Hour)
	t.Cleanup(func() { lru.Close() })

	return NewService(repo, lru, eventBus, diagnosis.NewEngine(catalog, nil))
}

func finding(runID, actorID string, confidence float64, severity domain.Severity) *domain.ConsolidatedFinding {
	return &domain.ConsolidatedFinding{
		TenantID:             tenantID,
		RunID:                runID,
		ActorID:              actorID,
		ScopeID:              "branch-01",
		PatternsDetected:     []string{domain.PatternCashPreference},
		ContributingFindings: []string{domain.PatternCashPreference},
		Evidence:             map[string]map[string]any{domain.PatternCashPreference: {"cashShare": 0.5}},
		Signals: []domain.Signal{
			{Name: domain.SignalCashInDiscounts, Value: 0.9, Threshold: 0.8, Score: 1, Weight: 0.4, Detected: true},
			{Name: domain.SignalCashVsPeers, Value: 0.3, Threshold: 0.3, Score: 1, Weight: 0.35, Detected: true},
			{Name: domain.SignalLowCashTicket, Value: 0.6, Threshold: 0.7, Score: 0.33, Weight: 0.25, Detected: true},
		},
		Confidence: confidence,
		Severity:   severity,
		CreatedAt:  time.Now().UTC(),
	}
}

func promote(t *testing.T, svc *Service, cf *domain.ConsolidatedFinding) *Promotion {
	t.Helper()
	p, err := svc.Promote(context.Background(), tenantID, cf, "fraud")
	if err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	return p
}

func transition(t *testing.T, svc *Service, caseID string, event domain.CaseEvent) *domain.Case {
	t.Helper()
	c, err := svc.Transition(context.Background(), tenantID, caseID, TransitionRequest{Event: event}, operator)
	if err != nil {
		t.Fatalf("%s failed: %v", event, err)
	}
	return c
}

func TestPromote(t *testing.T) {
	repo := newTestRepo(t)
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	svc := newTestService(t, repo, eventBus)
	ctx := context.Background()

	created := make(chan domain.CaseNotification, 4)
	_, err := eventBus.Subscribe(ctx, tenantID, domain.TopicCaseCreated, func(ctx context.Context, msg *domain.Message) error {
		var n domain.CaseNotification
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			return err
		}
		created <- n
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := repo.SaveActor(ctx, tenantID, &domain.ActorProfile{ID: "emp-1", Name: "Dana Ruiz", Role: "cashier", ScopeID: "branch-01"}); err != nil {
		t.Fatalf("SaveActor failed: %v", err)
	}

	var caseID string

	t.Run("OpensCase", func(t *testing.T) {
		p := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh))
		if p.Outcome != PromotionCreated {
			t.Fatalf("expected created, got %s", p.Outcome)
		}
		caseID = p.CaseID

		c, err := svc.Get(ctx, tenantID, caseID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if c.State != domain.StateOpen || c.Severity != domain.SeverityHigh || c.Version != 1 {
			t.Errorf("unexpected case header: state=%s severity=%s version=%d", c.State, c.Severity, c.Version)
		}
		if c.Source != domain.SourceDetector || c.RunID != "run-1" {
			t.Errorf("unexpected provenance: %s %s", c.Source, c.RunID)
		}
		if c.Scope.ActorName != "Dana Ruiz" || c.Scope.ActorRole != "cashier" {
			t.Errorf("expected scope decorated from actor directory, got %+v", c.Scope)
		}
		if len(c.Evidence) != 1 || c.Evidence[0].Kind != domain.EvidenceFinding || len(c.Evidence[0].Signals) != 3 {
			t.Errorf("unexpected evidence: %+v", c.Evidence)
		}

		select {
		case n := <-created:
			if n.CaseID != caseID || n.ActorID != "emp-1" {
				t.Errorf("unexpected notification: %+v", n)
			}
		case <-time.After(time.Second):
			t.Error("expected case.created notification")
		}
	})

	t.Run("SameRunSkipped", func(t *testing.T) {
		p := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh))
		if p.Outcome != PromotionSkipped {
			t.Errorf("expected skipped, got %s", p.Outcome)
		}
	})

	t.Run("StoreGuardsWithoutCache", func(t *testing.T) {
		bare := NewService(repo, nil, nil, svc.Engine())
		p, err := bare.Promote(ctx, tenantID, finding("run-1", "emp-1", 0.83, domain.SeverityHigh), "fraud")
		if err != nil {
			t.Fatalf("Promote failed: %v", err)
		}
		if p.Outcome != PromotionSkipped {
			t.Errorf("expected store to reject the duplicate, got %s", p.Outcome)
		}
	})

	t.Run("AttachesAndEscalates", func(t *testing.T) {
		p := promote(t, svc, finding("run-2", "emp-1", 0.9, domain.SeverityCritical))
		if p.Outcome != PromotionAttached || p.CaseID != caseID || !p.Escalated {
			t.Fatalf("expected escalated attach to %s, got %+v", caseID, p)
		}

		c, _ := svc.Get(ctx, tenantID, caseID)
		if c.Severity != domain.SeverityCritical {
			t.Errorf("expected CRITICAL after escalation, got %s", c.Severity)
		}
		if len(c.Evidence) != 2 || c.Version != 2 {
			t.Errorf("expected 2 evidence items at version 2, got %d at %d", len(c.Evidence), c.Version)
		}
	})

	t.Run("LowerSeverityDoesNotDowngrade", func(t *testing.T) {
		p := promote(t, svc, finding("run-3", "emp-1", 0.6, domain.SeverityMedium))
		if p.Outcome != PromotionAttached || p.Escalated {
			t.Fatalf("expected plain attach, got %+v", p)
		}
		c, _ := svc.Get(ctx, tenantID, caseID)
		if c.Severity != domain.SeverityCritical {
			t.Errorf("expected severity to stay CRITICAL, got %s", c.Severity)
		}
	})

	t.Run("ClosedCaseStartsNewOne", func(t *testing.T) {
		transition(t, svc, caseID, domain.EventCloseAsNoise)

		p := promote(t, svc, finding("run-4", "emp-1", 0.83, domain.SeverityHigh))
		if p.Outcome != PromotionCreated || p.CaseID == caseID {
			t.Fatalf("expected a new case, got %+v", p)
		}

		c, _ := svc.Get(ctx, tenantID, p.CaseID)
		if len(c.Evidence) != 2 || c.Evidence[1].Kind != domain.EvidenceNote {
			t.Fatalf("expected finding plus related-case note, got %+v", c.Evidence)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		cf := finding("", "emp-1", 0.83, domain.SeverityHigh)
		if _, err := svc.Promote(ctx, tenantID, cf, "fraud"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

// flakyCreateRepo fails the first n case creations.
type flakyCreateRepo struct {
	domain.Repository
	n       int32
	creates atomic.Int32
}

func (r *flakyCreateRepo) CreateCase(ctx context.Context, tenantID string, c *domain.Case, audit []domain.AuditLogEntry) error {
	if r.creates.Add(1) <= r.n {
		return errors.New("store unavailable")
	}
	return r.Repository.CreateCase(ctx, tenantID, c, audit)
}

func TestPromoteRetryAfterStoreFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateFailure", func(t *testing.T) {
		base := newTestRepo(t)
		repo := &flakyCreateRepo{Repository: base, n: 1}
		svc := newTestService(t, repo, nil)

		_, err := svc.Promote(ctx, tenantID, finding("run-1", "emp-1", 0.83, domain.SeverityHigh), "fraud")
		if !errors.Is(err, domain.ErrPersistence) {
			t.Fatalf("expected ErrPersistence, got %v", err)
		}

		p := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh))
		if p.Outcome != PromotionCreated {
			t.Fatalf("expected retry to open the case, got %+v", p)
		}

		c, err := svc.Get(ctx, tenantID, p.CaseID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(c.Evidence) != 1 {
			t.Errorf("expected one finding evidence, got %d", len(c.Evidence))
		}

		again := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh))
		if again.Outcome != PromotionSkipped {
			t.Errorf("expected skipped after success, got %s", again.Outcome)
		}

		fresh := NewService(base, nil, nil, svc.Engine())
		p, err = fresh.Promote(ctx, tenantID, finding("run-1", "emp-1", 0.83, domain.SeverityHigh), "fraud")
		if err != nil {
			t.Fatalf("Promote failed: %v", err)
		}
		if p.Outcome != PromotionSkipped || p.CaseID != c.ID {
			t.Errorf("expected skipped pointing at %s, got %+v", c.ID, p)
		}

		cases, err := base.FindCases(ctx, tenantID, "emp-1", "branch-01", "fraud")
		if err != nil {
			t.Fatalf("FindCases failed: %v", err)
		}
		if len(cases) != 1 {
			t.Errorf("expected exactly 1 case, got %d", len(cases))
		}
	})

	t.Run("FreshServiceResumes", func(t *testing.T) {
		base := newTestRepo(t)
		repo := &flakyCreateRepo{Repository: base, n: 1}
		svc := newTestService(t, repo, nil)

		if _, err := svc.Promote(ctx, tenantID, finding("run-1", "emp-1", 0.83, domain.SeverityHigh), "fraud"); err == nil {
			t.Fatal("expected first promotion to fail")
		}

		fresh := NewService(base, nil, nil, svc.Engine())
		p, err := fresh.Promote(ctx, tenantID, finding("run-1", "emp-1", 0.83, domain.SeverityHigh), "fraud")
		if err != nil {
			t.Fatalf("Promote failed: %v", err)
		}
		if p.Outcome != PromotionCreated {
			t.Errorf("expected created, got %s", p.Outcome)
		}
	})

	t.Run("AttachFailure", func(t *testing.T) {
		base := newTestRepo(t)
		repo := &conflictingRepo{Repository: base, n: 1, err: errors.New("store unavailable")}
		svc := newTestService(t, repo, nil)

		caseID := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh)).CaseID

		_, err := svc.Promote(ctx, tenantID, finding("run-2", "emp-1", 0.9, domain.SeverityCritical), "fraud")
		if !errors.Is(err, domain.ErrPersistence) {
			t.Fatalf("expected ErrPersistence, got %v", err)
		}

		p := promote(t, svc, finding("run-2", "emp-1", 0.9, domain.SeverityCritical))
		if p.Outcome != PromotionAttached || p.CaseID != caseID {
			t.Fatalf("expected retry to attach to %s, got %+v", caseID, p)
		}
		c, _ := svc.Get(ctx, tenantID, caseID)
		if len(c.Evidence) != 2 || c.Severity != domain.SeverityCritical {
			t.Errorf("expected 2 evidence items at CRITICAL, got %d at %s", len(c.Evidence), c.Severity)
		}
	})
}

func TestLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	caseID := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh)).CaseID
	transition(t, svc, caseID, domain.EventStartInvestigation)

	c, err := svc.Diagnose(ctx, tenantID, caseID, operator)
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if c.State != domain.StateDiagnosed || c.Diagnosis == nil {
		t.Fatalf("expected DIAGNOSED with a diagnosis, got %s", c.State)
	}
	if c.Diagnosis.Primary.TemplateID != "sweethearting" {
		t.Errorf("expected sweethearting primary, got %s", c.Diagnosis.Primary.TemplateID)
	}
	if len(c.Hypotheses) != 1+len(c.Diagnosis.Alternatives) {
		t.Errorf("expected primary plus alternatives attached, got %d hypotheses", len(c.Hypotheses))
	}

	if _, err := svc.AddEvidence(ctx, tenantID, caseID, domain.EvidenceItem{Content: "late note"}, operator); !errors.Is(err, domain.ErrStateLocked) {
		t.Errorf("expected ErrStateLocked for evidence in DIAGNOSED, got %v", err)
	}

	c, err = svc.RecommendActions(ctx, tenantID, caseID, nil, operator)
	if err != nil {
		t.Fatalf("RecommendActions failed: %v", err)
	}
	if c.State != domain.StateRecommended || len(c.RecommendedActions) != 2 {
		t.Fatalf("expected RECOMMENDED with template actions, got %s with %d", c.State, len(c.RecommendedActions))
	}
	cctv, restrict := c.RecommendedActions[0], c.RecommendedActions[1]
	if restrict.ApprovalLevel != domain.ApprovalRequired {
		t.Fatalf("expected restrict_discounts to need approval, got %s", restrict.ApprovalLevel)
	}

	if _, err := svc.ApproveAction(ctx, tenantID, restrict.ID, domain.SystemActor); !errors.Is(err, domain.ErrApprovalDenied) {
		t.Errorf("expected system approval to be denied, got %v", err)
	}

	c, err = svc.ApproveAction(ctx, tenantID, restrict.ID, operator)
	if err != nil {
		t.Fatalf("ApproveAction failed: %v", err)
	}
	if c.State != domain.StateApproved || c.Action(restrict.ID).State != domain.ActionApproved {
		t.Fatalf("expected APPROVED case and action, got %s", c.State)
	}
	if c.Action(restrict.ID).DecidedBy != operator.ID {
		t.Errorf("expected decision by %s, got %s", operator.ID, c.Action(restrict.ID).DecidedBy)
	}
	if c.Action(cctv.ID).State != domain.ActionPending {
		t.Errorf("expected other action to stay PENDING, got %s", c.Action(cctv.ID).State)
	}

	if _, err := svc.Transition(ctx, tenantID, caseID, TransitionRequest{Event: domain.EventCloseAsNoise}, operator); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected CLOSE_AS_NOISE from APPROVED to be rejected, got %v", err)
	}
	if after, _ := svc.Get(ctx, tenantID, caseID); after.State != domain.StateApproved || after.Version != c.Version {
		t.Errorf("expected rejected transition to leave case untouched, got %s v%d", after.State, after.Version)
	}

	if _, err := svc.StartExecution(ctx, tenantID, restrict.ID, operator); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	c, err = svc.CompleteExecution(ctx, tenantID, restrict.ID, false, "POS rejected the policy", operator)
	if err != nil {
		t.Fatalf("CompleteExecution failed: %v", err)
	}
	if c.State != domain.StateApproved || c.Action(restrict.ID).State != domain.ActionFailed {
		t.Fatalf("expected failed execution to return to APPROVED, got %s / %s", c.State, c.Action(restrict.ID).State)
	}

	if _, err := svc.StartExecution(ctx, tenantID, restrict.ID, operator); err != nil {
		t.Fatalf("retry StartExecution failed: %v", err)
	}
	c, err = svc.CompleteExecution(ctx, tenantID, restrict.ID, true, "policy applied", operator)
	if err != nil {
		t.Fatalf("CompleteExecution failed: %v", err)
	}
	if c.State != domain.StateExecuted || c.Action(restrict.ID).ExecutionResult != "policy applied" {
		t.Fatalf("expected EXECUTED, got %s", c.State)
	}
	if c.ClosedAt != nil {
		t.Error("expected no closed_at before closing")
	}

	transition(t, svc, caseID, domain.EventStartMeasurement)
	transition(t, svc, caseID, domain.EventMeasurementComplete)

	c, err = svc.Transition(ctx, tenantID, caseID, TransitionRequest{
		Event:   domain.EventCloseWithLearnings,
		Outcome: &domain.Outcome{Summary: "discount leakage stopped", Learnings: "watch cash-only discounts"},
	}, manager)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if c.State != domain.StateClosed || c.ClosedAt == nil || c.ClosedBy != manager.ID {
		t.Fatalf("expected CLOSED with closure fields, got %s %v %q", c.State, c.ClosedAt, c.ClosedBy)
	}
	if c.Outcome == nil || c.Outcome.Resolution != string(domain.EventCloseWithLearnings) {
		t.Errorf("expected outcome with default resolution, got %+v", c.Outcome)
	}

	t.Run("ReplayMatches", func(t *testing.T) {
		r, err := svc.Replay(ctx, tenantID, caseID)
		if err != nil {
			t.Fatalf("Replay failed: %v", err)
		}
		if !r.Matches || r.Replayed.State != domain.StateClosed {
			t.Errorf("expected replay to reproduce CLOSED, got %+v", r.Replayed)
		}
	})

	t.Run("ReopenClearsClosure", func(t *testing.T) {
		c := transition(t, svc, caseID, domain.EventReopen)
		if c.State != domain.StateOpen || c.ClosedAt != nil || c.ClosedBy != "" || c.Outcome != nil {
			t.Errorf("expected open case without closure fields, got %+v", c)
		}

		stored, _ := svc.Get(ctx, tenantID, caseID)
		if stored.ClosedAt != nil || stored.ClosedBy != "" {
			t.Error("expected stored closure fields to be cleared")
		}

		r, err := svc.Replay(ctx, tenantID, caseID)
		if err != nil || !r.Matches {
			t.Errorf("expected replay to match after reopen, got %+v %v", r, err)
		}
	})

	t.Run("Report", func(t *testing.T) {
		report, err := svc.Report(ctx, tenantID, caseID)
		if err != nil {
			t.Fatalf("Report failed: %v", err)
		}
		if report.Case.ID != caseID || len(report.Audit) == 0 {
			t.Fatalf("unexpected report: %d audit entries", len(report.Audit))
		}
		for i := 1; i < len(report.Audit); i++ {
			prev, cur := report.Audit[i-1], report.Audit[i]
			if cur.CaseVersion < prev.CaseVersion || (cur.CaseVersion == prev.CaseVersion && cur.Position <= prev.Position) {
				t.Fatalf("audit out of order at %d", i)
			}
		}
	})
}

func TestTransitionRules(t *testing.T) {
	repo := newTestRepo(t)
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	t.Run("CoupledEventsRejected", func(t *testing.T) {
		caseID := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh)).CaseID
		for _, ev := range []domain.CaseEvent{domain.EventDiagnose, domain.EventApproveAction, domain.EventExecutionSuccess} {
			if _, err := svc.Transition(ctx, tenantID, caseID, TransitionRequest{Event: ev}, operator); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("%s: expected ErrInvalidInput, got %v", ev, err)
			}
		}
		if _, err := svc.Transition(ctx, tenantID, caseID, TransitionRequest{Event: "ESCALATE_TO_POLICE"}, operator); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected unknown event to be rejected, got %v", err)
		}
	})

	t.Run("CancelCancelsOutstandingActions", func(t *testing.T) {
		caseID := promote(t, svc, finding("run-1", "emp-2", 0.83, domain.SeverityHigh)).CaseID
		if _, err := svc.Diagnose(ctx, tenantID, caseID, operator); err != nil {
			t.Fatalf("Diagnose failed: %v", err)
		}
		c, err := svc.RecommendActions(ctx, tenantID, caseID, []domain.ActionSpec{
			{Type: "review_cctv", ApprovalLevel: domain.ApprovalAuto},
			{Type: "suspend_employee", ApprovalLevel: domain.ApprovalCritical},
		}, operator)
		if err != nil {
			t.Fatalf("RecommendActions failed: %v", err)
		}

		critical := c.RecommendedActions[1]
		if _, err := svc.ApproveAction(ctx, tenantID, critical.ID, operator); !errors.Is(err, domain.ErrApprovalDenied) {
			t.Errorf("expected non-elevated approval of CRITICAL to be denied, got %v", err)
		}
		if _, err := svc.ApproveAction(ctx, tenantID, c.RecommendedActions[0].ID, domain.SystemActor); err != nil {
			t.Fatalf("expected system actor to approve AUTO action: %v", err)
		}

		c = transition(t, svc, caseID, domain.EventCancel)
		if c.State != domain.StateClosed {
			t.Fatalf("expected CLOSED after cancel, got %s", c.State)
		}
		for _, a := range c.RecommendedActions {
			if a.State != domain.ActionCancelled {
				t.Errorf("expected action %s cancelled, got %s", a.Type, a.State)
			}
		}
	})

	t.Run("RecommendOutsideDiagnosed", func(t *testing.T) {
		caseID := promote(t, svc, finding("run-1", "emp-3", 0.83, domain.SeverityHigh)).CaseID
		_, err := svc.RecommendActions(ctx, tenantID, caseID, []domain.ActionSpec{{Type: "review_cctv", ApprovalLevel: domain.ApprovalAuto}}, operator)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		_, err = svc.RecommendActions(ctx, tenantID, caseID, []domain.ActionSpec{{Type: "x", ApprovalLevel: "SOMETIMES"}}, operator)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for bad level, got %v", err)
		}
	})

	t.Run("UnknownCaseAndAction", func(t *testing.T) {
		if _, err := svc.Get(ctx, tenantID, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := svc.ApproveAction(ctx, tenantID, "missing", operator); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ActorRequired", func(t *testing.T) {
		caseID := promote(t, svc, finding("run-1", "emp-4", 0.83, domain.SeverityHigh)).CaseID
		if _, err := svc.Transition(ctx, tenantID, caseID, TransitionRequest{Event: domain.EventStartInvestigation}, domain.Actor{}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput without actor, got %v", err)
		}
	})
}

func TestHypotheses(t *testing.T) {
	repo := newTestRepo(t)
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	caseID := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh)).CaseID

	c, err := svc.AddHypothesis(ctx, tenantID, caseID, domain.Hypothesis{Title: "Family discount", Confidence: 1.4}, operator)
	if err != nil {
		t.Fatalf("AddHypothesis failed: %v", err)
	}
	first := c.Hypotheses[0]
	if first.Confidence != diagnosis.MaxConfidence || first.Source != diagnosis.SourceOperator {
		t.Errorf("expected capped operator hypothesis, got %+v", first)
	}

	c, err = svc.AddHypothesis(ctx, tenantID, caseID, domain.Hypothesis{Title: "Training gap", Confidence: 0.4}, operator)
	if err != nil {
		t.Fatalf("AddHypothesis failed: %v", err)
	}
	second := c.Hypotheses[1]

	if _, err := svc.ReviewHypothesis(ctx, tenantID, caseID, first.ID, true, operator); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := svc.ReviewHypothesis(ctx, tenantID, caseID, second.ID, true, operator); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected a second confirmation to be refused, got %v", err)
	}

	c, err = svc.ReviewHypothesis(ctx, tenantID, caseID, second.ID, false, operator)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if c.Hypothesis(first.ID).Status != domain.HypothesisConfirmed || c.Hypothesis(second.ID).Status != domain.HypothesisRejected {
		t.Errorf("unexpected statuses: %s %s", c.Hypothesis(first.ID).Status, c.Hypothesis(second.ID).Status)
	}

	stored, _ := svc.Get(ctx, tenantID, caseID)
	if stored.Hypothesis(first.ID).Status != domain.HypothesisConfirmed {
		t.Error("expected confirmation to be persisted")
	}

	if _, err := svc.ReviewHypothesis(ctx, tenantID, caseID, "missing", true, operator); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// conflictingRepo fails the first n commits with a version conflict.
type conflictingRepo struct {
	domain.Repository
	n       int32
	commits atomic.Int32
	err     error
}

func (r *conflictingRepo) CommitCase(ctx context.Context, tenantID string, change *domain.CaseChange) (int, error) {
	if r.commits.Add(1) <= r.n {
		if r.err != nil {
			return 0, r.err
		}
		return 0, fmt.Errorf("%w: injected", domain.ErrConflict)
	}
	return r.Repository.CommitCase(ctx, tenantID, change)
}

func TestOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("RetriesConflicts", func(t *testing.T) {
		base := newTestRepo(t)
		repo := &conflictingRepo{Repository: base, n: MaxAttempts - 1}
		svc := newTestService(t, repo, nil)

		caseID := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh)).CaseID
		c, err := svc.Transition(ctx, tenantID, caseID, TransitionRequest{Event: domain.EventStartInvestigation}, operator)
		if err != nil {
			t.Fatalf("expected success after retries, got %v", err)
		}
		if c.State != domain.StateInvestigating || repo.commits.Load() != MaxAttempts {
			t.Errorf("expected %d commit attempts, got %d", MaxAttempts, repo.commits.Load())
		}
	})

	t.Run("SurfacesConflictAfterLimit", func(t *testing.T) {
		base := newTestRepo(t)
		repo := &conflictingRepo{Repository: base, n: MaxAttempts}
		svc := newTestService(t, repo, nil)

		caseID := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh)).CaseID
		_, err := svc.Transition(ctx, tenantID, caseID, TransitionRequest{Event: domain.EventStartInvestigation}, operator)
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if c, _ := svc.Get(ctx, tenantID, caseID); c.State != domain.StateOpen {
			t.Errorf("expected case to stay OPEN, got %s", c.State)
		}
	})

	t.Run("StoreFailureIsPersistenceError", func(t *testing.T) {
		base := newTestRepo(t)
		repo := &conflictingRepo{Repository: base, n: 1, err: errors.New("disk full")}
		svc := newTestService(t, repo, nil)

		caseID := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh)).CaseID
		_, err := svc.Transition(ctx, tenantID, caseID, TransitionRequest{Event: domain.EventStartInvestigation}, operator)
		if !errors.Is(err, domain.ErrPersistence) {
			t.Errorf("expected ErrPersistence, got %v", err)
		}
	})

	t.Run("ConcurrentWritersKeepBothUpdates", func(t *testing.T) {
		repo := newTestRepo(t)
		svc := newTestService(t, repo, nil)
		caseID := promote(t, svc, finding("run-1", "emp-1", 0.83, domain.SeverityHigh)).CaseID

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := svc.AddEvidence(ctx, tenantID, caseID, domain.EvidenceItem{Content: fmt.Sprintf("note %d", i)}, operator)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("AddEvidence failed: %v", err)
			}
		}

		c, _ := svc.Get(ctx, tenantID, caseID)
		if len(c.Evidence) != 3 || c.Version != 3 {
			t.Errorf("expected both notes kept at version 3, got %d items at v%d", len(c.Evidence), c.Version)
		}
	})
}

func TestOpen(t *testing.T) {
	repo := newTestRepo(t)
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	c, err := svc.Open(ctx, tenantID, OpenRequest{
		Type:     "sales_drop",
		ScopeID:  "branch-07",
		Evidence: []domain.EvidenceItem{{Content: "traffic down 30%", Signals: []string{diagnosis.SignalTrafficDrop}}},
	}, operator)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if c.Source != domain.SourceManual || c.Severity != domain.SeverityMedium || len(c.Evidence) != 1 {
		t.Errorf("unexpected manual case: %+v", c)
	}

	audit, err := svc.AuditLog(ctx, tenantID, c.ID)
	if err != nil {
		t.Fatalf("AuditLog failed: %v", err)
	}
	if len(audit) != 2 || audit[0].Action != domain.AuditCreate || audit[1].Action != domain.AuditAddEvidence {
		t.Errorf("unexpected creation audit: %+v", audit)
	}

	list, err := svc.List(ctx, tenantID, domain.CaseFilter{Type: "sales_drop"})
	if err != nil || len(list) != 1 {
		t.Errorf("expected one sales_drop case, got %d %v", len(list), err)
	}

	if _, err := svc.Open(ctx, tenantID, OpenRequest{ScopeID: "branch-07"}, operator); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput without type, got %v", err)
	}
}
