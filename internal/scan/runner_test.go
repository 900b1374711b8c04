package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/diagnosis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/window"
)

const tenantID = "tenant-001"

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "scan-test-*.db")
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

// sales builds one branch where emp-1 prefers cash on discounted sales and
// eight peers mostly take cards.
func sales(scopeID string) []*domain.Transaction {
	var txs []*domain.Transaction
	n := 0
	add := func(actor string, amount float64, method string, discount float64) {
		n++
		tx := &domain.Transaction{
			ID:            fmt.Sprintf("%s-tx-%03d", scopeID, n),
			TenantID:      tenantID,
			ScopeID:       scopeID,
			ActorID:       actor,
			Amount:        amount,
			PaymentMethod: method,
			Timestamp:     base.Add(time.Duration(n) * 37 * time.Minute),
		}
		if discount > 0 {
			tx.DiscountAmount = discount
			tx.DiscountReason = "loyalty"
		}
		txs = append(txs, tx)
	}

	for i := 0; i < 20; i++ {
		discount := 0.0
		if i < 9 {
			discount = 5
		}
		add("emp-1", 60, domain.PaymentCash, discount)
	}
	for i := 0; i < 20; i++ {
		discount := 0.0
		if i == 0 {
			discount = 5
		}
		add("emp-1", 100, domain.PaymentCard, discount)
	}
	for p := 1; p <= 8; p++ {
		cash := 2
		if p <= 4 {
			cash = 3
		}
		for i := 0; i < 20; i++ {
			method := domain.PaymentCard
			if i < cash {
				method = domain.PaymentCash
			}
			add(fmt.Sprintf("peer-%d", p), 80, method, 0)
		}
	}
	return txs
}

func cashOnly() domain.ScanConfig {
	cfg := domain.DefaultScanConfig()
	for id, dc := range cfg.Detectors {
		dc.Enabled = id == domain.PatternCashPreference
		cfg.Detectors[id] = dc
	}
	return cfg
}

type fixture struct {
	repo    domain.Repository
	windows *window.Service
	cases   *cases.Service
	bus     *bus.ChannelBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := newTestRepo(t)
	lru := cache.NewLocalCache(1000, time.Hour)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	catalog, _ := diagnosis.Builtin(diagnosis.FraudCatalog)
	return &fixture{
		repo:    repo,
		windows: window.NewService(repo, lru, time.Minute),
		cases:   cases.NewService(repo, lru, eventBus, diagnosis.NewEngine(catalog, nil)),
		bus:     eventBus,
	}
}

func (f *fixture) runner(t *testing.T, plan *Plan) *Runner {
	t.Helper()
	return NewRunner(f.windows, f.repo, f.cases, f.bus, plan)
}

func (f *fixture) ingest(t *testing.T, scopes ...string) {
	t.Helper()
	for _, s := range scopes {
		if err := f.windows.Ingest(context.Background(), tenantID, sales(s)); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}
}

func request(scopes ...string) domain.ScanRequest {
	return domain.ScanRequest{ScopeIDs: scopes, From: base, To: base.Add(30 * 24 * time.Hour)}
}

func TestRunner(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "branch-01", "branch-02")

	plan, err := NewPlan(cashOnly())
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}
	r := f.runner(t, plan)
	ctx := context.Background()

	completed := make(chan domain.ScanResult, 1)
	if _, err := f.bus.Subscribe(ctx, tenantID, domain.TopicScanCompleted, func(ctx context.Context, msg *domain.Message) error {
		var res domain.ScanResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			return err
		}
		completed <- res
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	var first *domain.ScanResult

	t.Run("DiscoversScopes", func(t *testing.T) {
		res, err := r.Run(ctx, tenantID, request())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		first = res

		if res.Status != domain.ScanCompleted {
			t.Errorf("expected completed, got %s", res.Status)
		}
		if len(res.Scopes) != 2 {
			t.Errorf("expected both branches scanned, got %v", res.Scopes)
		}
		if res.FindingCount != 2 || len(res.Consolidated) != 2 {
			t.Fatalf("expected one finding per branch, got %d/%d", res.FindingCount, len(res.Consolidated))
		}
		for _, cf := range res.Consolidated {
			if cf.ActorID != "emp-1" || cf.Severity != domain.SeverityHigh || cf.ID == "" {
				t.Errorf("unexpected consolidated finding: %+v", cf)
			}
			want := 0.40 + 0.35 + 0.25*(0.10/0.30)
			if math.Abs(cf.Confidence-want) > 1e-6 {
				t.Errorf("expected confidence %.4f, got %.4f", want, cf.Confidence)
			}
		}
		if len(res.CaseIDs) != 2 {
			t.Errorf("expected a case per branch, got %v", res.CaseIDs)
		}
	})

	t.Run("PersistsRun", func(t *testing.T) {
		stored, err := f.repo.GetScanRun(ctx, tenantID, first.RunID)
		if err != nil {
			t.Fatalf("GetScanRun failed: %v", err)
		}
		if stored.Status != domain.ScanCompleted || len(stored.CaseIDs) != 2 || stored.CompletedAt.IsZero() {
			t.Errorf("unexpected stored run: %+v", stored)
		}
	})

	t.Run("PublishesCompletion", func(t *testing.T) {
		select {
		case res := <-completed:
			if res.RunID != first.RunID {
				t.Errorf("expected run %s, got %s", first.RunID, res.RunID)
			}
		case <-time.After(time.Second):
			t.Error("expected scan.completed notification")
		}
	})

	t.Run("RescanAttachesToOpenCase", func(t *testing.T) {
		res, err := r.Run(ctx, tenantID, request("branch-01"))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(res.CaseIDs) != 1 {
			t.Fatalf("expected one case, got %v", res.CaseIDs)
		}

		c, err := f.cases.Get(ctx, tenantID, res.CaseIDs[0])
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(c.Evidence) != 2 {
			t.Errorf("expected the second run attached as evidence, got %d items", len(c.Evidence))
		}
	})

	t.Run("FloorFiltersPromotion", func(t *testing.T) {
		cfg := cashOnly()
		cfg.MinConfidence = 0.90
		strict, err := NewPlan(cfg)
		if err != nil {
			t.Fatalf("NewPlan failed: %v", err)
		}
		r.SetPlan(strict)
		defer r.SetPlan(plan)

		res, err := r.Run(ctx, tenantID, request("branch-01"))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.FindingCount != 1 || len(res.Consolidated) != 0 || len(res.CaseIDs) != 0 {
			t.Errorf("expected the finding kept but not promoted, got %d/%d/%d",
				res.FindingCount, len(res.Consolidated), len(res.CaseIDs))
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if _, err := r.Run(ctx, "", request()); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput without tenant, got %v", err)
		}
		bad := request()
		bad.To = bad.From
		if _, err := r.Run(ctx, tenantID, bad); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty window, got %v", err)
		}
	})
}

type fakeDetector struct {
	id     string
	detect func(ctx context.Context, w *domain.Window) ([]domain.Finding, error)
}

func (d *fakeDetector) ID() string { return d.id }

func (d *fakeDetector) Detect(ctx context.Context, w *domain.Window) ([]domain.Finding, error) {
	return d.detect(ctx, w)
}

type promoterFunc func(ctx context.Context, tenantID string, cf *domain.ConsolidatedFinding, caseType string) (*cases.Promotion, error)

func (f promoterFunc) Promote(ctx context.Context, tenantID string, cf *domain.ConsolidatedFinding, caseType string) (*cases.Promotion, error) {
	return f(ctx, tenantID, cf, caseType)
}

func TestRunnerFailures(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "branch-01")
	ctx := context.Background()

	cfg := cashOnly()
	cfg.DetectorTimeout = 50 * time.Millisecond
	plan, err := NewPlan(cfg)
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}

	panicking := &fakeDetector{id: "panics", detect: func(ctx context.Context, w *domain.Window) ([]domain.Finding, error) {
		panic("index out of range")
	}}
	slow := &fakeDetector{id: "slow", detect: func(ctx context.Context, w *domain.Window) ([]domain.Finding, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return []domain.Finding{{PatternID: "late", ActorID: "emp-9", ScopeID: w.ScopeID, Confidence: 0.99}}, nil
	}}
	broken := &fakeDetector{id: "broken", detect: func(ctx context.Context, w *domain.Window) ([]domain.Finding, error) {
		return nil, errors.New("bad window")
	}}

	t.Run("PartialRun", func(t *testing.T) {
		p := &Plan{Config: plan.Config, Detectors: append([]detector.Detector{panicking, slow, broken}, plan.Detectors...)}
		r := f.runner(t, p)

		res, err := r.Run(ctx, tenantID, request("branch-01"))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != domain.ScanPartial {
			t.Errorf("expected partial, got %s", res.Status)
		}
		if len(res.Failures) != 3 {
			t.Fatalf("expected 3 failures, got %+v", res.Failures)
		}

		byID := make(map[string]domain.DetectorFailure)
		for _, fl := range res.Failures {
			byID[fl.DetectorID] = fl
		}
		if !byID["slow"].TimedOut || byID["panics"].TimedOut || byID["broken"].TimedOut {
			t.Errorf("expected only the slow detector to time out: %+v", res.Failures)
		}

		if res.FindingCount != 1 || len(res.CaseIDs) != 1 {
			t.Errorf("expected the healthy detector's finding promoted, got %d/%v", res.FindingCount, res.CaseIDs)
		}
		for _, cf := range res.Consolidated {
			if cf.ActorID == "emp-9" {
				t.Error("expected timed-out output to be discarded")
			}
		}
	})

	t.Run("AllDetectorsFail", func(t *testing.T) {
		r := f.runner(t, &Plan{Config: plan.Config, Detectors: []detector.Detector{broken}})

		res, err := r.Run(ctx, tenantID, request("branch-01"))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != domain.ScanFailed || res.FindingCount != 0 {
			t.Errorf("expected failed run without findings, got %s/%d", res.Status, res.FindingCount)
		}
	})

	t.Run("PromotionStoreFailure", func(t *testing.T) {
		failing := promoterFunc(func(ctx context.Context, tenantID string, cf *domain.ConsolidatedFinding, caseType string) (*cases.Promotion, error) {
			return nil, fmt.Errorf("%w: create case: store unavailable", domain.ErrPersistence)
		})
		r := NewRunner(f.windows, f.repo, failing, f.bus, plan)

		res, err := r.Run(ctx, tenantID, request("branch-01"))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != domain.ScanFailed {
			t.Errorf("expected failed, got %s", res.Status)
		}
		if len(res.Consolidated) != 1 || len(res.CaseIDs) != 0 {
			t.Errorf("expected 1 finding and no cases, got %d/%v", len(res.Consolidated), res.CaseIDs)
		}
		if len(res.PromotionFailures) != 1 || !res.PromotionFailures[0].Persistence || res.PromotionFailures[0].ActorID != "emp-1" {
			t.Fatalf("expected one store failure for emp-1, got %+v", res.PromotionFailures)
		}

		stored, err := f.repo.GetScanRun(ctx, tenantID, res.RunID)
		if err != nil {
			t.Fatalf("GetScanRun failed: %v", err)
		}
		if stored.Status != domain.ScanFailed || len(stored.PromotionFailures) != 1 {
			t.Errorf("expected stored run to keep the failure, got %s/%+v", stored.Status, stored.PromotionFailures)
		}
	})

	t.Run("PromotionRejected", func(t *testing.T) {
		rejecting := promoterFunc(func(ctx context.Context, tenantID string, cf *domain.ConsolidatedFinding, caseType string) (*cases.Promotion, error) {
			return nil, fmt.Errorf("%w: case moved on", domain.ErrStateLocked)
		})
		r := NewRunner(f.windows, f.repo, rejecting, f.bus, plan)

		res, err := r.Run(ctx, tenantID, request("branch-01"))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != domain.ScanPartial {
			t.Errorf("expected partial, got %s", res.Status)
		}
		if len(res.PromotionFailures) != 1 || res.PromotionFailures[0].Persistence {
			t.Errorf("expected one non-store failure, got %+v", res.PromotionFailures)
		}
	})

	t.Run("InvalidPlan", func(t *testing.T) {
		cfg := cashOnly()
		dc := cfg.Detectors[domain.PatternCashPreference]
		dc.Signals = append([]domain.SignalSpec(nil), dc.Signals...)
		dc.Signals[0].Weight = 1.5
		cfg.Detectors[domain.PatternCashPreference] = dc

		if _, err := NewPlan(cfg); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}
