// Package scan runs the detectors over transaction windows, consolidates the
// findings of a run and hands the survivors to case promotion.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/consolidate"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("kestrel-scan")

const (
	defaultWorkers = 4
	defaultTimeout = 30 * time.Second
)

// Windows loads the transaction window of a scope.
type Windows interface {
	Load(ctx context.Context, tenantID, scopeID string, from, to time.Time) (*domain.Window, error)
	Scopes(ctx context.Context, tenantID string, from, to time.Time) ([]string, error)
}

// Promoter turns a consolidated finding into case work.
type Promoter interface {
	Promote(ctx context.Context, tenantID string, cf *domain.ConsolidatedFinding, caseType string) (*cases.Promotion, error)
}

// Plan is an immutable scan configuration together with the detectors built from it.
type Plan struct {
	Config    domain.ScanConfig
	Detectors []detector.Detector
}

// NewPlan builds the detectors of a configuration.
func NewPlan(cfg domain.ScanConfig) (*Plan, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.DetectorTimeout <= 0 {
		cfg.DetectorTimeout = defaultTimeout
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = consolidate.DefaultMinConfidence
	}
	if cfg.CaseType == "" {
		cfg.CaseType = "fraud"
	}

	detectors, err := detector.Build(cfg)
	if err != nil {
		return nil, err
	}
	return &Plan{Config: cfg, Detectors: detectors}, nil
}

// Runner executes scan runs. The plan may be swapped while runs are in
// flight; each run keeps the plan it started with.
type Runner struct {
	windows  Windows
	repo     domain.Repository
	promoter Promoter
	bus      domain.EventBus
	plan     atomic.Pointer[Plan]
	now      func() time.Time
	logger   *slog.Logger
}

// NewRunner creates a new scan runner. promoter and eventBus may be nil.
func NewRunner(windows Windows, repo domain.Repository, promoter Promoter, eventBus domain.EventBus, plan *Plan) *Runner {
	r := &Runner{
		windows:  windows,
		repo:     repo,
		promoter: promoter,
		bus:      eventBus,
		now:      time.Now,
		logger:   logging.New("scan"),
	}
	r.plan.Store(plan)
	return r
}

// SetPlan replaces the plan used by subsequent runs.
func (r *Runner) SetPlan(p *Plan) {
	r.plan.Store(p)
}

// Plan returns the current plan.
func (r *Runner) Plan() *Plan {
	return r.plan.Load()
}

// job is one detector over one scope window.
type job struct {
	window   *domain.Window
	detector detector.Detector
	findings []domain.Finding
	failure  *domain.DetectorFailure
}

// Run executes one scan over the requested scopes, or every scope with
// transactions in the window when none are given.
func (r *Runner) Run(ctx context.Context, tenantID string, req domain.ScanRequest) (*domain.ScanResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if req.From.IsZero() || !req.To.After(req.From) {
		return nil, fmt.Errorf("%w: scan window end must be after its start", domain.ErrInvalidInput)
	}

	plan := r.plan.Load()
	if plan == nil {
		return nil, fmt.Errorf("%w: no scan plan configured", domain.ErrInvalidInput)
	}

	start := r.now()
	result := &domain.ScanResult{
		RunID:     uuid.New().String(),
		TenantID:  tenantID,
		Status:    domain.ScanCompleted,
		From:      req.From.UTC(),
		To:        req.To.UTC(),
		StartedAt: start.UTC(),
	}

	ctx, span := tracer.Start(ctx, "scan.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("run.id", result.RunID),
	)

	err := r.run(ctx, plan, req, result)
	if err != nil {
		result.Status = domain.ScanFailed
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = r.now().UTC()
	}
	metrics.ScansTotal.WithLabelValues(result.Status).Inc()
	metrics.ScanDuration.Observe(result.CompletedAt.Sub(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("scan failed",
			"tenant_id", tenantID,
			"run_id", result.RunID,
			"error", err,
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("scan.status", result.Status),
		attribute.Int("scan.findings", result.FindingCount),
		attribute.Int("scan.cases", len(result.CaseIDs)),
	)
	r.logger.Info("scan completed",
		"tenant_id", tenantID,
		"run_id", result.RunID,
		"status", result.Status,
		"scopes", len(result.Scopes),
		"findings", result.FindingCount,
		"consolidated", len(result.Consolidated),
		"cases", len(result.CaseIDs),
		"failures", len(result.Failures),
		"promotion_failures", len(result.PromotionFailures),
		"duration_ms", result.CompletedAt.Sub(start).Milliseconds(),
	)
	return result, nil
}

func (r *Runner) run(ctx context.Context, plan *Plan, req domain.ScanRequest, result *domain.ScanResult) error {
	tenantID := result.TenantID

	scopes := req.ScopeIDs
	if len(scopes) == 0 {
		var err error
		scopes, err = r.windows.Scopes(ctx, tenantID, req.From, req.To)
		if err != nil {
			return storeErr("list scopes", err)
		}
	}
	result.Scopes = scopes

	var jobs []*job
	for _, scopeID := range scopes {
		w, err := r.windows.Load(ctx, tenantID, scopeID, req.From, req.To)
		if err != nil {
			return storeErr("load window", err)
		}
		for _, d := range plan.Detectors {
			jobs = append(jobs, &job{window: w, detector: d})
		}
	}

	r.execute(ctx, plan.Config, jobs)

	var findings []domain.Finding
	for _, j := range jobs {
		if j.failure != nil {
			result.Failures = append(result.Failures, *j.failure)
			continue
		}
		for _, f := range j.findings {
			f.RunID = result.RunID
			findings = append(findings, f)
			metrics.FindingsTotal.WithLabelValues(f.PatternID, string(f.Severity)).Inc()
		}
	}
	result.FindingCount = len(findings)
	result.Status = status(len(jobs), len(result.Failures))

	if len(findings) > 0 {
		if err := r.repo.SaveFindings(ctx, tenantID, result.RunID, findings); err != nil {
			return storeErr("save findings", err)
		}
	}

	merged := consolidate.Merge(tenantID, result.RunID, findings, r.now().UTC())
	kept := consolidate.Filter(merged, plan.Config.MinConfidence)
	for i := range kept {
		kept[i].ID = uuid.New().String()
		metrics.ConsolidatedTotal.WithLabelValues(string(kept[i].Severity)).Inc()
	}
	result.Consolidated = kept
	if result.Consolidated == nil {
		result.Consolidated = []domain.ConsolidatedFinding{}
	}

	r.promote(ctx, plan.Config.CaseType, result)

	result.CompletedAt = r.now().UTC()
	if err := r.repo.SaveScanRun(ctx, tenantID, result); err != nil {
		return storeErr("save scan run", err)
	}

	if r.bus != nil {
		if err := bus.PublishJSON(ctx, r.bus, tenantID, domain.TopicScanCompleted, result); err != nil {
			r.logger.Error("failed to publish scan result",
				"run_id", result.RunID,
				"error", err,
			)
		}
	}
	return nil
}

// execute runs every job on a bounded pool. A failing job never cancels
// the others.
func (r *Runner) execute(ctx context.Context, cfg domain.ScanConfig, jobs []*job) {
	var g errgroup.Group
	g.SetLimit(cfg.Workers)

	for _, j := range jobs {
		j := j
		g.Go(func() error {
			j.findings, j.failure = r.detect(ctx, cfg.DetectorTimeout, j.detector, j.window)
			return nil
		})
	}
	_ = g.Wait() // failures are recorded on each job
}

type outcome struct {
	findings []domain.Finding
	err      error
}

// detect runs one detector under a deadline. On timeout the detector's
// output is discarded even if it finishes later.
func (r *Runner) detect(ctx context.Context, timeout time.Duration, d detector.Detector, w *domain.Window) ([]domain.Finding, *domain.DetectorFailure) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "scan.detect")
	defer span.End()
	span.SetAttributes(
		attribute.String("detector.id", d.ID()),
		attribute.String("scope.id", w.ScopeID),
	)

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		findings, err := d.Detect(ctx, w)
		done <- outcome{findings: findings, err: err}
	}()

	var out outcome
	timedOut := false
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
		timedOut = errors.Is(out.err, context.DeadlineExceeded)
	}
	metrics.DetectorDuration.WithLabelValues(d.ID()).Observe(time.Since(start).Seconds())

	if out.err == nil {
		metrics.DetectorRuns.WithLabelValues(d.ID(), "ok").Inc()
		return out.findings, nil
	}

	err := &domain.DetectorError{DetectorID: d.ID(), ScopeID: w.ScopeID, Err: out.err}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	label := "failed"
	if timedOut {
		label = "timeout"
	}
	metrics.DetectorRuns.WithLabelValues(d.ID(), label).Inc()
	r.logger.Warn("detector failed",
		"detector", d.ID(),
		"scope_id", w.ScopeID,
		"timed_out", timedOut,
		"error", out.err,
	)

	return nil, &domain.DetectorFailure{
		DetectorID: d.ID(),
		ScopeID:    w.ScopeID,
		Reason:     err.Error(),
		TimedOut:   timedOut,
	}
}

// promote hands each kept finding to case promotion. A failed promotion is
// recorded on the run: a store failure fails the run, any other failure
// makes it partial. The finding stays on the run record either way.
func (r *Runner) promote(ctx context.Context, caseType string, result *domain.ScanResult) {
	if r.promoter == nil {
		return
	}

	seen := make(map[string]bool)
	for i := range result.Consolidated {
		cf := &result.Consolidated[i]
		p, err := r.promoter.Promote(ctx, result.TenantID, cf, caseType)
		if err != nil {
			persistence := errors.Is(err, domain.ErrPersistence)
			result.PromotionFailures = append(result.PromotionFailures, domain.PromotionFailure{
				ActorID:     cf.ActorID,
				ScopeID:     cf.ScopeID,
				Reason:      err.Error(),
				Persistence: persistence,
			})
			metrics.PromotionFailures.Inc()
			r.logger.Error("failed to promote finding",
				"run_id", result.RunID,
				"actor_id", cf.ActorID,
				"scope_id", cf.ScopeID,
				"error", err,
			)
			if persistence {
				result.Status = domain.ScanFailed
			} else if result.Status == domain.ScanCompleted {
				result.Status = domain.ScanPartial
			}
			continue
		}
		if p.CaseID != "" && !seen[p.CaseID] {
			seen[p.CaseID] = true
			result.CaseIDs = append(result.CaseIDs, p.CaseID)
		}
	}
}

func status(jobs, failures int) string {
	switch {
	case failures == 0:
		return domain.ScanCompleted
	case failures == jobs:
		return domain.ScanFailed
	default:
		return domain.ScanPartial
	}
}

func storeErr(op string, err error) error {
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
}
