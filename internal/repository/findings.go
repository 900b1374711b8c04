package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveFindings stores the raw detector findings of a run.
func (r *SQLRepository) SaveFindings(ctx context.Context, tenantID string, runID string, findings []domain.Finding) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if len(findings) == 0 {
		return nil
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	query := r.rebind(`
		INSERT INTO findings (
			tenant_id, run_id, position, pattern_id, detector_id, actor_id, scope_id,
			confidence, severity, signals, evidence, window_from, window_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	for i, f := range findings {
		signals, err := encodeList(f.Signals)
		if err != nil {
			return err
		}
		evidence, err := encode(f.Evidence)
		if err != nil {
			return err
		}
		if _, err := dbtx.ExecContext(ctx, query,
			tenantID, runID, i, f.PatternID, f.DetectorID, f.ActorID, f.ScopeID,
			f.Confidence, string(f.Severity), signals, evidence.String,
			f.WindowFrom.UTC(), f.WindowTo.UTC(),
		); err != nil {
			return err
		}
	}

	return dbtx.Commit()
}

// SaveConsolidated stores a consolidated finding once per (run, actor, scope).
func (r *SQLRepository) SaveConsolidated(ctx context.Context, tenantID string, cf *domain.ConsolidatedFinding) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}

	patterns, err := encodeList(cf.PatternsDetected)
	if err != nil {
		return false, err
	}
	contributing, err := encodeList(cf.ContributingFindings)
	if err != nil {
		return false, err
	}
	signals, err := encodeList(cf.Signals)
	if err != nil {
		return false, err
	}
	evidence, err := encode(cf.Evidence)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO consolidated_findings (
			id, tenant_id, run_id, actor_id, scope_id, patterns, contributing,
			signals, evidence, confidence, severity, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		cf.ID, tenantID, cf.RunID, cf.ActorID, cf.ScopeID, patterns, contributing,
		signals, evidence.String, cf.Confidence, string(cf.Severity), cf.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetConsolidatedID returns the id of the consolidated finding stored for
// (run, actor, scope).
func (r *SQLRepository) GetConsolidatedID(ctx context.Context, tenantID, runID, actorID, scopeID string) (string, error) {
	if err := requireTenant(tenantID); err != nil {
		return "", err
	}

	query := `
		SELECT id FROM consolidated_findings
		WHERE tenant_id = ? AND run_id = ? AND actor_id = ? AND scope_id = ?
	`

	var id string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID, actorID, scopeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return id, err
}

// SaveScanRun stores or updates a scan run summary.
func (r *SQLRepository) SaveScanRun(ctx context.Context, tenantID string, run *domain.ScanResult) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	scopes, err := encodeList(run.Scopes)
	if err != nil {
		return err
	}
	consolidated, err := encodeList(run.Consolidated)
	if err != nil {
		return err
	}
	caseIDs, err := encodeList(run.CaseIDs)
	if err != nil {
		return err
	}
	failures, err := encodeList(run.Failures)
	if err != nil {
		return err
	}
	promotionFailures, err := encodeList(run.PromotionFailures)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scan_runs (
			id, tenant_id, status, scopes, window_from, window_to, finding_count,
			consolidated, case_ids, failures, promotion_failures, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			status = excluded.status,
			finding_count = excluded.finding_count,
			consolidated = excluded.consolidated,
			case_ids = excluded.case_ids,
			failures = excluded.failures,
			promotion_failures = excluded.promotion_failures,
			completed_at = excluded.completed_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.RunID, tenantID, run.Status, scopes, run.From.UTC(), run.To.UTC(), run.FindingCount,
		consolidated, caseIDs, failures, promotionFailures, run.StartedAt.UTC(), run.CompletedAt.UTC(),
	)
	return err
}

// GetScanRun retrieves a scan run summary.
func (r *SQLRepository) GetScanRun(ctx context.Context, tenantID string, runID string) (*domain.ScanResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, status, scopes, window_from, window_to, finding_count,
			   consolidated, case_ids, failures, promotion_failures, started_at, completed_at
		FROM scan_runs
		WHERE tenant_id = ? AND id = ?
	`

	var run domain.ScanResult
	var scopes, consolidated, caseIDs, failures, promotionFailures sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID).Scan(
		&run.RunID, &run.TenantID, &run.Status, &scopes, &run.From, &run.To, &run.FindingCount,
		&consolidated, &caseIDs, &failures, &promotionFailures, &run.StartedAt, &run.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, col := range []struct {
		raw sql.NullString
		dst any
	}{
		{scopes, &run.Scopes},
		{consolidated, &run.Consolidated},
		{caseIDs, &run.CaseIDs},
		{failures, &run.Failures},
		{promotionFailures, &run.PromotionFailures},
	} {
		if err := decode(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	run.From, run.To = run.From.UTC(), run.To.UTC()
	run.StartedAt, run.CompletedAt = run.StartedAt.UTC(), run.CompletedAt.UTC()

	return &run, nil
}
