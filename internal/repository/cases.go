package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const caseColumns = `
	id, tenant_id, case_type, title, severity, state, scope_id, actor_id, actor_name, actor_role,
	diagnosis, outcome, source, detector_id, run_id, version, created_at, updated_at, closed_at, closed_by
`

// CreateCase stores a new case at version 1 together with its child rows and
// creation audit entries.
func (r *SQLRepository) CreateCase(ctx context.Context, tenantID string, c *domain.Case, audit []domain.AuditLogEntry) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if c.ID == "" {
		return fmt.Errorf("%w: case id is required", domain.ErrInvalidInput)
	}
	c.TenantID = tenantID
	c.Version = 1

	diagnosis, err := encode(c.Diagnosis)
	if err != nil {
		return err
	}
	outcome, err := encode(c.Outcome)
	if err != nil {
		return err
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	query := `INSERT INTO cases (` + caseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := dbtx.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.Type, c.Title, string(c.Severity), string(c.State),
		c.Scope.ScopeID, c.Scope.ActorID, c.Scope.ActorName, c.Scope.ActorRole,
		diagnosis, outcome, c.Source, c.DetectorID, c.RunID, c.Version,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(), closedAt(c), c.ClosedBy,
	); err != nil {
		return fmt.Errorf("failed to insert case: %w", err)
	}

	if err := r.insertChildren(ctx, dbtx, tenantID, c.ID, 0, c.Evidence, c.Hypotheses, c.RecommendedActions); err != nil {
		return err
	}
	if err := r.insertAudit(ctx, dbtx, tenantID, c.ID, c.Version, audit); err != nil {
		return err
	}

	return dbtx.Commit()
}

// GetCase retrieves a case with all child rows.
func (r *SQLRepository) GetCase(ctx context.Context, tenantID string, caseID string) (*domain.Case, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + caseColumns + ` FROM cases WHERE tenant_id = ? AND id = ?`
	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := r.loadChildren(ctx, tenantID, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCases returns case headers matching the filter, newest first.
// Child rows are not loaded.
func (r *SQLRepository) ListCases(ctx context.Context, tenantID string, filter domain.CaseFilter) ([]*domain.Case, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Type != "" {
		where = append(where, "case_type = ?")
		args = append(args, filter.Type)
	}
	if filter.ScopeID != "" {
		where = append(where, "scope_id = ?")
		args = append(args, filter.ScopeID)
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}

	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return r.queryCases(ctx, query, args...)
}

// FindCases returns every case about an actor in a scope, newest first.
func (r *SQLRepository) FindCases(ctx context.Context, tenantID string, actorID, scopeID, caseType string) ([]*domain.Case, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + caseColumns + ` FROM cases
		WHERE tenant_id = ? AND actor_id = ? AND scope_id = ? AND case_type = ?
		ORDER BY created_at DESC, id`
	return r.queryCases(ctx, query, tenantID, actorID, scopeID, caseType)
}

func (r *SQLRepository) queryCases(ctx context.Context, query string, args ...any) ([]*domain.Case, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// CommitCase writes one optimistic change: the header update guarded by the
// expected version, new and updated child rows, and the audit entries, in a
// single transaction.
func (r *SQLRepository) CommitCase(ctx context.Context, tenantID string, change *domain.CaseChange) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	if change == nil || change.Case == nil {
		return 0, fmt.Errorf("%w: change has no case", domain.ErrInvalidInput)
	}
	c := change.Case

	diagnosis, err := encode(c.Diagnosis)
	if err != nil {
		return 0, err
	}
	outcome, err := encode(c.Outcome)
	if err != nil {
		return 0, err
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer dbtx.Rollback()

	query := `
		UPDATE cases SET
			title = ?, severity = ?, state = ?, actor_name = ?, actor_role = ?,
			diagnosis = ?, outcome = ?, updated_at = ?, closed_at = ?, closed_by = ?,
			version = version + 1
		WHERE tenant_id = ? AND id = ? AND version = ?
	`
	result, err := dbtx.ExecContext(ctx, r.rebind(query),
		c.Title, string(c.Severity), string(c.State), c.Scope.ActorName, c.Scope.ActorRole,
		diagnosis, outcome, c.UpdatedAt.UTC(), closedAt(c), c.ClosedBy,
		tenantID, c.ID, c.Version,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update case: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var exists int
		err := dbtx.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM cases WHERE tenant_id = ? AND id = ?`), tenantID, c.ID).Scan(&exists)
		if err != nil {
			return 0, err
		}
		if exists == 0 {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("%w: case %s is no longer at version %d", domain.ErrConflict, c.ID, c.Version)
	}
	newVersion := c.Version + 1

	if err := r.insertChildren(ctx, dbtx, tenantID, c.ID, -1, change.NewEvidence, change.NewHypotheses, change.NewActions); err != nil {
		return 0, err
	}

	for _, h := range change.HypothesisUpdates {
		if _, err := dbtx.ExecContext(ctx, r.rebind(`
			UPDATE case_hypotheses SET status = ?
			WHERE tenant_id = ? AND case_id = ? AND id = ?
		`), string(h.Status), tenantID, c.ID, h.ID); err != nil {
			return 0, fmt.Errorf("failed to update hypothesis %s: %w", h.ID, err)
		}
	}
	for _, a := range change.ActionUpdates {
		if _, err := dbtx.ExecContext(ctx, r.rebind(`
			UPDATE case_actions SET state = ?, execution_result = ?, decided_by = ?, updated_at = ?
			WHERE tenant_id = ? AND case_id = ? AND id = ?
		`), string(a.State), a.ExecutionResult, a.DecidedBy, a.UpdatedAt.UTC(), tenantID, c.ID, a.ID); err != nil {
			return 0, fmt.Errorf("failed to update action %s: %w", a.ID, err)
		}
	}

	if err := r.insertAudit(ctx, dbtx, tenantID, c.ID, newVersion, change.Audit); err != nil {
		return 0, err
	}

	if err := dbtx.Commit(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// GetActionCaseID returns the case that owns an action.
func (r *SQLRepository) GetActionCaseID(ctx context.Context, tenantID string, actionID string) (string, error) {
	if err := requireTenant(tenantID); err != nil {
		return "", err
	}

	var caseID string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT case_id FROM case_actions WHERE tenant_id = ? AND id = ?`), tenantID, actionID).Scan(&caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return caseID, err
}

// GetEvidenceCaseID returns the case that holds an evidence item.
func (r *SQLRepository) GetEvidenceCaseID(ctx context.Context, tenantID string, evidenceID string) (string, error) {
	if err := requireTenant(tenantID); err != nil {
		return "", err
	}

	var caseID string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT case_id FROM case_evidence WHERE tenant_id = ? AND id = ?`), tenantID, evidenceID).Scan(&caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return caseID, err
}

// ListAuditLog returns the audit trail of a case in replay order.
func (r *SQLRepository) ListAuditLog(ctx context.Context, tenantID string, caseID string) ([]domain.AuditLogEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, case_id, case_version, position, actor, action,
			   target_type, target_id, changes, context, created_at
		FROM audit_log
		WHERE tenant_id = ? AND case_id = ?
		ORDER BY case_version, position
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var changes, auditCtx sql.NullString
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.CaseID, &e.CaseVersion, &e.Position, &e.Actor, &e.Action,
			&e.TargetType, &e.TargetID, &changes, &auditCtx, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := decode(changes, &e.Changes); err != nil {
			return nil, err
		}
		if err := decode(auditCtx, &e.Context); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func closedAt(c *domain.Case) sql.NullTime {
	if c.ClosedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: c.ClosedAt.UTC(), Valid: true}
}

func scanCase(s scanner) (*domain.Case, error) {
	var c domain.Case
	var diagnosis, outcome sql.NullString
	var closed sql.NullTime

	if err := s.Scan(
		&c.ID, &c.TenantID, &c.Type, &c.Title, &c.Severity, &c.State,
		&c.Scope.ScopeID, &c.Scope.ActorID, &c.Scope.ActorName, &c.Scope.ActorRole,
		&diagnosis, &outcome, &c.Source, &c.DetectorID, &c.RunID, &c.Version,
		&c.CreatedAt, &c.UpdatedAt, &closed, &c.ClosedBy,
	); err != nil {
		return nil, err
	}

	if err := decode(diagnosis, &c.Diagnosis); err != nil {
		return nil, err
	}
	if err := decode(outcome, &c.Outcome); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if closed.Valid {
		t := closed.Time.UTC()
		c.ClosedAt = &t
	}
	return &c, nil
}

// insertChildren appends evidence, hypothesis and action rows. A negative
// base continues after the rows already stored for the case.
func (r *SQLRepository) insertChildren(ctx context.Context, dbtx *sql.Tx, tenantID, caseID string, base int, evidence []domain.EvidenceItem, hypotheses []domain.Hypothesis, actions []domain.Action) error {
	if len(evidence) > 0 {
		pos, err := r.nextPosition(ctx, dbtx, "case_evidence", tenantID, caseID, base)
		if err != nil {
			return err
		}
		for i, e := range evidence {
			if err := r.insertEvidence(ctx, dbtx, tenantID, caseID, pos+i, e); err != nil {
				return err
			}
		}
	}

	if len(hypotheses) > 0 {
		pos, err := r.nextPosition(ctx, dbtx, "case_hypotheses", tenantID, caseID, base)
		if err != nil {
			return err
		}
		for i, h := range hypotheses {
			if err := r.insertHypothesis(ctx, dbtx, tenantID, caseID, pos+i, h); err != nil {
				return err
			}
		}
	}

	if len(actions) > 0 {
		pos, err := r.nextPosition(ctx, dbtx, "case_actions", tenantID, caseID, base)
		if err != nil {
			return err
		}
		for i, a := range actions {
			if err := r.insertAction(ctx, dbtx, tenantID, caseID, pos+i, a); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *SQLRepository) nextPosition(ctx context.Context, dbtx *sql.Tx, table, tenantID, caseID string, base int) (int, error) {
	if base >= 0 {
		return base, nil
	}
	var next int
	query := fmt.Sprintf(`SELECT COALESCE(MAX(position), -1) + 1 FROM %s WHERE tenant_id = ? AND case_id = ?`, table)
	if err := dbtx.QueryRowContext(ctx, r.rebind(query), tenantID, caseID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to read %s position: %w", table, err)
	}
	return next, nil
}

func (r *SQLRepository) insertEvidence(ctx context.Context, ex execer, tenantID, caseID string, pos int, e domain.EvidenceItem) error {
	signals, err := encodeList(e.Signals)
	if err != nil {
		return err
	}
	data, err := encode(e.Data)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, r.rebind(`
		INSERT INTO case_evidence (id, tenant_id, case_id, position, kind, content, signals, data, added_at, added_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, tenantID, caseID, pos, e.Kind, e.Content, signals, data, e.AddedAt.UTC(), e.AddedBy)
	if err != nil {
		return fmt.Errorf("failed to insert evidence %s: %w", e.ID, err)
	}
	return nil
}

func (r *SQLRepository) insertHypothesis(ctx context.Context, ex execer, tenantID, caseID string, pos int, h domain.Hypothesis) error {
	supporting, err := encodeList(h.SupportingEvidence)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, r.rebind(`
		INSERT INTO case_hypotheses (
			id, tenant_id, case_id, position, template_id, title, description,
			confidence, supporting_evidence, status, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), h.ID, tenantID, caseID, pos, h.TemplateID, h.Title, h.Description,
		h.Confidence, supporting, string(h.Status), h.Source, h.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert hypothesis %s: %w", h.ID, err)
	}
	return nil
}

func (r *SQLRepository) insertAction(ctx context.Context, ex execer, tenantID, caseID string, pos int, a domain.Action) error {
	params, err := encode(a.Params)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, r.rebind(`
		INSERT INTO case_actions (
			id, tenant_id, case_id, position, type, approval_level, state, params,
			expected_impact, execution_result, decided_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, tenantID, caseID, pos, a.Type, string(a.ApprovalLevel), string(a.State), params,
		a.ExpectedImpact, a.ExecutionResult, a.DecidedBy, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert action %s: %w", a.ID, err)
	}
	return nil
}

// insertAudit stamps entries with the committed version and their position.
func (r *SQLRepository) insertAudit(ctx context.Context, ex execer, tenantID, caseID string, version int, entries []domain.AuditLogEntry) error {
	for i, e := range entries {
		changes, err := encode(e.Changes)
		if err != nil {
			return err
		}
		auditCtx, err := encode(e.Context)
		if err != nil {
			return err
		}

		_, err = ex.ExecContext(ctx, r.rebind(`
			INSERT INTO audit_log (
				id, tenant_id, case_id, case_version, position, actor, action,
				target_type, target_id, changes, context, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), e.ID, tenantID, caseID, version, i, e.Actor, e.Action,
			e.TargetType, e.TargetID, changes, auditCtx, e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) loadChildren(ctx context.Context, tenantID string, c *domain.Case) error {
	if err := r.loadEvidence(ctx, tenantID, c); err != nil {
		return err
	}
	if err := r.loadHypotheses(ctx, tenantID, c); err != nil {
		return err
	}
	return r.loadActions(ctx, tenantID, c)
}

func (r *SQLRepository) loadEvidence(ctx context.Context, tenantID string, c *domain.Case) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, case_id, kind, content, signals, data, added_at, added_by
		FROM case_evidence WHERE tenant_id = ? AND case_id = ? ORDER BY position
	`), tenantID, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.EvidenceItem
		var signals, data sql.NullString
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Kind, &e.Content, &signals, &data, &e.AddedAt, &e.AddedBy); err != nil {
			return err
		}
		if err := decode(signals, &e.Signals); err != nil {
			return err
		}
		if err := decode(data, &e.Data); err != nil {
			return err
		}
		e.AddedAt = e.AddedAt.UTC()
		c.Evidence = append(c.Evidence, e)
	}
	return rows.Err()
}

func (r *SQLRepository) loadHypotheses(ctx context.Context, tenantID string, c *domain.Case) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, case_id, template_id, title, description, confidence, supporting_evidence, status, source, created_at
		FROM case_hypotheses WHERE tenant_id = ? AND case_id = ? ORDER BY position
	`), tenantID, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var h domain.Hypothesis
		var supporting sql.NullString
		if err := rows.Scan(&h.ID, &h.CaseID, &h.TemplateID, &h.Title, &h.Description, &h.Confidence, &supporting, &h.Status, &h.Source, &h.CreatedAt); err != nil {
			return err
		}
		if err := decode(supporting, &h.SupportingEvidence); err != nil {
			return err
		}
		h.CreatedAt = h.CreatedAt.UTC()
		c.Hypotheses = append(c.Hypotheses, h)
	}
	return rows.Err()
}

func (r *SQLRepository) loadActions(ctx context.Context, tenantID string, c *domain.Case) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, case_id, type, approval_level, state, params, expected_impact, execution_result, decided_by, created_at, updated_at
		FROM case_actions WHERE tenant_id = ? AND case_id = ? ORDER BY position
	`), tenantID, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.Action
		var params sql.NullString
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Type, &a.ApprovalLevel, &a.State, &params, &a.ExpectedImpact, &a.ExecutionResult, &a.DecidedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return err
		}
		if err := decode(params, &a.Params); err != nil {
			return err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		a.UpdatedAt = a.UpdatedAt.UTC()
		c.RecommendedActions = append(c.RecommendedActions, a)
	}
	return rows.Err()
}
