package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    secondary_actor_id TEXT NOT NULL DEFAULT '',
    customer_id TEXT NOT NULL DEFAULT '',
    amount REAL NOT NULL,
    discount_amount REAL NOT NULL DEFAULT 0,
    discount_reason TEXT NOT NULL DEFAULT '',
    payment_method TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_window ON transactions(tenant_id, scope_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_actor ON transactions(tenant_id, actor_id);
`

const schemaActors = `
CREATE TABLE IF NOT EXISTS actors (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    scope_id TEXT NOT NULL DEFAULT '',
    hired_at TIMESTAMP,
    PRIMARY KEY (tenant_id, id)
);
`

const schemaFindings = `
CREATE TABLE IF NOT EXISTS findings (
    tenant_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    pattern_id TEXT NOT NULL,
    detector_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    confidence REAL NOT NULL,
    severity TEXT NOT NULL,
    signals TEXT NOT NULL,
    evidence TEXT NOT NULL,
    window_from TIMESTAMP NOT NULL,
    window_to TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_findings_actor ON findings(tenant_id, actor_id);
`

// schemaConsolidated holds one record per actor and scope per run.
// The unique key makes promotion idempotent across retries.
const schemaConsolidated = `
CREATE TABLE IF NOT EXISTS consolidated_findings (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    patterns TEXT NOT NULL,
    contributing TEXT NOT NULL,
    signals TEXT NOT NULL,
    evidence TEXT NOT NULL,
    confidence REAL NOT NULL,
    severity TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, run_id, actor_id, scope_id)
);
`

const schemaScanRuns = `
CREATE TABLE IF NOT EXISTS scan_runs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL,
    scopes TEXT NOT NULL,
    window_from TIMESTAMP NOT NULL,
    window_to TIMESTAMP NOT NULL,
    finding_count INTEGER NOT NULL,
    consolidated TEXT NOT NULL,
    case_ids TEXT NOT NULL,
    failures TEXT NOT NULL,
    promotion_failures TEXT NOT NULL DEFAULT '[]',
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

// schemaCases defines the case header. Evidence, hypotheses, actions and
// audit entries are child rows; version guards optimistic writes.
const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_type TEXT NOT NULL,
    title TEXT NOT NULL,
    severity TEXT NOT NULL,
    state TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    actor_name TEXT NOT NULL DEFAULT '',
    actor_role TEXT NOT NULL DEFAULT '',
    diagnosis TEXT,
    outcome TEXT,
    source TEXT NOT NULL,
    detector_id TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP,
    closed_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_cases_tenant ON cases(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_cases_state ON cases(tenant_id, state);
CREATE INDEX IF NOT EXISTS idx_cases_severity ON cases(tenant_id, severity);
CREATE INDEX IF NOT EXISTS idx_cases_subject ON cases(tenant_id, actor_id, scope_id);
`

const schemaCaseEvidence = `
CREATE TABLE IF NOT EXISTS case_evidence (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL,
    signals TEXT NOT NULL,
    data TEXT,
    added_at TIMESTAMP NOT NULL,
    added_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_case_evidence_case ON case_evidence(tenant_id, case_id, position);
`

const schemaCaseHypotheses = `
CREATE TABLE IF NOT EXISTS case_hypotheses (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    template_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL,
    supporting_evidence TEXT NOT NULL,
    status TEXT NOT NULL,
    source TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_case_hypotheses_case ON case_hypotheses(tenant_id, case_id, position);
`

const schemaCaseActions = `
CREATE TABLE IF NOT EXISTS case_actions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    type TEXT NOT NULL,
    approval_level TEXT NOT NULL,
    state TEXT NOT NULL,
    params TEXT,
    expected_impact TEXT NOT NULL DEFAULT '',
    execution_result TEXT NOT NULL DEFAULT '',
    decided_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_case_actions_case ON case_actions(tenant_id, case_id, position);
`

// schemaAuditLog is append-only. Entries replay in (case_version, position) order.
const schemaAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    case_version INTEGER NOT NULL,
    position INTEGER NOT NULL,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    target_type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    changes TEXT,
    context TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, case_id, case_version, position)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaActors,
		schemaFindings,
		schemaConsolidated,
		schemaScanRuns,
		schemaCases,
		schemaCaseEvidence,
		schemaCaseHypotheses,
		schemaCaseActions,
		schemaAuditLog,
	}
}
