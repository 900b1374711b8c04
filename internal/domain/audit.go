package domain

import (
	"time"
)

// Audit target types.
const (
	TargetCase       = "case"
	TargetEvidence   = "evidence"
	TargetHypothesis = "hypothesis"
	TargetAction     = "action"
)

// Audit actions that are not case events.
const (
	AuditCreate            = "CREATE"
	AuditAddEvidence       = "ADD_EVIDENCE"
	AuditAddHypothesis     = "ADD_HYPOTHESIS"
	AuditConfirmHypothesis = "CONFIRM_HYPOTHESIS"
	AuditRejectHypothesis  = "REJECT_HYPOTHESIS"
	AuditCreateAction      = "CREATE_ACTION"
	AuditActionState       = "ACTION_STATE"
	AuditEscalate          = "ESCALATE"
	AuditRecordOutcome     = "RECORD_OUTCOME"
)

// AuditLogEntry is an immutable record of one mutation.
// Entries for a case are ordered by (CaseVersion, Position).
type AuditLogEntry struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	CaseID      string         `json:"caseId"`
	CaseVersion int            `json:"caseVersion"`
	Position    int            `json:"position"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	TargetType  string         `json:"targetType"`
	TargetID    string         `json:"targetId"`
	Changes     map[string]any `json:"changes,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// CaseChange is one optimistic write against a case: the new header plus the
// child rows appended or updated by the mutation.
type CaseChange struct {
	// Case carries the new header. Case.Version is the version the change was computed from.
	Case *Case

	NewEvidence       []EvidenceItem
	NewHypotheses     []Hypothesis
	HypothesisUpdates []Hypothesis
	NewActions        []Action
	ActionUpdates     []Action
	Audit             []AuditLogEntry
}

// Empty reports whether the change carries nothing to write.
func (c *CaseChange) Empty() bool {
	return len(c.Audit) == 0
}
