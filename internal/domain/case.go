package domain

import (
	"time"
)

// CaseState is a lifecycle state of a case.
type CaseState string

const (
	StateOpen          CaseState = "OPEN"
	StateInvestigating CaseState = "INVESTIGATING"
	StateDiagnosed     CaseState = "DIAGNOSED"
	StateRecommended   CaseState = "RECOMMENDED"
	StateApproved      CaseState = "APPROVED"
	StateExecuting     CaseState = "EXECUTING"
	StateExecuted      CaseState = "EXECUTED"
	StateMeasuring     CaseState = "MEASURING"
	StateMeasured      CaseState = "MEASURED"
	StateClosed        CaseState = "CLOSED"
)

// AcceptsEvidence reports whether evidence and hypotheses may be attached in this state.
func (s CaseState) AcceptsEvidence() bool {
	return s == StateOpen || s == StateInvestigating
}

// CaseEvent is a request to move a case along its lifecycle.
type CaseEvent string

const (
	EventStartInvestigation   CaseEvent = "START_INVESTIGATION"
	EventDiagnose             CaseEvent = "DIAGNOSE"
	EventRecommendAction      CaseEvent = "RECOMMEND_ACTION"
	EventApproveAction        CaseEvent = "APPROVE_ACTION"
	EventRejectAction         CaseEvent = "REJECT_ACTION"
	EventStartExecution       CaseEvent = "START_EXECUTION"
	EventExecutionSuccess     CaseEvent = "EXECUTION_SUCCESS"
	EventExecutionFailed      CaseEvent = "EXECUTION_FAILED"
	EventStartMeasurement     CaseEvent = "START_MEASUREMENT"
	EventMeasurementComplete  CaseEvent = "MEASUREMENT_COMPLETE"
	EventCloseAsNoise         CaseEvent = "CLOSE_AS_NOISE"
	EventCloseAsFalsePositive CaseEvent = "CLOSE_AS_FALSE_POSITIVE"
	EventCloseNoActionNeeded  CaseEvent = "CLOSE_NO_ACTION_NEEDED"
	EventCancel               CaseEvent = "CANCEL"
	EventSkipMeasurement      CaseEvent = "SKIP_MEASUREMENT"
	EventCloseWithLearnings   CaseEvent = "CLOSE_WITH_LEARNINGS"
	EventReopen               CaseEvent = "REOPEN"
)

// Case sources.
const (
	SourceDetector = "detector"
	SourceManual   = "manual"
)

// Case is the persistent unit of investigative work.
// Child collections are stored as append-only rows keyed by case ID.
type Case struct {
	ID       string    `json:"caseId"`
	TenantID string    `json:"tenantId"`
	Type     string    `json:"caseType"`
	Title    string    `json:"title"`
	Severity Severity  `json:"severity"`
	State    CaseState `json:"state"`
	Scope    CaseScope `json:"scope"`

	Evidence           []EvidenceItem `json:"evidence"`
	Hypotheses         []Hypothesis   `json:"hypotheses"`
	Diagnosis          *Diagnosis     `json:"diagnosis,omitempty"`
	RecommendedActions []Action       `json:"recommendedActions"`
	Outcome            *Outcome       `json:"outcome,omitempty"`

	// Provenance
	Source     string `json:"source"`
	DetectorID string `json:"detectorId,omitempty"`
	RunID      string `json:"runId,omitempty"`

	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	ClosedBy  string     `json:"closedBy,omitempty"`
}

// CaseScope identifies who and where a case is about.
type CaseScope struct {
	ScopeID   string `json:"scopeId"`
	ActorID   string `json:"actorId"`
	ActorName string `json:"actorName,omitempty"`
	ActorRole string `json:"actorRole,omitempty"`
}

// Action returns the action with the given ID, or nil.
func (c *Case) Action(actionID string) *Action {
	for i := range c.RecommendedActions {
		if c.RecommendedActions[i].ID == actionID {
			return &c.RecommendedActions[i]
		}
	}
	return nil
}

// Hypothesis returns the hypothesis with the given ID, or nil.
func (c *Case) Hypothesis(hypothesisID string) *Hypothesis {
	for i := range c.Hypotheses {
		if c.Hypotheses[i].ID == hypothesisID {
			return &c.Hypotheses[i]
		}
	}
	return nil
}

// ObservedSignals returns the distinct signal names carried by the case evidence.
func (c *Case) ObservedSignals() []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range c.Evidence {
		for _, s := range e.Signals {
			if seen[s] {
				continue
			}
			seen[s] = true
			names = append(names, s)
		}
	}
	return names
}

// Evidence kinds.
const (
	EvidenceFinding    = "finding"
	EvidenceNote       = "note"
	EvidenceCorrection = "correction"
	EvidenceSignal     = "signal"
)

// EvidenceItem is an append-only entry attached to a case.
type EvidenceItem struct {
	ID      string    `json:"id"`
	CaseID  string    `json:"caseId"`
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	Signals []string  `json:"signals,omitempty"`
	Data    any       `json:"data,omitempty"`
	AddedAt time.Time `json:"addedAt"`
	AddedBy string    `json:"addedBy"`
}

// HypothesisStatus tracks operator review of a hypothesis.
type HypothesisStatus string

const (
	HypothesisPending   HypothesisStatus = "pending"
	HypothesisConfirmed HypothesisStatus = "confirmed"
	HypothesisRejected  HypothesisStatus = "rejected"
)

// Hypothesis is a candidate explanation for the evidence on a case.
type Hypothesis struct {
	ID                 string           `json:"id"`
	CaseID             string           `json:"caseId"`
	TemplateID         string           `json:"templateId,omitempty"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Confidence         float64          `json:"confidence"`
	SupportingEvidence []string         `json:"supportingEvidence"`
	Status             HypothesisStatus `json:"status"`
	Source             string           `json:"source"` // catalog, drafter or operator
	CreatedAt          time.Time        `json:"createdAt"`
}

// Diagnosis is the ranked hypothesis result recorded on a case.
type Diagnosis struct {
	Catalog         string       `json:"catalog"`
	Primary         Hypothesis   `json:"primary"`
	Alternatives    []Hypothesis `json:"alternatives"`
	ObservedSignals []string     `json:"observedSignals"`
	DiagnosedAt     time.Time    `json:"diagnosedAt"`
}

// Outcome is recorded when a case closes.
type Outcome struct {
	Resolution string    `json:"resolution"`
	Summary    string    `json:"summary,omitempty"`
	Learnings  string    `json:"learnings,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// CaseFilter narrows case listings.
type CaseFilter struct {
	State    CaseState
	Severity Severity
	Type     string
	ScopeID  string
	ActorID  string
	Limit    int
}
