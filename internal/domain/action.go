package domain

import (
	"time"
)

// ApprovalLevel is the human gate an action must pass before it may execute.
type ApprovalLevel string

const (
	ApprovalAuto     ApprovalLevel = "AUTO"     // no human gate
	ApprovalDraft    ApprovalLevel = "DRAFT"    // prepared, not sent
	ApprovalRequired ApprovalLevel = "APPROVAL" // requires sign-off
	ApprovalCritical ApprovalLevel = "CRITICAL" // requires elevated sign-off
)

// Valid reports whether l is a known approval level.
func (l ApprovalLevel) Valid() bool {
	switch l {
	case ApprovalAuto, ApprovalDraft, ApprovalRequired, ApprovalCritical:
		return true
	}
	return false
}

// ActionState is the state of a single remediation action.
type ActionState string

const (
	ActionPending   ActionState = "PENDING"
	ActionApproved  ActionState = "APPROVED"
	ActionRejected  ActionState = "REJECTED"
	ActionExecuting ActionState = "EXECUTING"
	ActionExecuted  ActionState = "EXECUTED"
	ActionFailed    ActionState = "FAILED"
	ActionCancelled ActionState = "CANCELLED"
)

// Outstanding reports whether an action may still be executed.
func (s ActionState) Outstanding() bool {
	return s == ActionPending || s == ActionApproved || s == ActionFailed
}

// Action is a recommended or executed remediation owned by a case.
type Action struct {
	ID              string         `json:"actionId"`
	CaseID          string         `json:"caseId"`
	Type            string         `json:"type"`
	ApprovalLevel   ApprovalLevel  `json:"approvalLevel"`
	State           ActionState    `json:"state"`
	Params          map[string]any `json:"params,omitempty"`
	ExpectedImpact  string         `json:"expectedImpact,omitempty"`
	ExecutionResult string         `json:"executionResult,omitempty"`
	DecidedBy       string         `json:"decidedBy,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// ActionSpec describes an action to recommend.
type ActionSpec struct {
	Type           string         `json:"type" yaml:"type"`
	ApprovalLevel  ApprovalLevel  `json:"approvalLevel" yaml:"approvalLevel"`
	Params         map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	ExpectedImpact string         `json:"expectedImpact,omitempty" yaml:"expectedImpact,omitempty"`
}

// Actor kinds.
const (
	ActorSystem = "system"
	ActorHuman  = "human"
)

// Actor identifies who issues a case command.
type Actor struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Elevated bool   `json:"elevated,omitempty"`
}

// SystemActor is used for detector-driven mutations.
var SystemActor = Actor{ID: "system", Kind: ActorSystem}

// IsHuman reports whether the actor is an operator.
func (a Actor) IsHuman() bool {
	return a.Kind == ActorHuman
}
