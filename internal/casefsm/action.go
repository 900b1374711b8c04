package casefsm

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var actionTable = map[domain.ActionState][]domain.ActionState{
	domain.ActionPending:   {domain.ActionApproved, domain.ActionRejected, domain.ActionCancelled},
	domain.ActionApproved:  {domain.ActionExecuting, domain.ActionCancelled},
	domain.ActionExecuting: {domain.ActionExecuted, domain.ActionFailed},
	domain.ActionFailed:    {domain.ActionExecuting, domain.ActionCancelled},
}

// MoveAction changes an action's state and returns the audit entry for it.
// On error the action is left untouched.
func MoveAction(c *domain.Case, a *domain.Action, to domain.ActionState, actor string, at time.Time) (domain.AuditLogEntry, error) {
	from := a.State
	allowed := false
	for _, s := range actionTable[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.AuditLogEntry{}, fmt.Errorf("action %s: %w", a.ID, &domain.InvalidTransitionError{From: string(from), Event: string(to)})
	}

	a.State = to
	a.UpdatedAt = at
	if to == domain.ActionApproved || to == domain.ActionRejected {
		a.DecidedBy = actor
	}

	return domain.AuditLogEntry{
		TenantID:   c.TenantID,
		CaseID:     c.ID,
		Actor:      actor,
		Action:     domain.AuditActionState,
		TargetType: domain.TargetAction,
		TargetID:   a.ID,
		Changes: map[string]any{
			"from": string(from),
			"to":   string(to),
		},
		CreatedAt: at,
	}, nil
}

// CanApprove enforces the approval gate of an action level.
func CanApprove(level domain.ApprovalLevel, actor domain.Actor) error {
	switch level {
	case domain.ApprovalAuto:
		return nil
	case domain.ApprovalDraft, domain.ApprovalRequired:
		if actor.IsHuman() {
			return nil
		}
		return fmt.Errorf("%w: %s actions need a human approver", domain.ErrApprovalDenied, level)
	case domain.ApprovalCritical:
		if actor.IsHuman() && actor.Elevated {
			return nil
		}
		return fmt.Errorf("%w: %s actions need an elevated human approver", domain.ErrApprovalDenied, level)
	}
	return fmt.Errorf("%w: unknown approval level %q", domain.ErrInvalidInput, level)
}
