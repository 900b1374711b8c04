package cases

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/casefsm"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// actionStep couples an action move with the case event that accompanies it.
type actionStep struct {
	to     domain.ActionState
	event  domain.CaseEvent
	gated  bool
	result *string
}

// ApproveAction approves a PENDING action and moves the case to APPROVED.
// Other pending actions on the case are left untouched.
func (s *Service) ApproveAction(ctx context.Context, tenantID, actionID string, actor domain.Actor) (*domain.Case, error) {
	return s.step(ctx, tenantID, actionID, actor, actionStep{
		to:    domain.ActionApproved,
		event: domain.EventApproveAction,
		gated: true,
	})
}

// RejectAction rejects a PENDING action and returns the case to DIAGNOSED.
func (s *Service) RejectAction(ctx context.Context, tenantID, actionID string, actor domain.Actor) (*domain.Case, error) {
	return s.step(ctx, tenantID, actionID, actor, actionStep{
		to:    domain.ActionRejected,
		event: domain.EventRejectAction,
		gated: true,
	})
}

// StartExecution starts an APPROVED (or previously FAILED) action.
func (s *Service) StartExecution(ctx context.Context, tenantID, actionID string, actor domain.Actor) (*domain.Case, error) {
	return s.step(ctx, tenantID, actionID, actor, actionStep{
		to:    domain.ActionExecuting,
		event: domain.EventStartExecution,
	})
}

// CompleteExecution records the result of an EXECUTING action. A failure
// returns the case to APPROVED so the action can be retried or cancelled.
func (s *Service) CompleteExecution(ctx context.Context, tenantID, actionID string, success bool, result string, actor domain.Actor) (*domain.Case, error) {
	st := actionStep{
		to:     domain.ActionExecuted,
		event:  domain.EventExecutionSuccess,
		result: &result,
	}
	if !success {
		st.to = domain.ActionFailed
		st.event = domain.EventExecutionFailed
	}
	return s.step(ctx, tenantID, actionID, actor, st)
}

func (s *Service) step(ctx context.Context, tenantID, actionID string, actor domain.Actor, st actionStep) (*domain.Case, error) {
	caseID, err := s.repo.GetActionCaseID(ctx, tenantID, actionID)
	if err != nil {
		return nil, storeErr("find action", err)
	}

	return s.mutate(ctx, tenantID, caseID, actor, func(e *edit) error {
		a := e.c.Action(actionID)
		if a == nil {
			return fmt.Errorf("action %s: %w", actionID, domain.ErrNotFound)
		}
		if st.gated {
			if err := casefsm.CanApprove(a.ApprovalLevel, actor); err != nil {
				metrics.ApprovalsDenied.WithLabelValues(string(a.ApprovalLevel)).Inc()
				return err
			}
		}
		// The case must accept the event before the action moves.
		if _, err := casefsm.Next(e.c.State, st.event); err != nil {
			return err
		}

		if st.result != nil {
			a.ExecutionResult = *st.result
		}
		if err := e.moveAction(a, st.to); err != nil {
			return err
		}
		return e.transitionFor(st.event, a.ID)
	})
}
