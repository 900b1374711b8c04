// Package casefsm is the case lifecycle: the transition table for cases and
// their actions, the single place a case changes state, and audit replay.
package casefsm

import (
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type transition struct {
	from []domain.CaseState
	to   domain.CaseState
}

// events lists every case event in table order.
var events = []domain.CaseEvent{
	domain.EventStartInvestigation,
	domain.EventDiagnose,
	domain.EventRecommendAction,
	domain.EventApproveAction,
	domain.EventRejectAction,
	domain.EventStartExecution,
	domain.EventExecutionSuccess,
	domain.EventExecutionFailed,
	domain.EventStartMeasurement,
	domain.EventMeasurementComplete,
	domain.EventCloseAsNoise,
	domain.EventCloseAsFalsePositive,
	domain.EventCloseNoActionNeeded,
	domain.EventCancel,
	domain.EventSkipMeasurement,
	domain.EventCloseWithLearnings,
	domain.EventReopen,
}

var table = map[domain.CaseEvent]transition{
	domain.EventStartInvestigation:   {from: states(domain.StateOpen), to: domain.StateInvestigating},
	domain.EventDiagnose:             {from: states(domain.StateOpen, domain.StateInvestigating), to: domain.StateDiagnosed},
	domain.EventRecommendAction:      {from: states(domain.StateDiagnosed), to: domain.StateRecommended},
	domain.EventApproveAction:        {from: states(domain.StateRecommended), to: domain.StateApproved},
	domain.EventRejectAction:         {from: states(domain.StateRecommended), to: domain.StateDiagnosed},
	domain.EventStartExecution:       {from: states(domain.StateApproved), to: domain.StateExecuting},
	domain.EventExecutionSuccess:     {from: states(domain.StateExecuting), to: domain.StateExecuted},
	domain.EventExecutionFailed:      {from: states(domain.StateExecuting), to: domain.StateApproved},
	domain.EventStartMeasurement:     {from: states(domain.StateExecuted), to: domain.StateMeasuring},
	domain.EventMeasurementComplete:  {from: states(domain.StateMeasuring), to: domain.StateMeasured},
	domain.EventCloseAsNoise:         {from: states(domain.StateOpen), to: domain.StateClosed},
	domain.EventCloseAsFalsePositive: {from: states(domain.StateInvestigating), to: domain.StateClosed},
	domain.EventCloseNoActionNeeded:  {from: states(domain.StateDiagnosed), to: domain.StateClosed},
	domain.EventCancel:               {from: states(domain.StateApproved), to: domain.StateClosed},
	domain.EventSkipMeasurement:      {from: states(domain.StateExecuted), to: domain.StateClosed},
	domain.EventCloseWithLearnings:   {from: states(domain.StateMeasured), to: domain.StateClosed},
	domain.EventReopen:               {from: states(domain.StateClosed), to: domain.StateOpen},
}

func states(s ...domain.CaseState) []domain.CaseState {
	return s
}

// Known reports whether name is a case event.
func Known(name string) bool {
	_, ok := table[domain.CaseEvent(name)]
	return ok
}

// Next returns the state an event leads to from the given state.
func Next(from domain.CaseState, event domain.CaseEvent) (domain.CaseState, error) {
	t, ok := table[event]
	if !ok {
		return "", fmt.Errorf("%w: unknown event %q", domain.ErrInvalidInput, event)
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return "", &domain.InvalidTransitionError{From: string(from), Event: string(event)}
}

// Allowed returns the events valid from a state, in table order.
func Allowed(from domain.CaseState) []domain.CaseEvent {
	var out []domain.CaseEvent
	for _, e := range events {
		if _, err := Next(from, e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// Closes reports whether an event ends in CLOSED.
func Closes(event domain.CaseEvent) bool {
	t, ok := table[event]
	return ok && t.to == domain.StateClosed
}

// Apply moves the case along one event and returns the audit entry for it.
// On error the case is left untouched. The caller assigns the entry's
// version, position and ID when committing.
func Apply(c *domain.Case, event domain.CaseEvent, actor string, at time.Time) (domain.AuditLogEntry, error) {
	from := c.State
	to, err := Next(from, event)
	if err != nil {
		return domain.AuditLogEntry{}, err
	}

	c.State = to
	c.UpdatedAt = at
	switch {
	case to == domain.StateClosed:
		closedAt := at
		c.ClosedAt = &closedAt
		c.ClosedBy = actor
	case from == domain.StateClosed:
		c.ClosedAt = nil
		c.ClosedBy = ""
	}

	return domain.AuditLogEntry{
		TenantID:   c.TenantID,
		CaseID:     c.ID,
		Actor:      actor,
		Action:     string(event),
		TargetType: domain.TargetCase,
		TargetID:   c.ID,
		Changes: map[string]any{
			"from": string(from),
			"to":   string(to),
		},
		CreatedAt: at,
	}, nil
}

// Replayed is the lifecycle state reconstructed from an audit log.
type Replayed struct {
	State    domain.CaseState `json:"state"`
	ClosedAt *time.Time       `json:"closedAt,omitempty"`
	ClosedBy string           `json:"closedBy,omitempty"`
	Events   int              `json:"events"`
}

// Replay starts a case at OPEN and reapplies every case transition in the
// log, ordered by (CaseVersion, Position).
func Replay(entries []domain.AuditLogEntry) (*Replayed, error) {
	ordered := make([]domain.AuditLogEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CaseVersion != ordered[j].CaseVersion {
			return ordered[i].CaseVersion < ordered[j].CaseVersion
		}
		return ordered[i].Position < ordered[j].Position
	})

	c := &domain.Case{State: domain.StateOpen}
	n := 0
	for _, e := range ordered {
		if e.TargetType != domain.TargetCase || !Known(e.Action) {
			continue
		}
		if _, err := Apply(c, domain.CaseEvent(e.Action), e.Actor, e.CreatedAt); err != nil {
			return nil, fmt.Errorf("replay failed at version %d position %d: %w", e.CaseVersion, e.Position, err)
		}
		n++
	}

	return &Replayed{State: c.State, ClosedAt: c.ClosedAt, ClosedBy: c.ClosedBy, Events: n}, nil
}

// Matches reports whether a replay reproduces the case's lifecycle fields.
func (r *Replayed) Matches(c *domain.Case) bool {
	if r.State != c.State || r.ClosedBy != c.ClosedBy {
		return false
	}
	if (r.ClosedAt == nil) != (c.ClosedAt == nil) {
		return false
	}
	return r.ClosedAt == nil || r.ClosedAt.Equal(*c.ClosedAt)
}
