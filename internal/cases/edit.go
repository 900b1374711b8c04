package cases

import (
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/casefsm"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// edit accumulates one read-modify-write against a case. Helpers update the
// in-memory case and queue the matching rows and audit entries on the change;
// a failed edit is discarded before anything is written.
type edit struct {
	c      *domain.Case
	change *domain.CaseChange
	actor  domain.Actor
	at     time.Time

	events  []domain.CaseEvent
	notices []notice
}

type notice struct {
	topic    string
	event    string
	actionID string
}

func newEdit(c *domain.Case, actor domain.Actor, at time.Time) *edit {
	return &edit{
		c:      c,
		change: &domain.CaseChange{Case: c},
		actor:  actor,
		at:     at,
	}
}

func (e *edit) record(entry domain.AuditLogEntry) {
	entry.ID = uuid.New().String()
	entry.TenantID = e.c.TenantID
	entry.CaseID = e.c.ID
	if entry.Actor == "" {
		entry.Actor = e.actor.ID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.at
	}
	e.change.Audit = append(e.change.Audit, entry)
	e.c.UpdatedAt = e.at
}

func (e *edit) notify(topic string, event string, actionID string) {
	e.notices = append(e.notices, notice{topic: topic, event: event, actionID: actionID})
}

// transition applies a case event.
func (e *edit) transition(event domain.CaseEvent) error {
	return e.transitionFor(event, "")
}

// transitionFor applies a case event driven by an action.
func (e *edit) transitionFor(event domain.CaseEvent, actionID string) error {
	entry, err := casefsm.Apply(e.c, event, e.actor.ID, e.at)
	if err != nil {
		return err
	}
	if actionID != "" {
		entry.Context = map[string]any{"actionId": actionID}
	}
	e.record(entry)
	e.events = append(e.events, event)
	e.notify(domain.TopicCaseTransitioned, string(event), actionID)
	return nil
}

// moveAction changes one action's state and queues its row update.
func (e *edit) moveAction(a *domain.Action, to domain.ActionState) error {
	entry, err := casefsm.MoveAction(e.c, a, to, e.actor.ID, e.at)
	if err != nil {
		return err
	}
	e.record(entry)

	for i := range e.change.ActionUpdates {
		if e.change.ActionUpdates[i].ID == a.ID {
			e.change.ActionUpdates[i] = *a
			return nil
		}
	}
	e.change.ActionUpdates = append(e.change.ActionUpdates, *a)
	return nil
}

func (e *edit) addEvidence(item domain.EvidenceItem) domain.EvidenceItem {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.CaseID = e.c.ID
	item.AddedAt = e.at
	item.AddedBy = e.actor.ID

	e.c.Evidence = append(e.c.Evidence, item)
	e.change.NewEvidence = append(e.change.NewEvidence, item)
	e.record(domain.AuditLogEntry{
		Action:     domain.AuditAddEvidence,
		TargetType: domain.TargetEvidence,
		TargetID:   item.ID,
		Changes: map[string]any{
			"kind":    item.Kind,
			"signals": item.Signals,
		},
	})
	return item
}

func (e *edit) addHypothesis(h domain.Hypothesis) {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	h.CaseID = e.c.ID
	if h.CreatedAt.IsZero() {
		h.CreatedAt = e.at
	}
	if h.SupportingEvidence == nil {
		h.SupportingEvidence = []string{}
	}

	e.c.Hypotheses = append(e.c.Hypotheses, h)
	e.change.NewHypotheses = append(e.change.NewHypotheses, h)
	e.record(domain.AuditLogEntry{
		Action:     domain.AuditAddHypothesis,
		TargetType: domain.TargetHypothesis,
		TargetID:   h.ID,
		Changes: map[string]any{
			"templateId": h.TemplateID,
			"confidence": h.Confidence,
			"source":     h.Source,
		},
	})
}

func (e *edit) reviewHypothesis(h *domain.Hypothesis, status domain.HypothesisStatus) {
	from := h.Status
	h.Status = status
	e.change.HypothesisUpdates = append(e.change.HypothesisUpdates, *h)

	action := domain.AuditConfirmHypothesis
	if status == domain.HypothesisRejected {
		action = domain.AuditRejectHypothesis
	}
	e.record(domain.AuditLogEntry{
		Action:     action,
		TargetType: domain.TargetHypothesis,
		TargetID:   h.ID,
		Changes: map[string]any{
			"from": string(from),
			"to":   string(status),
		},
	})
}

func (e *edit) addAction(spec domain.ActionSpec) domain.Action {
	a := domain.Action{
		ID:             uuid.New().String(),
		CaseID:         e.c.ID,
		Type:           spec.Type,
		ApprovalLevel:  spec.ApprovalLevel,
		State:          domain.ActionPending,
		Params:         spec.Params,
		ExpectedImpact: spec.ExpectedImpact,
		CreatedAt:      e.at,
		UpdatedAt:      e.at,
	}

	e.c.RecommendedActions = append(e.c.RecommendedActions, a)
	e.change.NewActions = append(e.change.NewActions, a)
	e.record(domain.AuditLogEntry{
		Action:     domain.AuditCreateAction,
		TargetType: domain.TargetAction,
		TargetID:   a.ID,
		Changes: map[string]any{
			"type":          a.Type,
			"approvalLevel": string(a.ApprovalLevel),
		},
	})
	if a.ApprovalLevel != domain.ApprovalAuto {
		e.notify(domain.TopicActionPending, "", a.ID)
	}
	return a
}

func (e *edit) escalate(to domain.Severity, reason string) {
	from := e.c.Severity
	e.c.Severity = to
	e.record(domain.AuditLogEntry{
		Action:     domain.AuditEscalate,
		TargetType: domain.TargetCase,
		TargetID:   e.c.ID,
		Changes: map[string]any{
			"from": string(from),
			"to":   string(to),
		},
		Context: map[string]any{"reason": reason},
	})
	e.notify(domain.TopicCaseEscalated, "", "")
}

func (e *edit) recordOutcome(o domain.Outcome) {
	o.RecordedAt = e.at
	e.c.Outcome = &o
	e.record(domain.AuditLogEntry{
		Action:     domain.AuditRecordOutcome,
		TargetType: domain.TargetCase,
		TargetID:   e.c.ID,
		Changes: map[string]any{
			"resolution": o.Resolution,
		},
	})
}
