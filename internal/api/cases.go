package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/casefsm"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ListCases handles GET /cases. Results carry case headers only.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.CaseFilter{
		State:    domain.CaseState(q.Get("state")),
		Severity: domain.Severity(q.Get("severity")),
		Type:     q.Get("type"),
		ScopeID:  q.Get("scopeId"),
		ActorID:  q.Get("actorId"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = limit
	}

	list, err := h.cases.List(r.Context(), GetTenantID(r.Context()), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Case{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cases": list,
		"count": len(list),
	})
}

// OpenCase handles POST /cases.
func (h *Handler) OpenCase(w http.ResponseWriter, r *http.Request) {
	var req cases.OpenRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	c, err := h.cases.Open(ctx, GetTenantID(ctx), req, GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCase handles GET /cases/{id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.cases.Get(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AllowedEvents handles GET /cases/{id}/events.
func (h *Handler) AllowedEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.cases.Get(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	events := casefsm.Allowed(c.State)
	if events == nil {
		events = []domain.CaseEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  c.State,
		"events": events,
	})
}

// Transition handles POST /cases/{id}/events.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	var req cases.TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Event == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "event is required",
		})
		return
	}

	ctx := r.Context()
	c, err := h.cases.Transition(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req, GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AddEvidence handles POST /cases/{id}/evidence.
func (h *Handler) AddEvidence(w http.ResponseWriter, r *http.Request) {
	var item domain.EvidenceItem
	if !decode(w, r, &item) {
		return
	}

	ctx := r.Context()
	c, err := h.cases.AddEvidence(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), item, GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AddHypothesis handles POST /cases/{id}/hypotheses.
func (h *Handler) AddHypothesis(w http.ResponseWriter, r *http.Request) {
	var hyp domain.Hypothesis
	if !decode(w, r, &hyp) {
		return
	}

	ctx := r.Context()
	c, err := h.cases.AddHypothesis(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), hyp, GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ConfirmHypothesis handles POST /cases/{id}/hypotheses/{hid}/confirm.
func (h *Handler) ConfirmHypothesis(w http.ResponseWriter, r *http.Request) {
	h.reviewHypothesis(w, r, true)
}

// RejectHypothesis handles POST /cases/{id}/hypotheses/{hid}/reject.
func (h *Handler) RejectHypothesis(w http.ResponseWriter, r *http.Request) {
	h.reviewHypothesis(w, r, false)
}

func (h *Handler) reviewHypothesis(w http.ResponseWriter, r *http.Request, confirm bool) {
	ctx := r.Context()
	c, err := h.cases.ReviewHypothesis(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), chi.URLParam(r, "hid"), confirm, GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Diagnose handles POST /cases/{id}/diagnose.
func (h *Handler) Diagnose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.cases.Diagnose(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// RecommendActionsRequest is the request body for POST /cases/{id}/actions.
// An empty list recommends the primary hypothesis's catalog actions.
type RecommendActionsRequest struct {
	Actions []domain.ActionSpec `json:"actions"`
}

// RecommendActions handles POST /cases/{id}/actions.
func (h *Handler) RecommendActions(w http.ResponseWriter, r *http.Request) {
	var req RecommendActionsRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	c, err := h.cases.RecommendActions(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req.Actions, GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ApproveAction handles POST /actions/{id}/approve.
func (h *Handler) ApproveAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.cases.ApproveAction(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// RejectAction handles POST /actions/{id}/reject.
func (h *Handler) RejectAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.cases.RejectAction(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// StartExecution handles POST /actions/{id}/execute.
func (h *Handler) StartExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.cases.StartExecution(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CompleteExecutionRequest is the request body for POST /actions/{id}/complete.
type CompleteExecutionRequest struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
}

// CompleteExecution handles POST /actions/{id}/complete.
func (h *Handler) CompleteExecution(w http.ResponseWriter, r *http.Request) {
	var req CompleteExecutionRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	c, err := h.cases.CompleteExecution(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req.Success, req.Result, GetActor(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AuditLog handles GET /cases/{id}/audit.
func (h *Handler) AuditLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.cases.AuditLog(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// Replay handles GET /cases/{id}/replay.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.cases.Replay(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Report handles GET /cases/{id}/report.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.cases.Report(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
