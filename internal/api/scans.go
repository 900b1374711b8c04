package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// IngestRequest is the request body for POST /transactions.
type IngestRequest struct {
	Transactions []*domain.Transaction `json:"transactions"`
}

// IngestTransactions handles POST /transactions. Transactions are written to
// the upstream store the detectors read from.
func (h *Handler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "at least one transaction is required",
		})
		return
	}

	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	now := time.Now().UTC()
	for _, tx := range req.Transactions {
		if tx == nil || tx.Timestamp.IsZero() {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "every transaction needs a timestamp",
			})
			return
		}
		if tx.ID == "" {
			tx.ID = uuid.New().String()
		}
		tx.TenantID = tenantID
		tx.CreatedAt = now
	}

	if err := h.windows.Ingest(ctx, tenantID, req.Transactions); err != nil {
		writeError(w, r, storeErr("ingest transactions", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": len(req.Transactions),
	})
}

// SaveActor handles POST /actors.
func (h *Handler) SaveActor(w http.ResponseWriter, r *http.Request) {
	var actor domain.ActorProfile
	if !decode(w, r, &actor) {
		return
	}
	if actor.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id is required",
		})
		return
	}

	ctx := r.Context()
	actor.TenantID = GetTenantID(ctx)
	if err := h.repo.SaveActor(ctx, actor.TenantID, &actor); err != nil {
		writeError(w, r, storeErr("save actor", err))
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

// RunScan handles POST /scans. With ?async=true the request is queued on the
// event bus for a scan worker and 202 is returned.
func (h *Handler) RunScan(w http.ResponseWriter, r *http.Request) {
	var req domain.ScanRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	if req.RequestedBy == "" {
		req.RequestedBy = GetActor(ctx).ID
	}

	if r.URL.Query().Get("async") == "true" {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus not available",
			})
			return
		}
		if !req.To.After(req.From) {
			writeError(w, r, fmt.Errorf("%w: scan window end must be after its start", domain.ErrInvalidInput))
			return
		}
		msg := worker.ScanMessage{TenantID: tenantID, ScanRequest: req}
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicScanRequested, msg); err != nil {
			writeError(w, r, storeErr("queue scan", err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "queued",
		})
		return
	}

	result, err := h.scans.Run(ctx, tenantID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetScan handles GET /scans/{id}.
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.repo.GetScanRun(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, storeErr("get scan run", err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func storeErr(op string, err error) error {
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
}
