// Package handler exposes the eligibility engine over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"eligibility/internal/eligibility/models"
	"eligibility/pkg/platform/httputil"
	"eligibility/pkg/requestcontext"
)

// CheckService defines the single-check operations.
type CheckService interface {
	CreateCheck(ctx context.Context, checkType models.CheckType, payload models.Payload) (*models.Check, error)
	GetCheck(ctx context.Context, checkID string) (*models.Check, error)
}

// BulkService defines the bulk operations.
type BulkService interface {
	SubmitGroup(ctx context.Context, items []models.BulkRequestItem) (string, error)
	GetProgress(ctx context.Context, groupID string) (models.BulkProgress, error)
	GetResults(ctx context.Context, groupID string) ([]models.BulkItem, error)
}

// Handler wires check endpoints to the engine and the bulk coordinator.
type Handler struct {
	checks CheckService
	bulk   BulkService
	logger *slog.Logger
}

// New constructs a handler with its dependencies.
func New(checks CheckService, bulk BulkService, logger *slog.Logger) *Handler {
	return &Handler{
		checks: checks,
		bulk:   bulk,
		logger: logger,
	}
}

// The POST and GET routes share a path segment, and chi requires one param
// name per segment: it is the check type on POST and an id on GET.
const pathKey = "key"

// Register mounts check endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/check/{key}", h.HandleCreateCheck)
	r.Get("/check/{key}", h.HandleGetCheck)
	r.Post("/bulk-check/{key}", h.HandleSubmitBulk)
	r.Get("/bulk-check/{key}/progress", h.HandleBulkProgress)
	r.Get("/bulk-check/{key}", h.HandleBulkResults)
}

// HandleCreateCheck handles POST /check/{type}.
func (h *Handler) HandleCreateCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	checkType, err := models.ParseCheckType(chi.URLParam(r, pathKey))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[CheckRequest](w, r)
	if !ok {
		return
	}

	check, err := h.checks.CreateCheck(ctx, checkType, req.Data.payload())
	if err != nil {
		h.logger.ErrorContext(ctx, "create check failed",
			"request_id", requestID,
			"check_type", checkType,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "check created",
		"request_id", requestID,
		"check_id", check.ID,
		"status", check.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusAccepted, CheckCreatedResponse{
		Data:  CheckStatusData{Status: string(check.Status)},
		Links: checkLinks(check.ID),
	})
}

// HandleGetCheck handles GET /check/{id}.
func (h *Handler) HandleGetCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, pathKey)

	check, err := h.checks.GetCheck(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CheckItemResponse{
		Data:  fromCheck(check),
		Links: checkLinks(check.ID),
	})
}

// HandleSubmitBulk handles POST /bulk-check/{type}. The same type applies to
// every item of the submission.
func (h *Handler) HandleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	checkType, err := models.ParseCheckType(chi.URLParam(r, pathKey))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[BulkCheckRequest](w, r)
	if !ok {
		return
	}

	groupID, err := h.bulk.SubmitGroup(ctx, req.items(checkType))
	if err != nil {
		h.logger.ErrorContext(ctx, "bulk submission failed",
			"request_id", requestID,
			"items", len(req.Data),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "bulk submission accepted",
		"request_id", requestID,
		"group_id", groupID,
		"items", len(req.Data),
	)
	httputil.WriteJSON(w, http.StatusAccepted, BulkCreatedResponse{Links: bulkLinks(groupID)})
}

// HandleBulkProgress handles GET /bulk-check/{group}/progress.
func (h *Handler) HandleBulkProgress(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, pathKey)
	progress, err := h.bulk.GetProgress(r.Context(), groupID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, BulkProgressResponse{
		Data:  fromProgress(progress),
		Links: bulkLinks(groupID),
	})
}

// HandleBulkResults handles GET /bulk-check/{group}.
func (h *Handler) HandleBulkResults(w http.ResponseWriter, r *http.Request) {
	items, err := h.bulk.GetResults(r.Context(), chi.URLParam(r, pathKey))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	data := make([]CheckItemData, len(items))
	for i, item := range items {
		data[i] = fromBulkItem(item)
	}
	httputil.WriteJSON(w, http.StatusOK, BulkResultsResponse{Data: data})
}
