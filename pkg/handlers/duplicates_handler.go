package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/services"
)

// DuplicateListResponse for GET /contacts/duplicates
type DuplicateListResponse struct {
	Duplicates []*models.DuplicateRecord `json:"duplicates"`
	Total      int                       `json:"total"`
}

// BatchResolveRequest for POST /contacts/duplicates/batch-resolve
type BatchResolveRequest struct {
	Items []models.BatchResolveItem `json:"items"`
}

// BatchResolveResponse reports one outcome per requested item, in request order.
type BatchResolveResponse struct {
	Results   []models.ResolveOutcome `json:"results"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
}

// DuplicatesHandler serves duplicate review and resolution.
type DuplicatesHandler struct {
	duplicateService services.DuplicateService
	logger           *zap.Logger
}

// NewDuplicatesHandler creates a new duplicates handler.
func NewDuplicatesHandler(duplicateService services.DuplicateService, logger *zap.Logger) *DuplicatesHandler {
	return &DuplicatesHandler{
		duplicateService: duplicateService,
		logger:           logger,
	}
}

// RegisterRoutes registers the duplicates handler's routes on the given mux.
func (h *DuplicatesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware AuthMiddleware, ownerMiddleware OwnerMiddleware) {
	protect := func(fn http.HandlerFunc) http.HandlerFunc {
		return authMiddleware(ownerMiddleware(fn))
	}
	base := "/contacts/duplicates"

	mux.HandleFunc("GET "+base, protect(h.List))
	mux.HandleFunc("POST "+base+"/batch-resolve", protect(h.BatchResolve))
	mux.HandleFunc("POST "+base+"/{id}/resolve", protect(h.Resolve))
	mux.HandleFunc("POST "+base+"/{id}/skip", protect(h.Skip))
}

// List handles GET /contacts/duplicates?status&job_id&limit
func (h *DuplicatesHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	var filter models.DuplicateFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := models.DuplicateStatus(s)
		filter.Status = &status
	}
	if s := q.Get("job_id"); s != "" {
		jobID, err := uuid.Parse(s)
		if err != nil {
			writeServiceError(w, r, apperrors.NewValidationError("job_id", "must be a UUID"), h.logger)
			return
		}
		filter.JobID = &jobID
	}
	limit, ok := queryInt(w, r, "limit", 0, h.logger)
	if !ok {
		return
	}
	filter.Limit = limit

	records, err := h.duplicateService.List(r.Context(), ownerID, filter)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}
	if records == nil {
		records = []*models.DuplicateRecord{}
	}

	if err := WriteJSON(w, http.StatusOK, DuplicateListResponse{Duplicates: records, Total: len(records)}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Resolve handles POST /contacts/duplicates/{id}/resolve
func (h *DuplicatesHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseDuplicateID(w, r, h.logger)
	if !ok {
		return
	}

	var req models.ResolutionRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}
	res, err := req.Parse()
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	outcome, err := h.duplicateService.Resolve(r.Context(), ownerID, id, res)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, outcome); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Skip handles POST /contacts/duplicates/{id}/skip
func (h *DuplicatesHandler) Skip(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := ParseDuplicateID(w, r, h.logger)
	if !ok {
		return
	}

	outcome, err := h.duplicateService.Skip(r.Context(), ownerID, id)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, outcome); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// BatchResolve handles POST /contacts/duplicates/batch-resolve
// Items are applied independently; a failing item does not stop the rest.
func (h *DuplicatesHandler) BatchResolve(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	var req BatchResolveRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}
	switch {
	case len(req.Items) == 0:
		writeServiceError(w, r, apperrors.NewValidationError("items", "at least one item is required"), h.logger)
		return
	case len(req.Items) > services.MaxBatchResolveItems:
		writeServiceError(w, r, apperrors.NewValidationError("items", "at most %d items per request", services.MaxBatchResolveItems), h.logger)
		return
	}

	results := h.duplicateService.BatchResolve(r.Context(), ownerID, req.Items)

	response := BatchResolveResponse{Results: results}
	for _, res := range results {
		if res.Error != "" {
			response.Failed++
		} else {
			response.Succeeded++
		}
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
