package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/services"
)

// SyncHistoryResponse for GET /contacts/sync/history
type SyncHistoryResponse struct {
	Jobs  []models.SyncJobProgress `json:"jobs"`
	Total int                      `json:"total"`
}

// ContactsHandler serves contact import jobs.
type ContactsHandler struct {
	contactSync services.ContactSyncService
	logger      *zap.Logger
}

// NewContactsHandler creates a new contacts handler.
func NewContactsHandler(contactSync services.ContactSyncService, logger *zap.Logger) *ContactsHandler {
	return &ContactsHandler{
		contactSync: contactSync,
		logger:      logger,
	}
}

// RegisterRoutes registers the contacts handler's routes on the given mux.
func (h *ContactsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware AuthMiddleware, ownerMiddleware OwnerMiddleware) {
	protect := func(fn http.HandlerFunc) http.HandlerFunc {
		return authMiddleware(ownerMiddleware(fn))
	}

	mux.HandleFunc("POST /contacts/sync", protect(h.Start))
	mux.HandleFunc("GET /contacts/sync-status/{job_id}", protect(h.Status))
	mux.HandleFunc("POST /contacts/sync/cancel/{job_id}", protect(h.Cancel))
	mux.HandleFunc("GET /contacts/sync/history", protect(h.History))
}

// Start handles POST /contacts/sync
// Responds 202 with the new job's progress; the import runs on the worker pool.
func (h *ContactsHandler) Start(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	job, err := h.contactSync.Start(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, job.Progress()); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Status handles GET /contacts/sync-status/{job_id}
func (h *ContactsHandler) Status(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}
	jobID, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}

	job, err := h.contactSync.Status(r.Context(), ownerID, jobID)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, job.Progress()); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Cancel handles POST /contacts/sync/cancel/{job_id}
// A running job stops at its next checkpoint; already imported contacts stay.
func (h *ContactsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}
	jobID, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}

	job, err := h.contactSync.Cancel(r.Context(), ownerID, jobID)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, job.Progress()); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// History handles GET /contacts/sync/history?limit
func (h *ContactsHandler) History(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 0, h.logger)
	if !ok {
		return
	}

	jobs, err := h.contactSync.History(r.Context(), ownerID, limit)
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	response := SyncHistoryResponse{Jobs: make([]models.SyncJobProgress, 0, len(jobs)), Total: len(jobs)}
	for _, job := range jobs {
		response.Jobs = append(response.Jobs, job.Progress())
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
