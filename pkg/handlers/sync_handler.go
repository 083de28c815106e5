package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/services"
	"github.com/ekaya-inc/patient-sync/pkg/syncwire"
)

// BatchedPullRequest is the body of POST /sync/pull/batched.
// Cursors come from the previous batch's response; omit them on the first batch.
type BatchedPullRequest struct {
	LastPulledAt    *syncwire.Millis `json:"last_pulled_at"`
	CursorPatient   *syncwire.Millis `json:"cursor_patient"`
	CursorPatientID string           `json:"cursor_patient_id"`
	CursorNote      *syncwire.Millis `json:"cursor_note"`
	CursorNoteID    string           `json:"cursor_note_id"`
}

// SyncStatsResponse for GET /sync/stats
type SyncStatsResponse struct {
	Collections     map[string]models.PendingCounts `json:"collections"`
	TotalChanges    int                             `json:"total_changes"`
	RecommendedMode models.PullMode                 `json:"recommended_mode"`
	LastPulledAt    int64                           `json:"last_pulled_at"`
	ComputedAt      syncwire.Millis                 `json:"computed_at"`
}

// SyncHandler serves the offline pull/push protocol.
type SyncHandler struct {
	syncService services.SyncService
	logger      *zap.Logger
	now         func() time.Time
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(syncService services.SyncService, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		syncService: syncService,
		logger:      logger,
		now:         time.Now,
	}
}

// RegisterRoutes registers the sync handler's routes on the given mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware AuthMiddleware, ownerMiddleware OwnerMiddleware) {
	protect := func(fn http.HandlerFunc) http.HandlerFunc {
		return authMiddleware(ownerMiddleware(fn))
	}

	mux.HandleFunc("POST /sync/pull", protect(h.Pull))
	mux.HandleFunc("POST /sync/pull/batched", protect(h.PullBatched))
	mux.HandleFunc("POST /sync/push", protect(h.Push))
	mux.HandleFunc("GET /sync/stats", protect(h.Stats))
}

// Pull handles POST /sync/pull
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	var req syncwire.PullRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	res, err := h.syncService.Pull(r.Context(), ownerID, syncwire.Watermark(req.LastPulledAt))
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	response := syncwire.PullResponse{
		Changes:   syncwire.EncodeChanges(res.Changes, h.now()),
		Timestamp: syncwire.Millis(res.Timestamp.UnixMilli()),
		Truncated: res.Truncated,
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// PullBatched handles POST /sync/pull/batched?batch_size&skip_patients&skip_notes
func (h *SyncHandler) PullBatched(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	batchSize, ok := queryInt(w, r, "batch_size", 0, h.logger)
	if !ok {
		return
	}
	skipPatients, ok := queryInt(w, r, "skip_patients", 0, h.logger)
	if !ok {
		return
	}
	skipNotes, ok := queryInt(w, r, "skip_notes", 0, h.logger)
	if !ok {
		return
	}

	var body BatchedPullRequest
	if !decodeJSON(w, r, &body, h.logger) {
		return
	}

	res, err := h.syncService.PullBatched(r.Context(), ownerID, models.BatchedPullRequest{
		Since:         syncwire.Watermark(body.LastPulledAt),
		BatchSize:     batchSize,
		PatientCursor: syncwire.DecodeCursor(body.CursorPatient, body.CursorPatientID),
		NoteCursor:    syncwire.DecodeCursor(body.CursorNote, body.CursorNoteID),
		SkipPatients:  skipPatients,
		SkipNotes:     skipNotes,
	})
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, syncwire.EncodeBatchedPull(res, h.now())); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Push handles POST /sync/push
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	var req syncwire.PushRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	if err := h.syncService.Push(r.Context(), ownerID, req.Changes); err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusOK, syncwire.PushResponse{Status: "ok"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Stats handles GET /sync/stats?last_pulled_at
func (h *SyncHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := RequireOwner(w, r, h.logger)
	if !ok {
		return
	}

	var since *syncwire.Millis
	if raw := r.URL.Query().Get("last_pulled_at"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "validation_error", "last_pulled_at: must be epoch milliseconds"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		m := syncwire.Millis(ms)
		since = &m
	}

	stats, err := h.syncService.Stats(r.Context(), ownerID, syncwire.Watermark(since))
	if err != nil {
		writeServiceError(w, r, err, h.logger)
		return
	}

	response := SyncStatsResponse{
		Collections:     stats.Collections,
		TotalChanges:    stats.TotalChanges,
		RecommendedMode: stats.RecommendedMode,
		LastPulledAt:    syncwire.WatermarkMillis(stats.Since),
		ComputedAt:      syncwire.Millis(stats.ComputedAt.UnixMilli()),
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
