package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/auth"
)

// ParseJobID extracts and validates the sync job ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: job_id
func ParseJobID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "job_id", "invalid_job_id", "Invalid job ID format", logger)
}

// ParseDuplicateID extracts and validates the duplicate record ID from the request path.
// Expects path parameter: id
func ParseDuplicateID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "id", "invalid_duplicate_id", "Invalid duplicate ID format", logger)
}

// RequireOwner returns the authenticated owner, writing a 401 when the request has none.
// Routes are wrapped in auth middleware, so a miss here means a wiring bug.
func RequireOwner(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	ownerID, err := auth.RequireOwnerIDFromContext(r.Context())
	if err != nil {
		logger.Error("Owner missing from authenticated request", zap.String("path", r.URL.Path))
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return ownerID, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads a non-negative integer query parameter. Missing values return def.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def int, logger *zap.Logger) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "validation_error", name+": must be a non-negative integer"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return 0, false
	}
	return v, true
}
