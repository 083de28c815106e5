package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/services"
)

// ActiveJobHeader carries the id of the job that blocked a new import.
const ActiveJobHeader = "X-Active-Job-Id"

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// ConflictResponse is the 409 body for rejected pushes.
type ConflictResponse struct {
	Error      string   `json:"error"`
	Message    string   `json:"message"`
	PatientIDs []string `json:"patient_ids"`
	NoteIDs    []string `json:"note_ids"`
}

// ValidationResponse is the 400 body for malformed requests.
type ValidationResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// writeServiceError maps a service error onto a status code and body.
// Unexpected errors are logged and reported without internals.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	var (
		conflict   *apperrors.ConflictError
		validation *apperrors.ValidationError
		active     *apperrors.ActiveJobError
		writeErr   error
	)

	switch {
	case errors.As(err, &conflict):
		writeErr = WriteJSON(w, http.StatusConflict, ConflictResponse{
			Error:      "conflict",
			Message:    conflict.Error(),
			PatientIDs: nonNilIDs(conflict.PatientIDs),
			NoteIDs:    nonNilIDs(conflict.NoteIDs),
		})
	case errors.As(err, &validation):
		writeErr = WriteJSON(w, http.StatusBadRequest, ValidationResponse{
			Error:   "validation_error",
			Message: validation.Error(),
			Field:   validation.Field,
		})
	case errors.As(err, &active):
		w.Header().Set(ActiveJobHeader, active.JobID)
		writeErr = ErrorResponse(w, http.StatusConflict, "job_already_active", active.Error())
	case errors.Is(err, apperrors.ErrJobAlreadyActive):
		writeErr = ErrorResponse(w, http.StatusConflict, "job_already_active", err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		writeErr = ErrorResponse(w, http.StatusNotFound, "not_found", "Resource not found")
	case errors.Is(err, apperrors.ErrJobTerminal):
		writeErr = ErrorResponse(w, http.StatusConflict, "job_finished", err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		writeErr = ErrorResponse(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, apperrors.ErrProviderNotLinked):
		writeErr = ErrorResponse(w, http.StatusPreconditionFailed, "provider_not_connected", err.Error())
	case errors.Is(err, apperrors.ErrProviderAuthExpired), errors.Is(err, apperrors.ErrCredentialsKey):
		writeErr = ErrorResponse(w, http.StatusPreconditionFailed, "provider_reconnect_required", apperrors.ErrProviderAuthExpired.Error())
	case errors.Is(err, services.ErrGoogleNotConfigured):
		writeErr = ErrorResponse(w, http.StatusServiceUnavailable, "provider_not_configured", err.Error())
	default:
		logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeErr = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
	}

	if writeErr != nil {
		logger.Error("Failed to write error response", zap.Error(writeErr))
	}
}

// decodeJSON reads a JSON body into dst, writing a 400 on malformed input.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
