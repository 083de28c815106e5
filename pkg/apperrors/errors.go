package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation failed")
	ErrJobAlreadyActive    = errors.New("a sync job is already active")
	ErrProviderAuthExpired = errors.New("contacts provider authorization expired or revoked; reconnect the account")
	ErrProviderNotLinked   = errors.New("contacts provider account is not connected")
	ErrRateLimited         = errors.New("contacts provider rate limit exceeded")
	ErrSyncTokenExpired    = errors.New("provider sync token expired")
	ErrJobTerminal         = errors.New("sync job already finished")
	ErrCredentialsKey      = errors.New("stored provider credentials were encrypted with a different key")
)

// ConflictError lists the records whose pushed updates were older than the stored copy.
type ConflictError struct {
	PatientIDs []string
	NoteIDs    []string
}

func (e *ConflictError) Error() string {
	var parts []string
	if len(e.PatientIDs) > 0 {
		parts = append(parts, fmt.Sprintf("patients [%s]", strings.Join(e.PatientIDs, ", ")))
	}
	if len(e.NoteIDs) > 0 {
		parts = append(parts, fmt.Sprintf("clinical_notes [%s]", strings.Join(e.NoteIDs, ", ")))
	}
	return "stale updates rejected for " + strings.Join(parts, " and ")
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError describes a malformed request. Field is empty for whole-payload problems.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError is shorthand for a field-level ValidationError.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ActiveJobError carries the id of the job blocking a new one.
type ActiveJobError struct {
	JobID string
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("%s (job %s)", ErrJobAlreadyActive.Error(), e.JobID)
}

func (e *ActiveJobError) Unwrap() error { return ErrJobAlreadyActive }

// RateLimitedError is returned by the contacts provider on HTTP 429.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrRateLimited.Error(), e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// IsRetryable lets retry.IsRetryable classify rate limits without string matching.
func (e *RateLimitedError) IsRetryable() bool { return true }
