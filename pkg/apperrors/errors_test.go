package apperrors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConflictError_WrapsSentinel(t *testing.T) {
	err := fmt.Errorf("push: %w", &ConflictError{PatientIDs: []string{"p1"}, NoteIDs: []string{"n1", "n2"}})

	assert.True(t, errors.Is(err, ErrConflict))

	var ce *ConflictError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"n1", "n2"}, ce.NoteIDs)
	assert.Contains(t, err.Error(), "patients [p1]")
	assert.Contains(t, err.Error(), "clinical_notes [n1, n2]")
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("changes.patients.created[0].id", "must not be empty")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "changes.patients.created[0].id: must not be empty", err.Error())

	whole := &ValidationError{Message: "request body is not valid JSON"}
	assert.Equal(t, "request body is not valid JSON", whole.Error())
}

func TestActiveJobError(t *testing.T) {
	err := error(&ActiveJobError{JobID: "abc"})
	assert.True(t, errors.Is(err, ErrJobAlreadyActive))
	assert.Contains(t, err.Error(), "abc")
}

func TestRateLimitedError(t *testing.T) {
	err := fmt.Errorf("list connections: %w", &RateLimitedError{RetryAfter: 12 * time.Second})
	assert.True(t, errors.Is(err, ErrRateLimited))

	var rl *RateLimitedError
	assert.True(t, errors.As(err, &rl))
	assert.Equal(t, 12*time.Second, rl.RetryAfter)
	assert.True(t, rl.IsRetryable())
}
