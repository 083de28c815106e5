package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Sync Job Status
// ============================================================================

// SyncJobStatus is the state of a contacts import job.
type SyncJobStatus string

const (
	SyncJobStatusPending    SyncJobStatus = "pending"
	SyncJobStatusInProgress SyncJobStatus = "in_progress"
	SyncJobStatusCompleted  SyncJobStatus = "completed"
	SyncJobStatusFailed     SyncJobStatus = "failed"
	SyncJobStatusCancelled  SyncJobStatus = "cancelled"
)

// IsTerminal returns true once the job can no longer change state.
func (s SyncJobStatus) IsTerminal() bool {
	return s == SyncJobStatusCompleted || s == SyncJobStatusFailed || s == SyncJobStatusCancelled
}

// IsActive returns true for pending or in-progress jobs.
func (s SyncJobStatus) IsActive() bool {
	return s == SyncJobStatusPending || s == SyncJobStatusInProgress
}

// SyncJobType distinguishes a first full import from a sync-token delta.
type SyncJobType string

const (
	SyncJobTypeInitial     SyncJobType = "initial"
	SyncJobTypeIncremental SyncJobType = "incremental"
)

// ============================================================================
// Sync Job
// ============================================================================

// SyncJobCounters are the progress counters of a job.
// Invariant: Processed == Created + Updated + Skipped + DuplicatesFound.
type SyncJobCounters struct {
	Total              int `json:"total"`
	Processed          int `json:"processed"`
	Created            int `json:"created"`
	Updated            int `json:"updated"`
	Skipped            int `json:"skipped"`
	DuplicatesFound    int `json:"duplicates_found"`
	DuplicatesResolved int `json:"duplicates_resolved"`
}

// SyncJob is a persisted contacts import job. The row is the source of truth:
// workers claim it, flush progress to it and poll CancelRequested from it.
type SyncJob struct {
	ID                uuid.UUID     `json:"id"`
	OwnerID           string        `json:"owner_id"`
	Status            SyncJobStatus `json:"status"`
	JobType           SyncJobType   `json:"job_type"`
	SyncJobCounters                 // embedded progress counters
	PendingDuplicates []uuid.UUID   `json:"pending_duplicates"`
	SyncToken         *string       `json:"-"`
	CancelRequested   bool          `json:"cancel_requested"`
	ErrorMessage      *string       `json:"error_message,omitempty"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	HeartbeatAt       *time.Time    `json:"-"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Progress returns the client-facing snapshot of the job.
func (j *SyncJob) Progress() SyncJobProgress {
	percent := 0
	switch {
	case j.Status == SyncJobStatusCompleted:
		percent = 100
	case j.Total > 0:
		percent = j.Processed * 100 / j.Total
		if percent > 100 {
			percent = 100
		}
	}

	pending := j.PendingDuplicates
	if pending == nil {
		pending = []uuid.UUID{}
	}

	return SyncJobProgress{
		JobID:             j.ID,
		Status:            j.Status,
		JobType:           j.JobType,
		SyncJobCounters:   j.SyncJobCounters,
		PendingDuplicates: pending,
		Percent:           percent,
		CancelRequested:   j.CancelRequested,
		ErrorMessage:      j.ErrorMessage,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
		CreatedAt:         j.CreatedAt,
	}
}

// SyncJobProgress is the JSON view of a job returned by the status endpoints.
type SyncJobProgress struct {
	JobID             uuid.UUID     `json:"job_id"`
	Status            SyncJobStatus `json:"status"`
	JobType           SyncJobType   `json:"job_type"`
	SyncJobCounters
	PendingDuplicates []uuid.UUID `json:"pending_duplicates"`
	Percent           int         `json:"percent"`
	CancelRequested   bool        `json:"cancel_requested"`
	ErrorMessage      *string     `json:"error_message,omitempty"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// ContactOutcome is what happened to one imported contact.
type ContactOutcome string

const (
	ContactOutcomeCreated   ContactOutcome = "created"
	ContactOutcomeUpdated   ContactOutcome = "updated"
	ContactOutcomeDuplicate ContactOutcome = "duplicate"
	ContactOutcomeSkipped   ContactOutcome = "skipped"
)

// Apply increments the counter that matches the outcome.
func (c *SyncJobCounters) Apply(outcome ContactOutcome) {
	c.Processed++
	switch outcome {
	case ContactOutcomeCreated:
		c.Created++
	case ContactOutcomeUpdated:
		c.Updated++
	case ContactOutcomeDuplicate:
		c.DuplicatesFound++
	default:
		c.Skipped++
	}
}
