package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// SyncJobRepository provides data access for contact import jobs.
type SyncJobRepository interface {
	// Create inserts a pending job. A second non-terminal job for the same
	// owner fails with *apperrors.ActiveJobError.
	Create(ctx context.Context, job *models.SyncJob) error
	GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.SyncJob, error)
	// GetActive returns the owner's pending or in-progress job, or nil if none.
	GetActive(ctx context.Context, ownerID string) (*models.SyncJob, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.SyncJob, error)
	// LatestSyncToken returns the provider sync token of the owner's most
	// recent completed job, or nil.
	LatestSyncToken(ctx context.Context, ownerID string) (*string, error)

	// ClaimNext moves the oldest pending job (or an in-progress job whose
	// heartbeat is older than staleBefore) to in_progress and returns it.
	// Returns nil, nil when there is nothing to claim. Runs across owners.
	ClaimNext(ctx context.Context, staleBefore time.Time) (*models.SyncJob, error)
	// SaveProgress persists the runner-owned counters and refreshes the heartbeat.
	SaveProgress(ctx context.Context, job *models.SyncJob) error
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	// RequestCancel flags an in-progress job, or cancels a pending job outright.
	RequestCancel(ctx context.Context, ownerID string, id uuid.UUID) (*models.SyncJob, error)
	// Finish moves the job to a terminal status.
	Finish(ctx context.Context, job *models.SyncJob) error

	AddPendingDuplicate(ctx context.Context, jobID, duplicateID uuid.UUID) error
	// RemovePendingDuplicate drops duplicateID from the job's pending list and,
	// when resolved is true, counts it as resolved. No-op if it was not pending.
	RemovePendingDuplicate(ctx context.Context, jobID, duplicateID uuid.UUID, resolved bool) error
}

type syncJobRepository struct{}

// NewSyncJobRepository creates a new SyncJobRepository.
func NewSyncJobRepository() SyncJobRepository {
	return &syncJobRepository{}
}

var _ SyncJobRepository = (*syncJobRepository)(nil)

const syncJobColumns = `
		id, owner_id, status, job_type, total, processed, created_count,
		updated_count, skipped_count, duplicates_found, duplicates_resolved,
		pending_duplicates, sync_token, cancel_requested, error_message,
		started_at, completed_at, heartbeat_at, created_at, updated_at`

func (r *syncJobRepository) Create(ctx context.Context, job *models.SyncJob) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.SyncJobStatusPending
	}

	query := `
		INSERT INTO sync_jobs (id, owner_id, status, job_type, sync_token)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err := scope.Conn.QueryRow(ctx, query, job.ID, job.OwnerID, job.Status, job.JobType, job.SyncToken).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "uq_sync_jobs_owner_active") {
			active, getErr := r.GetActive(ctx, job.OwnerID)
			if getErr == nil && active != nil {
				return &apperrors.ActiveJobError{JobID: active.ID.String()}
			}
			return apperrors.ErrJobAlreadyActive
		}
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

func (r *syncJobRepository) GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.SyncJob, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `SELECT` + syncJobColumns + ` FROM sync_jobs WHERE id = $1 AND owner_id = $2`

	job, err := scanSyncJob(scope.Conn.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *syncJobRepository) GetActive(ctx context.Context, ownerID string) (*models.SyncJob, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT` + syncJobColumns + `
		FROM sync_jobs
		WHERE owner_id = $1 AND status IN ('pending', 'in_progress')
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanSyncJob(scope.Conn.QueryRow(ctx, query, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (r *syncJobRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.SyncJob, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	limit = normalizeLimit(limit, 20, 100)
	query := `
		SELECT` + syncJobColumns + `
		FROM sync_jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := scope.Conn.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync jobs: %w", err)
	}
	return jobs, nil
}

func (r *syncJobRepository) LatestSyncToken(ctx context.Context, ownerID string) (*string, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT sync_token FROM sync_jobs
		WHERE owner_id = $1 AND status = 'completed' AND sync_token IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1`

	var token *string
	err := scope.Conn.QueryRow(ctx, query, ownerID).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest sync token: %w", err)
	}
	return token, nil
}

// ============================================================================
// Runner operations
// ============================================================================

func (r *syncJobRepository) ClaimNext(ctx context.Context, staleBefore time.Time) (*models.SyncJob, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	// A re-claimed stale job restarts its listing, so its runner-owned counters restart too.
	query := `
		UPDATE sync_jobs
		SET status = 'in_progress',
		    started_at = COALESCE(started_at, now()),
		    heartbeat_at = now(),
		    updated_at = now(),
		    total = 0, processed = 0, created_count = 0, updated_count = 0,
		    skipped_count = 0, duplicates_found = 0
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE status = 'pending'
			   OR (status = 'in_progress' AND (heartbeat_at IS NULL OR heartbeat_at < $1))
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING` + syncJobColumns

	job, err := scanSyncJob(scope.Conn.QueryRow(ctx, query, staleBefore))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}
	return job, nil
}

func (r *syncJobRepository) SaveProgress(ctx context.Context, job *models.SyncJob) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	query := `
		UPDATE sync_jobs
		SET total = $2, processed = $3, created_count = $4, updated_count = $5,
		    skipped_count = $6, duplicates_found = $7,
		    heartbeat_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING heartbeat_at, updated_at, cancel_requested`

	err := scope.Conn.QueryRow(ctx, query,
		job.ID,
		job.Total,
		job.Processed,
		job.Created,
		job.Updated,
		job.Skipped,
		job.DuplicatesFound,
	).Scan(&job.HeartbeatAt, &job.UpdatedAt, &job.CancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrJobTerminal
		}
		return fmt.Errorf("failed to save sync job progress: %w", err)
	}
	return nil
}

func (r *syncJobRepository) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return false, fmt.Errorf("no owner scope in context")
	}

	var cancel bool
	err := scope.Conn.QueryRow(ctx, `SELECT cancel_requested FROM sync_jobs WHERE id = $1`, id).Scan(&cancel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.ErrNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return cancel, nil
}

func (r *syncJobRepository) RequestCancel(ctx context.Context, ownerID string, id uuid.UUID) (*models.SyncJob, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	// Unclaimed jobs are cancelled immediately; running jobs see the flag on their next contact.
	query := `
		UPDATE sync_jobs
		SET cancel_requested = TRUE,
		    status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
		    completed_at = CASE WHEN status = 'pending' THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1 AND owner_id = $2 AND status IN ('pending', 'in_progress')
		RETURNING` + syncJobColumns

	job, err := scanSyncJob(scope.Conn.QueryRow(ctx, query, id, ownerID))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel sync job: %w", err)
	}

	existing, getErr := r.GetByID(ctx, ownerID, id)
	if getErr != nil {
		return nil, getErr
	}
	return existing, apperrors.ErrJobTerminal
}

func (r *syncJobRepository) Finish(ctx context.Context, job *models.SyncJob) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("cannot finish sync job with status %q", job.Status)
	}

	query := `
		UPDATE sync_jobs
		SET status = $2, error_message = $3, sync_token = $4,
		    total = $5, processed = $6, created_count = $7, updated_count = $8,
		    skipped_count = $9, duplicates_found = $10,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING completed_at, updated_at`

	err := scope.Conn.QueryRow(ctx, query,
		job.ID,
		job.Status,
		job.ErrorMessage,
		job.SyncToken,
		job.Total,
		job.Processed,
		job.Created,
		job.Updated,
		job.Skipped,
		job.DuplicatesFound,
	).Scan(&job.CompletedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrJobTerminal
		}
		return fmt.Errorf("failed to finish sync job: %w", err)
	}
	return nil
}

// ============================================================================
// Duplicate bookkeeping
// ============================================================================

func (r *syncJobRepository) AddPendingDuplicate(ctx context.Context, jobID, duplicateID uuid.UUID) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	query := `
		UPDATE sync_jobs
		SET pending_duplicates = array_append(pending_duplicates, $2), updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(pending_duplicates))`

	if _, err := scope.Conn.Exec(ctx, query, jobID, duplicateID); err != nil {
		return fmt.Errorf("failed to add pending duplicate: %w", err)
	}
	return nil
}

func (r *syncJobRepository) RemovePendingDuplicate(ctx context.Context, jobID, duplicateID uuid.UUID, resolved bool) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	query := `
		UPDATE sync_jobs
		SET pending_duplicates = array_remove(pending_duplicates, $2),
		    duplicates_resolved = duplicates_resolved + CASE WHEN $3 THEN 1 ELSE 0 END,
		    updated_at = now()
		WHERE id = $1 AND $2 = ANY(pending_duplicates)`

	if _, err := scope.Conn.Exec(ctx, query, jobID, duplicateID, resolved); err != nil {
		return fmt.Errorf("failed to remove pending duplicate: %w", err)
	}
	return nil
}

func scanSyncJob(row pgx.Row) (*models.SyncJob, error) {
	var j models.SyncJob
	err := row.Scan(
		&j.ID,
		&j.OwnerID,
		&j.Status,
		&j.JobType,
		&j.Total,
		&j.Processed,
		&j.Created,
		&j.Updated,
		&j.Skipped,
		&j.DuplicatesFound,
		&j.DuplicatesResolved,
		&j.PendingDuplicates,
		&j.SyncToken,
		&j.CancelRequested,
		&j.ErrorMessage,
		&j.StartedAt,
		&j.CompletedAt,
		&j.HeartbeatAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync job: %w", err)
	}
	return &j, nil
}
