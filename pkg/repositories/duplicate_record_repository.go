package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// DuplicateRecordRepository provides data access for parked duplicate decisions.
type DuplicateRecordRepository interface {
	// Create parks a contact. Fails with apperrors.ErrConflict when the same
	// contact already has a pending record.
	Create(ctx context.Context, rec *models.DuplicateRecord) error
	GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.DuplicateRecord, error)
	// LockByID is GetByID with a row lock; call it inside a transaction.
	LockByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.DuplicateRecord, error)
	// HasPending reports whether the contact already waits for a decision.
	HasPending(ctx context.Context, ownerID, externalID string) (bool, error)
	List(ctx context.Context, ownerID string, filter models.DuplicateFilter) ([]*models.DuplicateRecord, error)
	// MarkFinal records the decision on a pending record.
	MarkFinal(ctx context.Context, rec *models.DuplicateRecord) error
}

type duplicateRecordRepository struct{}

// NewDuplicateRecordRepository creates a new DuplicateRecordRepository.
func NewDuplicateRecordRepository() DuplicateRecordRepository {
	return &duplicateRecordRepository{}
}

var _ DuplicateRecordRepository = (*duplicateRecordRepository)(nil)

const duplicateColumns = `
		id, job_id, owner_id, external_id, contact_data, raw_contact, matches, status,
		resolution, resolved_patient_id, resolved_at, created_at`

func (r *duplicateRecordRepository) Create(ctx context.Context, rec *models.DuplicateRecord) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Status = models.DuplicateStatusPending

	contact, err := json.Marshal(rec.Contact)
	if err != nil {
		return fmt.Errorf("failed to marshal contact: %w", err)
	}
	matches := rec.Matches
	if matches == nil {
		matches = []models.DuplicateMatch{}
	}
	matchesJSON, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("failed to marshal matches: %w", err)
	}
	var raw any
	if len(rec.RawContact) > 0 {
		if !json.Valid(rec.RawContact) {
			return fmt.Errorf("raw contact for %s is not valid JSON", rec.ExternalID)
		}
		raw = []byte(rec.RawContact)
	}

	query := `
		INSERT INTO duplicate_records (id, job_id, owner_id, external_id, contact_data, raw_contact, matches, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err = scope.Conn.QueryRow(ctx, query,
		rec.ID,
		rec.JobID,
		rec.OwnerID,
		rec.ExternalID,
		contact,
		raw,
		matchesJSON,
		rec.Status,
	).Scan(&rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "uq_duplicate_records_pending_external") {
			return fmt.Errorf("contact %s already awaits a decision: %w", rec.ExternalID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create duplicate record: %w", err)
	}
	return nil
}

func (r *duplicateRecordRepository) GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.DuplicateRecord, error) {
	return r.get(ctx, `SELECT`+duplicateColumns+` FROM duplicate_records WHERE id = $1 AND owner_id = $2`, ownerID, id)
}

func (r *duplicateRecordRepository) LockByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.DuplicateRecord, error) {
	return r.get(ctx, `SELECT`+duplicateColumns+` FROM duplicate_records WHERE id = $1 AND owner_id = $2 FOR UPDATE`, ownerID, id)
}

func (r *duplicateRecordRepository) get(ctx context.Context, query, ownerID string, id uuid.UUID) (*models.DuplicateRecord, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	rec, err := scanDuplicateRecord(scope.Conn.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *duplicateRecordRepository) HasPending(ctx context.Context, ownerID, externalID string) (bool, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return false, fmt.Errorf("no owner scope in context")
	}

	var exists bool
	err := scope.Conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM duplicate_records
			WHERE owner_id = $1 AND external_id = $2 AND status = 'pending'
		)`, ownerID, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending duplicate: %w", err)
	}
	return exists, nil
}

func (r *duplicateRecordRepository) List(ctx context.Context, ownerID string, filter models.DuplicateFilter) ([]*models.DuplicateRecord, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}
	limit := normalizeLimit(filter.Limit, 100, 500)

	query := `
		SELECT` + duplicateColumns + `
		FROM duplicate_records
		WHERE owner_id = $1
		  AND ($2::text IS NULL OR status = $2)
		  AND ($3::uuid IS NULL OR job_id = $3)
		ORDER BY created_at, id
		LIMIT $4`

	rows, err := scope.Conn.Query(ctx, query, ownerID, status, filter.JobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicate records: %w", err)
	}
	defer rows.Close()

	var records []*models.DuplicateRecord
	for rows.Next() {
		rec, err := scanDuplicateRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duplicate records: %w", err)
	}
	return records, nil
}

func (r *duplicateRecordRepository) MarkFinal(ctx context.Context, rec *models.DuplicateRecord) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}
	if !rec.IsFinal() {
		return fmt.Errorf("duplicate record status %q is not final", rec.Status)
	}

	now := msPrecision(time.Now())
	query := `
		UPDATE duplicate_records
		SET status = $3, resolution = $4, resolved_patient_id = $5, resolved_at = $6
		WHERE id = $1 AND owner_id = $2 AND status = 'pending'`

	tag, err := scope.Conn.Exec(ctx, query,
		rec.ID,
		rec.OwnerID,
		rec.Status,
		rec.Resolution,
		rec.ResolvedPatientID,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update duplicate record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("duplicate record %s is no longer pending: %w", rec.ID, apperrors.ErrConflict)
	}
	rec.ResolvedAt = &now
	return nil
}

func scanDuplicateRecord(row pgx.Row) (*models.DuplicateRecord, error) {
	var rec models.DuplicateRecord
	var contact, raw, matches []byte
	var resolution *string

	err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.OwnerID,
		&rec.ExternalID,
		&contact,
		&raw,
		&matches,
		&rec.Status,
		&resolution,
		&rec.ResolvedPatientID,
		&rec.ResolvedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan duplicate record: %w", err)
	}

	if resolution != nil {
		rec.Resolution = models.ResolutionStrategy(*resolution)
	}
	if err := json.Unmarshal(contact, &rec.Contact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contact_data: %w", err)
	}
	if len(raw) > 0 {
		rec.RawContact = raw
	}
	if len(matches) > 0 && string(matches) != "null" {
		if err := json.Unmarshal(matches, &rec.Matches); err != nil {
			return nil, fmt.Errorf("failed to unmarshal matches: %w", err)
		}
	}
	return &rec, nil
}
