package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// PatientRepository provides data access for patients.
// Every method filters by owner in addition to the row-level security on the connection.
type PatientRepository interface {
	// ListChanged returns live patients created or updated after since, in
	// (created_at, id) order, at most limit rows.
	ListChanged(ctx context.Context, ownerID string, since time.Time, limit int) ([]*models.Patient, error)
	// PageChanged is ListChanged starting after the cursor, or at offset when the cursor is zero.
	PageChanged(ctx context.Context, ownerID string, since time.Time, after models.Cursor, offset, limit int) ([]*models.Patient, error)
	// ListDeletedIDs returns ids of patients soft-deleted after since.
	ListDeletedIDs(ctx context.Context, ownerID string, since time.Time) ([]string, error)
	CountChanges(ctx context.Context, ownerID string, since time.Time) (models.PendingCounts, error)

	// GetByIDs returns patients by id, including soft-deleted ones, keyed by id.
	GetByIDs(ctx context.Context, ownerID string, ids []string) (map[string]*models.Patient, error)
	// CreateBatch inserts patients and returns the ids that were not inserted
	// because the id already exists.
	CreateBatch(ctx context.Context, patients []*models.Patient) ([]string, error)
	// ApplyClientUpdate writes client-editable fields and stamps updated_at = now.
	ApplyClientUpdate(ctx context.Context, p *models.Patient, now time.Time) error
	// SoftDelete tombstones live patients and returns the ids it changed.
	SoftDelete(ctx context.Context, ownerID string, ids []string, now time.Time) ([]string, error)

	GetByID(ctx context.Context, ownerID, id string) (*models.Patient, error)
	// GetByExternalID returns the patient linked to an imported contact,
	// preferring a live one; a tombstoned link is returned when no live one exists.
	GetByExternalID(ctx context.Context, ownerID, externalID string) (*models.Patient, error)
	// ListActive returns all live patients of the owner.
	ListActive(ctx context.Context, ownerID string) ([]*models.Patient, error)
	Create(ctx context.Context, p *models.Patient) error
	// SaveImported writes contact fields from an import or duplicate resolution,
	// stamping last_synced_at and bumping sync_version. It fails with
	// apperrors.ErrConflict when the stored sync_version differs from p.SyncVersion.
	SaveImported(ctx context.Context, p *models.Patient, now time.Time) error
}

type patientRepository struct{}

// NewPatientRepository creates a new PatientRepository.
func NewPatientRepository() PatientRepository {
	return &patientRepository{}
}

var _ PatientRepository = (*patientRepository)(nil)

const patientColumns = `
		id, owner_id, name, phone, email, address, group_name, is_favorite,
		photo_url, external_id, source, last_synced_at, sync_version,
		created_at, updated_at, deleted_at`

// ============================================================================
// Pull
// ============================================================================

func (r *patientRepository) ListChanged(ctx context.Context, ownerID string, since time.Time, limit int) ([]*models.Patient, error) {
	return r.PageChanged(ctx, ownerID, since, models.Cursor{}, 0, limit)
}

func (r *patientRepository) PageChanged(ctx context.Context, ownerID string, since time.Time, after models.Cursor, offset, limit int) ([]*models.Patient, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT` + patientColumns + `
		FROM patients
		WHERE owner_id = $1
		  AND deleted_at IS NULL
		  AND (updated_at > $2 OR created_at > $2)
		  AND ($3::timestamptz IS NULL
		       OR ($4 = '' AND created_at > $3)
		       OR ($4 <> '' AND (created_at, id) > ($3, $4)))
		ORDER BY created_at, id
		OFFSET $5
		LIMIT $6`

	rows, err := scope.Conn.Query(ctx, query, ownerID, since, cursorTime(after.CreatedAt), after.ID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed patients: %w", err)
	}
	defer rows.Close()

	return scanPatientRows(rows)
}

func (r *patientRepository) ListDeletedIDs(ctx context.Context, ownerID string, since time.Time) ([]string, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT id FROM patients
		WHERE owner_id = $1 AND deleted_at IS NOT NULL AND deleted_at > $2
		ORDER BY deleted_at, id`

	rows, err := scope.Conn.Query(ctx, query, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted patients: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan deleted patient ids: %w", err)
	}
	return ids, nil
}

func (r *patientRepository) CountChanges(ctx context.Context, ownerID string, since time.Time) (models.PendingCounts, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return models.PendingCounts{}, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE deleted_at IS NULL AND created_at > $2),
			COUNT(*) FILTER (WHERE deleted_at IS NULL AND created_at <= $2 AND updated_at > $2),
			COUNT(*) FILTER (WHERE $3 AND deleted_at IS NOT NULL AND deleted_at > $2)
		FROM patients
		WHERE owner_id = $1`

	var c models.PendingCounts
	err := scope.Conn.QueryRow(ctx, query, ownerID, since, !since.IsZero()).Scan(&c.Created, &c.Updated, &c.Deleted)
	if err != nil {
		return c, fmt.Errorf("failed to count patient changes: %w", err)
	}
	return c, nil
}

// ============================================================================
// Push
// ============================================================================

func (r *patientRepository) GetByIDs(ctx context.Context, ownerID string, ids []string) (map[string]*models.Patient, error) {
	result := make(map[string]*models.Patient, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `SELECT` + patientColumns + ` FROM patients WHERE owner_id = $1 AND id = ANY($2)`

	rows, err := scope.Conn.Query(ctx, query, ownerID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get patients by id: %w", err)
	}
	defer rows.Close()

	patients, err := scanPatientRows(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range patients {
		result[p.ID] = p
	}
	return result, nil
}

func (r *patientRepository) CreateBatch(ctx context.Context, patients []*models.Patient) ([]string, error) {
	if len(patients) == 0 {
		return nil, nil
	}

	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO patients (
			id, owner_id, name, phone, email, address, group_name, is_favorite,
			photo_url, external_id, source, last_synced_at, sync_version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	for _, p := range patients {
		p.CreatedAt = msPrecision(p.CreatedAt)
		p.UpdatedAt = msPrecision(p.UpdatedAt)
		batch.Queue(query,
			p.ID,
			p.OwnerID,
			p.Name,
			p.Phone,
			p.Email,
			p.Address,
			p.Group,
			p.IsFavorite,
			p.PhotoURL,
			p.ExternalID,
			p.Source,
			p.LastSyncedAt,
			p.SyncVersion,
			p.CreatedAt,
			p.UpdatedAt,
		)
	}

	results := scope.Conn.SendBatch(ctx, batch)
	defer results.Close()

	var existing []string
	for i := range patients {
		tag, err := results.Exec()
		if err != nil {
			if isUniqueViolation(err, "uq_patients_owner_external") {
				return nil, fmt.Errorf("patient %s: contact %s already linked to another patient: %w",
					patients[i].ID, models.StringValue(patients[i].ExternalID), apperrors.ErrConflict)
			}
			return nil, fmt.Errorf("failed to create patient %d: %w", i, err)
		}
		if tag.RowsAffected() == 0 {
			existing = append(existing, patients[i].ID)
		}
	}
	return existing, nil
}

func (r *patientRepository) ApplyClientUpdate(ctx context.Context, p *models.Patient, now time.Time) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	now = msPrecision(now)
	query := `
		UPDATE patients
		SET name = $3, phone = $4, email = $5, address = $6, group_name = $7,
		    is_favorite = $8, photo_url = $9, updated_at = $10
		WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`

	tag, err := scope.Conn.Exec(ctx, query,
		p.ID,
		p.OwnerID,
		p.Name,
		p.Phone,
		p.Email,
		p.Address,
		p.Group,
		p.IsFavorite,
		p.PhotoURL,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	p.UpdatedAt = now
	return nil
}

func (r *patientRepository) SoftDelete(ctx context.Context, ownerID string, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		UPDATE patients
		SET deleted_at = $3, updated_at = $3
		WHERE owner_id = $1 AND id = ANY($2) AND deleted_at IS NULL
		RETURNING id`

	rows, err := scope.Conn.Query(ctx, query, ownerID, ids, msPrecision(now))
	if err != nil {
		return nil, fmt.Errorf("failed to soft delete patients: %w", err)
	}
	deleted, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to soft delete patients: %w", err)
	}
	return deleted, nil
}

// ============================================================================
// Import
// ============================================================================

func (r *patientRepository) GetByID(ctx context.Context, ownerID, id string) (*models.Patient, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `SELECT` + patientColumns + ` FROM patients WHERE owner_id = $1 AND id = $2 AND deleted_at IS NULL`

	p, err := scanPatient(scope.Conn.QueryRow(ctx, query, ownerID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *patientRepository) GetByExternalID(ctx context.Context, ownerID, externalID string) (*models.Patient, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT` + patientColumns + `
		FROM patients
		WHERE owner_id = $1 AND external_id = $2
		ORDER BY deleted_at IS NOT NULL, deleted_at DESC
		LIMIT 1`

	p, err := scanPatient(scope.Conn.QueryRow(ctx, query, ownerID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *patientRepository) ListActive(ctx context.Context, ownerID string) ([]*models.Patient, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `SELECT` + patientColumns + ` FROM patients WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY id`

	rows, err := scope.Conn.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	return scanPatientRows(rows)
}

func (r *patientRepository) Create(ctx context.Context, p *models.Patient) error {
	existing, err := r.CreateBatch(ctx, []*models.Patient{p})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("patient %s already exists: %w", p.ID, apperrors.ErrConflict)
	}
	return nil
}

func (r *patientRepository) SaveImported(ctx context.Context, p *models.Patient, now time.Time) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	now = msPrecision(now)
	query := `
		UPDATE patients
		SET name = $4, phone = $5, email = $6, address = $7, photo_url = $8,
		    external_id = $9, last_synced_at = $10, updated_at = $10,
		    sync_version = sync_version + 1
		WHERE id = $1 AND owner_id = $2 AND sync_version = $3 AND deleted_at IS NULL
		RETURNING sync_version`

	err := scope.Conn.QueryRow(ctx, query,
		p.ID,
		p.OwnerID,
		p.SyncVersion,
		p.Name,
		p.Phone,
		p.Email,
		p.Address,
		p.PhotoURL,
		p.ExternalID,
		now,
	).Scan(&p.SyncVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("patient %s changed concurrently: %w", p.ID, apperrors.ErrConflict)
		}
		if isUniqueViolation(err, "uq_patients_owner_external") {
			return fmt.Errorf("contact already linked to another patient: %w", apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to save imported patient: %w", err)
	}
	p.LastSyncedAt = &now
	p.UpdatedAt = now
	return nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func scanPatient(row pgx.Row) (*models.Patient, error) {
	var p models.Patient
	err := row.Scan(
		&p.ID,
		&p.OwnerID,
		&p.Name,
		&p.Phone,
		&p.Email,
		&p.Address,
		&p.Group,
		&p.IsFavorite,
		&p.PhotoURL,
		&p.ExternalID,
		&p.Source,
		&p.LastSyncedAt,
		&p.SyncVersion,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan patient: %w", err)
	}
	return &p, nil
}

func scanPatientRows(rows pgx.Rows) ([]*models.Patient, error) {
	var patients []*models.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patients: %w", err)
	}
	return patients, nil
}
