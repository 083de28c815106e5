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

// ClinicalNoteRepository provides data access for clinical notes.
type ClinicalNoteRepository interface {
	ListChanged(ctx context.Context, ownerID string, since time.Time, limit int) ([]*models.ClinicalNote, error)
	PageChanged(ctx context.Context, ownerID string, since time.Time, after models.Cursor, offset, limit int) ([]*models.ClinicalNote, error)
	ListDeletedIDs(ctx context.Context, ownerID string, since time.Time) ([]string, error)
	CountChanges(ctx context.Context, ownerID string, since time.Time) (models.PendingCounts, error)

	GetByIDs(ctx context.Context, ownerID string, ids []string) (map[string]*models.ClinicalNote, error)
	// CreateBatch inserts notes whose patient belongs to the same owner. It
	// returns the ids that were not inserted (id taken, or patient not owned).
	CreateBatch(ctx context.Context, notes []*models.ClinicalNote) ([]string, error)
	ApplyClientUpdate(ctx context.Context, n *models.ClinicalNote, now time.Time) error
	SoftDelete(ctx context.Context, ownerID string, ids []string, now time.Time) ([]string, error)
	// SoftDeleteByPatients tombstones every live note of the given patients.
	SoftDeleteByPatients(ctx context.Context, ownerID string, patientIDs []string, now time.Time) ([]string, error)
}

type clinicalNoteRepository struct{}

// NewClinicalNoteRepository creates a new ClinicalNoteRepository.
func NewClinicalNoteRepository() ClinicalNoteRepository {
	return &clinicalNoteRepository{}
}

var _ ClinicalNoteRepository = (*clinicalNoteRepository)(nil)

const noteColumns = `
		id, patient_id, owner_id, content, visit_type, created_at, updated_at, deleted_at`

func (r *clinicalNoteRepository) ListChanged(ctx context.Context, ownerID string, since time.Time, limit int) ([]*models.ClinicalNote, error) {
	return r.PageChanged(ctx, ownerID, since, models.Cursor{}, 0, limit)
}

func (r *clinicalNoteRepository) PageChanged(ctx context.Context, ownerID string, since time.Time, after models.Cursor, offset, limit int) ([]*models.ClinicalNote, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT` + noteColumns + `
		FROM clinical_notes
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
		return nil, fmt.Errorf("failed to list changed clinical notes: %w", err)
	}
	defer rows.Close()

	return scanNoteRows(rows)
}

func (r *clinicalNoteRepository) ListDeletedIDs(ctx context.Context, ownerID string, since time.Time) ([]string, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT id FROM clinical_notes
		WHERE owner_id = $1 AND deleted_at IS NOT NULL AND deleted_at > $2
		ORDER BY deleted_at, id`

	rows, err := scope.Conn.Query(ctx, query, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted clinical notes: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan deleted note ids: %w", err)
	}
	return ids, nil
}

func (r *clinicalNoteRepository) CountChanges(ctx context.Context, ownerID string, since time.Time) (models.PendingCounts, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return models.PendingCounts{}, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE deleted_at IS NULL AND created_at > $2),
			COUNT(*) FILTER (WHERE deleted_at IS NULL AND created_at <= $2 AND updated_at > $2),
			COUNT(*) FILTER (WHERE $3 AND deleted_at IS NOT NULL AND deleted_at > $2)
		FROM clinical_notes
		WHERE owner_id = $1`

	var c models.PendingCounts
	err := scope.Conn.QueryRow(ctx, query, ownerID, since, !since.IsZero()).Scan(&c.Created, &c.Updated, &c.Deleted)
	if err != nil {
		return c, fmt.Errorf("failed to count clinical note changes: %w", err)
	}
	return c, nil
}

func (r *clinicalNoteRepository) GetByIDs(ctx context.Context, ownerID string, ids []string) (map[string]*models.ClinicalNote, error) {
	result := make(map[string]*models.ClinicalNote, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `SELECT` + noteColumns + ` FROM clinical_notes WHERE owner_id = $1 AND id = ANY($2)`

	rows, err := scope.Conn.Query(ctx, query, ownerID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get clinical notes by id: %w", err)
	}
	defer rows.Close()

	notes, err := scanNoteRows(rows)
	if err != nil {
		return nil, err
	}
	for _, n := range notes {
		result[n.ID] = n
	}
	return result, nil
}

func (r *clinicalNoteRepository) CreateBatch(ctx context.Context, notes []*models.ClinicalNote) ([]string, error) {
	if len(notes) == 0 {
		return nil, nil
	}

	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	// The patient must belong to the same owner; the id is not trusted on its own.
	batch := &pgx.Batch{}
	query := `
		INSERT INTO clinical_notes (id, patient_id, owner_id, content, visit_type, created_at, updated_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::timestamptz, $7::timestamptz
		WHERE EXISTS (SELECT 1 FROM patients WHERE id = $2 AND owner_id = $3)
		ON CONFLICT (id) DO NOTHING`

	for _, n := range notes {
		n.CreatedAt = msPrecision(n.CreatedAt)
		n.UpdatedAt = msPrecision(n.UpdatedAt)
		batch.Queue(query, n.ID, n.PatientID, n.OwnerID, n.Content, n.VisitType, n.CreatedAt, n.UpdatedAt)
	}

	results := scope.Conn.SendBatch(ctx, batch)
	defer results.Close()

	var rejected []string
	for i := range notes {
		tag, err := results.Exec()
		if err != nil {
			return nil, fmt.Errorf("failed to create clinical note %d: %w", i, err)
		}
		if tag.RowsAffected() == 0 {
			rejected = append(rejected, notes[i].ID)
		}
	}
	return rejected, nil
}

func (r *clinicalNoteRepository) ApplyClientUpdate(ctx context.Context, n *models.ClinicalNote, now time.Time) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	now = msPrecision(now)
	query := `
		UPDATE clinical_notes
		SET content = $3, visit_type = $4, updated_at = $5
		WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`

	tag, err := scope.Conn.Exec(ctx, query, n.ID, n.OwnerID, n.Content, n.VisitType, now)
	if err != nil {
		return fmt.Errorf("failed to update clinical note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	n.UpdatedAt = now
	return nil
}

func (r *clinicalNoteRepository) SoftDelete(ctx context.Context, ownerID string, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.softDelete(ctx, `
		UPDATE clinical_notes
		SET deleted_at = $3, updated_at = $3
		WHERE owner_id = $1 AND id = ANY($2) AND deleted_at IS NULL
		RETURNING id`, ownerID, ids, now)
}

func (r *clinicalNoteRepository) SoftDeleteByPatients(ctx context.Context, ownerID string, patientIDs []string, now time.Time) ([]string, error) {
	if len(patientIDs) == 0 {
		return nil, nil
	}
	return r.softDelete(ctx, `
		UPDATE clinical_notes
		SET deleted_at = $3, updated_at = $3
		WHERE owner_id = $1 AND patient_id = ANY($2) AND deleted_at IS NULL
		RETURNING id`, ownerID, patientIDs, now)
}

func (r *clinicalNoteRepository) softDelete(ctx context.Context, query, ownerID string, ids []string, now time.Time) ([]string, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, ownerID, ids, msPrecision(now))
	if err != nil {
		return nil, fmt.Errorf("failed to soft delete clinical notes: %w", err)
	}
	deleted, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to soft delete clinical notes: %w", err)
	}
	return deleted, nil
}

func scanNote(row pgx.Row) (*models.ClinicalNote, error) {
	var n models.ClinicalNote
	err := row.Scan(
		&n.ID,
		&n.PatientID,
		&n.OwnerID,
		&n.Content,
		&n.VisitType,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan clinical note: %w", err)
	}
	return &n, nil
}

func scanNoteRows(rows pgx.Rows) ([]*models.ClinicalNote, error) {
	var notes []*models.ClinicalNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clinical notes: %w", err)
	}
	return notes, nil
}
