package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/audit"
	"github.com/ekaya-inc/patient-sync/pkg/config"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/kvstore"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/observability"
	"github.com/ekaya-inc/patient-sync/pkg/repositories"
	"github.com/ekaya-inc/patient-sync/pkg/syncwire"
)

// txRunner runs fn inside one transaction on the owner connection carried by ctx.
type txRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// SyncService implements the pull/push protocol for offline clients.
type SyncService interface {
	// Pull returns every change since the watermark, bounded by the configured
	// safety cap. A zero since means a first sync: no tombstones are sent.
	Pull(ctx context.Context, ownerID string, since time.Time) (*models.PullResult, error)

	// PullBatched returns one cursor-paged batch per collection.
	PullBatched(ctx context.Context, ownerID string, req models.BatchedPullRequest) (*models.BatchedPullResult, error)

	// Push validates and applies a client's changes atomically. Any stale
	// update rejects the whole push with *apperrors.ConflictError.
	Push(ctx context.Context, ownerID string, changes *syncwire.Changes) error

	// Stats counts pending changes since the watermark.
	Stats(ctx context.Context, ownerID string, since time.Time) (*models.SyncStats, error)
}

type syncService struct {
	patientRepo repositories.PatientRepository
	noteRepo    repositories.ClinicalNoteRepository
	cache       *kvstore.Cache
	auditor     *audit.Auditor
	cfg         config.SyncConfig
	logger      *zap.Logger
	inTx        txRunner
	now         func() time.Time
}

// NewSyncService creates a SyncService.
func NewSyncService(
	patientRepo repositories.PatientRepository,
	noteRepo repositories.ClinicalNoteRepository,
	cache *kvstore.Cache,
	auditor *audit.Auditor,
	cfg config.SyncConfig,
	logger *zap.Logger,
) SyncService {
	return &syncService{
		patientRepo: patientRepo,
		noteRepo:    noteRepo,
		cache:       cache,
		auditor:     auditor,
		cfg:         cfg,
		logger:      logger.Named("sync"),
		inTx:        database.InTx,
		now:         time.Now,
	}
}

var _ SyncService = (*syncService)(nil)

func statsNamespace(ownerID string) string {
	return "sync_stats:" + ownerID
}

// ============================================================================
// Pull
// ============================================================================

func (s *syncService) Pull(ctx context.Context, ownerID string, since time.Time) (*models.PullResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "sync.pull")
	defer span.End()

	res, err := s.pull(ctx, ownerID, since)
	var counts map[string]int
	if res != nil {
		counts = changeCounts(res.Changes)
		span.SetAttributes(attribute.Bool("sync.truncated", res.Truncated))
	}
	s.auditor.RecordSync(ctx, ownerID, models.SyncOperationPull, counts, err)
	observability.RecordError(span, err)
	return res, err
}

func (s *syncService) pull(ctx context.Context, ownerID string, since time.Time) (*models.PullResult, error) {
	// Taken before any query so a change committed mid-pull is seen again next time.
	res := &models.PullResult{Timestamp: s.now()}
	limit := s.cfg.FullPullMaxRecords

	patients, err := s.patientRepo.ListChanged(ctx, ownerID, since, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to pull patients: %w", err)
	}
	if len(patients) > limit {
		patients = patients[:limit]
		res.Truncated = true
	}
	res.Changes.Patients.Created, res.Changes.Patients.Updated = partitionBySince(patients, since, patientCreatedAt)

	notes, err := s.noteRepo.ListChanged(ctx, ownerID, since, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to pull clinical notes: %w", err)
	}
	if len(notes) > limit {
		notes = notes[:limit]
		res.Truncated = true
	}
	res.Changes.Notes.Created, res.Changes.Notes.Updated = partitionBySince(notes, since, noteCreatedAt)

	if res.Truncated {
		s.logger.Warn("Full pull hit the record cap; client should switch to batched pulls",
			zap.String("owner_id", ownerID),
			zap.Int("cap", limit),
			zap.Int64("since", syncwire.WatermarkMillis(since)))
	}

	if !since.IsZero() {
		if res.Changes.Patients.Deleted, err = s.patientRepo.ListDeletedIDs(ctx, ownerID, since); err != nil {
			return nil, fmt.Errorf("failed to pull deleted patients: %w", err)
		}
		if res.Changes.Notes.Deleted, err = s.noteRepo.ListDeletedIDs(ctx, ownerID, since); err != nil {
			return nil, fmt.Errorf("failed to pull deleted clinical notes: %w", err)
		}
	}

	return res, nil
}

func (s *syncService) PullBatched(ctx context.Context, ownerID string, req models.BatchedPullRequest) (*models.BatchedPullResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "sync.pull_batched")
	defer span.End()

	res, err := s.pullBatched(ctx, ownerID, req)
	var counts map[string]int
	if res != nil {
		counts = changeCounts(res.Changes)
		span.SetAttributes(attribute.Bool("sync.has_more", res.HasMore))
	}
	s.auditor.RecordSync(ctx, ownerID, models.SyncOperationBatchedPull, counts, err)
	observability.RecordError(span, err)
	return res, err
}

// batchSize clamps a requested batch size to the configured bounds.
func (s *syncService) batchSize(requested int) int {
	switch {
	case requested <= 0:
		return s.cfg.DefaultBatchSize
	case requested > s.cfg.MaxBatchSize:
		return s.cfg.MaxBatchSize
	default:
		return requested
	}
}

func (s *syncService) pullBatched(ctx context.Context, ownerID string, req models.BatchedPullRequest) (*models.BatchedPullResult, error) {
	res := &models.BatchedPullResult{Timestamp: s.now()}
	size := s.batchSize(req.BatchSize)
	since := req.Since

	patients, err := fetchPage(ctx,
		func(ctx context.Context, after models.Cursor, offset, limit int) ([]*models.Patient, error) {
			return s.patientRepo.PageChanged(ctx, ownerID, since, after, offset, limit)
		},
		patientPosition, req.PatientCursor, req.SkipPatients, size)
	if err != nil {
		return nil, fmt.Errorf("failed to page patients: %w", err)
	}

	notes, err := fetchPage(ctx,
		func(ctx context.Context, after models.Cursor, offset, limit int) ([]*models.ClinicalNote, error) {
			return s.noteRepo.PageChanged(ctx, ownerID, since, after, offset, limit)
		},
		notePosition, req.NoteCursor, req.SkipNotes, size)
	if err != nil {
		return nil, fmt.Errorf("failed to page clinical notes: %w", err)
	}

	res.Changes.Patients.Created, res.Changes.Patients.Updated = partitionBySince(patients.Items, since, patientCreatedAt)
	res.Changes.Notes.Created, res.Changes.Notes.Updated = partitionBySince(notes.Items, since, noteCreatedAt)
	res.PatientsHasMore, res.PatientCursor, res.NextSkipPatients = patients.HasMore, patients.Next, patients.NextSkip
	res.NotesHasMore, res.NoteCursor, res.NextSkipNotes = notes.HasMore, notes.Next, notes.NextSkip
	res.HasMore = patients.HasMore || notes.HasMore

	// Tombstones are not paged; the whole list goes out with the first batch.
	if !since.IsZero() && req.IsFirstBatch() {
		if res.Changes.Patients.Deleted, err = s.patientRepo.ListDeletedIDs(ctx, ownerID, since); err != nil {
			return nil, fmt.Errorf("failed to pull deleted patients: %w", err)
		}
		if res.Changes.Notes.Deleted, err = s.noteRepo.ListDeletedIDs(ctx, ownerID, since); err != nil {
			return nil, fmt.Errorf("failed to pull deleted clinical notes: %w", err)
		}
	}

	return res, nil
}

// ============================================================================
// Push
// ============================================================================

func (s *syncService) Push(ctx context.Context, ownerID string, changes *syncwire.Changes) error {
	ctx, span := observability.Tracer().Start(ctx, "sync.push")
	defer span.End()

	counts, err := s.push(ctx, ownerID, changes)
	s.auditor.RecordSync(ctx, ownerID, models.SyncOperationPush, counts, err)
	observability.RecordError(span, err)
	return err
}

func (s *syncService) push(ctx context.Context, ownerID string, changes *syncwire.Changes) (map[string]int, error) {
	now := s.now()

	cs, err := syncwire.DecodeChanges(changes, ownerID, now)
	if err != nil {
		return nil, err
	}
	counts := changeCounts(cs)
	if cs.IsEmpty() {
		return counts, nil
	}

	s.auditor.ScreenChanges(ctx, ownerID, cs)

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.checkConflicts(ctx, ownerID, cs); err != nil {
			return err
		}
		if err := s.applyPatients(ctx, ownerID, cs.Patients, now); err != nil {
			return err
		}
		return s.applyNotes(ctx, ownerID, cs.Notes, now)
	})
	if err != nil {
		var conflict *apperrors.ConflictError
		if errors.As(err, &conflict) {
			s.logger.Info("Push rejected: stale updates",
				zap.String("owner_id", ownerID),
				zap.Int("patients", len(conflict.PatientIDs)),
				zap.Int("clinical_notes", len(conflict.NoteIDs)))
		}
		return counts, err
	}

	s.cache.Bump(ctx, statsNamespace(ownerID))
	return counts, nil
}

// checkConflicts runs the Conflict Detector over every pushed update before
// anything is written.
func (s *syncService) checkConflicts(ctx context.Context, ownerID string, cs models.ChangeSet) error {
	conflict := &apperrors.ConflictError{}

	if len(cs.Patients.Updated) > 0 {
		ids := make([]string, len(cs.Patients.Updated))
		for i, p := range cs.Patients.Updated {
			ids[i] = p.ID
		}
		stored, err := s.patientRepo.GetByIDs(ctx, ownerID, ids)
		if err != nil {
			return fmt.Errorf("failed to load patients for update: %w", err)
		}
		for _, p := range cs.Patients.Updated {
			if CheckUpdate(p.UpdatedAt, storedPatientTime(stored[p.ID]), stored[p.ID] != nil && stored[p.ID].IsDeleted()) == UpdateConflict {
				conflict.PatientIDs = append(conflict.PatientIDs, p.ID)
			}
		}
	}

	if len(cs.Notes.Updated) > 0 {
		ids := make([]string, len(cs.Notes.Updated))
		for i, n := range cs.Notes.Updated {
			ids[i] = n.ID
		}
		stored, err := s.noteRepo.GetByIDs(ctx, ownerID, ids)
		if err != nil {
			return fmt.Errorf("failed to load clinical notes for update: %w", err)
		}
		for _, n := range cs.Notes.Updated {
			st := stored[n.ID]
			if CheckUpdate(n.UpdatedAt, storedNoteTime(st), st != nil && st.DeletedAt != nil) == UpdateConflict {
				conflict.NoteIDs = append(conflict.NoteIDs, n.ID)
			}
		}
	}

	if len(conflict.PatientIDs) > 0 || len(conflict.NoteIDs) > 0 {
		return conflict
	}
	return nil
}

func storedPatientTime(p *models.Patient) *time.Time {
	if p == nil {
		return nil
	}
	return &p.UpdatedAt
}

func storedNoteTime(n *models.ClinicalNote) *time.Time {
	if n == nil {
		return nil
	}
	return &n.UpdatedAt
}

func (s *syncService) applyPatients(ctx context.Context, ownerID string, changes models.PatientChanges, now time.Time) error {
	existing, err := s.patientRepo.CreateBatch(ctx, changes.Created)
	if err != nil {
		return fmt.Errorf("failed to create patients: %w", err)
	}
	if len(existing) > 0 {
		s.logger.Warn("Pushed patient creates for ids that already exist; ignored",
			zap.String("owner_id", ownerID),
			zap.Strings("patient_ids", existing))
	}

	for _, p := range changes.Updated {
		if err := s.patientRepo.ApplyClientUpdate(ctx, p, now); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				s.logger.Warn("Pushed update for unknown patient; ignored",
					zap.String("owner_id", ownerID),
					zap.String("patient_id", p.ID))
				continue
			}
			return fmt.Errorf("failed to update patient %s: %w", p.ID, err)
		}
	}

	if len(changes.Deleted) == 0 {
		return nil
	}
	deleted, err := s.patientRepo.SoftDelete(ctx, ownerID, changes.Deleted, now)
	if err != nil {
		return fmt.Errorf("failed to delete patients: %w", err)
	}
	if len(deleted) < len(changes.Deleted) {
		s.logger.Debug("Some pushed patient deletes were already deleted or unknown",
			zap.String("owner_id", ownerID),
			zap.Int("requested", len(changes.Deleted)),
			zap.Int("deleted", len(deleted)))
	}
	// Notes follow their patient; ids is the full requested list so notes of
	// patients tombstoned earlier are swept up as well.
	if _, err := s.noteRepo.SoftDeleteByPatients(ctx, ownerID, changes.Deleted, now); err != nil {
		return fmt.Errorf("failed to delete notes of deleted patients: %w", err)
	}
	return nil
}

func (s *syncService) applyNotes(ctx context.Context, ownerID string, changes models.NoteChanges, now time.Time) error {
	rejected, err := s.noteRepo.CreateBatch(ctx, changes.Created)
	if err != nil {
		return fmt.Errorf("failed to create clinical notes: %w", err)
	}
	if len(rejected) > 0 {
		s.logger.Warn("Pushed note creates rejected: id exists or patient not owned",
			zap.String("owner_id", ownerID),
			zap.Strings("note_ids", rejected))
	}

	for _, n := range changes.Updated {
		if err := s.noteRepo.ApplyClientUpdate(ctx, n, now); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				s.logger.Warn("Pushed update for unknown clinical note; ignored",
					zap.String("owner_id", ownerID),
					zap.String("note_id", n.ID))
				continue
			}
			return fmt.Errorf("failed to update clinical note %s: %w", n.ID, err)
		}
	}

	if _, err := s.noteRepo.SoftDelete(ctx, ownerID, changes.Deleted, now); err != nil {
		return fmt.Errorf("failed to delete clinical notes: %w", err)
	}
	return nil
}

// ============================================================================
// Stats
// ============================================================================

func (s *syncService) Stats(ctx context.Context, ownerID string, since time.Time) (*models.SyncStats, error) {
	key := s.cache.Key(ctx, statsNamespace(ownerID), strconv.FormatInt(syncwire.WatermarkMillis(since), 10))

	stats, err := kvstore.GetOrLoad(ctx, s.cache, key, s.cfg.StatsCacheTTL, func(ctx context.Context) (*models.SyncStats, error) {
		return s.computeStats(ctx, ownerID, since)
	})
	if err != nil {
		return nil, err
	}
	stats.Since = since
	return stats, nil
}

func (s *syncService) computeStats(ctx context.Context, ownerID string, since time.Time) (*models.SyncStats, error) {
	patients, err := s.patientRepo.CountChanges(ctx, ownerID, since)
	if err != nil {
		return nil, err
	}
	notes, err := s.noteRepo.CountChanges(ctx, ownerID, since)
	if err != nil {
		return nil, err
	}

	stats := &models.SyncStats{
		Since: since,
		Collections: map[string]models.PendingCounts{
			models.EntityPatient.Collection():      patients,
			models.EntityClinicalNote.Collection(): notes,
		},
		TotalChanges:    patients.Total() + notes.Total(),
		RecommendedMode: models.PullModeFull,
		ComputedAt:      s.now(),
	}
	if stats.TotalChanges > s.cfg.BatchedPullThreshold {
		stats.RecommendedMode = models.PullModeBatched
	}
	return stats, nil
}

func changeCounts(cs models.ChangeSet) map[string]int {
	return map[string]int{
		models.EntityPatient.Collection():      cs.Patients.Len(),
		models.EntityClinicalNote.Collection(): cs.Notes.Len(),
	}
}
