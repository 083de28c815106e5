package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/contacts"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/repositories"
)

const (
	defaultDuplicateListLimit = 100
	maxDuplicateListLimit     = 500
	// MaxBatchResolveItems bounds one batch resolve request.
	MaxBatchResolveItems = 200
)

// DuplicateService lets the owner decide what to do with imported contacts
// that matched existing patients.
type DuplicateService interface {
	List(ctx context.Context, ownerID string, filter models.DuplicateFilter) ([]*models.DuplicateRecord, error)
	// Resolve applies res to a pending record. A record that is already
	// resolved or skipped is returned as recorded with AlreadyResolved set.
	Resolve(ctx context.Context, ownerID string, id uuid.UUID, res models.Resolution) (*models.ResolveOutcome, error)
	Skip(ctx context.Context, ownerID string, id uuid.UUID) (*models.ResolveOutcome, error)
	// BatchResolve resolves each item on its own; failures are reported per item.
	BatchResolve(ctx context.Context, ownerID string, items []models.BatchResolveItem) []models.ResolveOutcome
}

type duplicateService struct {
	dupRepo     repositories.DuplicateRecordRepository
	patientRepo repositories.PatientRepository
	jobRepo     repositories.SyncJobRepository
	logger      *zap.Logger
	inTx        txRunner
	now         func() time.Time
	newID       func() string
}

// NewDuplicateService creates a DuplicateService.
func NewDuplicateService(
	dupRepo repositories.DuplicateRecordRepository,
	patientRepo repositories.PatientRepository,
	jobRepo repositories.SyncJobRepository,
	logger *zap.Logger,
) DuplicateService {
	return &duplicateService{
		dupRepo:     dupRepo,
		patientRepo: patientRepo,
		jobRepo:     jobRepo,
		logger:      logger.Named("duplicates"),
		inTx:        database.InTx,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

var _ DuplicateService = (*duplicateService)(nil)

func (s *duplicateService) List(ctx context.Context, ownerID string, filter models.DuplicateFilter) ([]*models.DuplicateRecord, error) {
	if filter.Status != nil && !models.IsValidDuplicateStatus(*filter.Status) {
		return nil, apperrors.NewValidationError("status", "unknown status %q", *filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultDuplicateListLimit
	}
	if filter.Limit > maxDuplicateListLimit {
		filter.Limit = maxDuplicateListLimit
	}
	return s.dupRepo.List(ctx, ownerID, filter)
}

func (s *duplicateService) Resolve(ctx context.Context, ownerID string, id uuid.UUID, res models.Resolution) (*models.ResolveOutcome, error) {
	var out *models.ResolveOutcome
	err := s.inTx(ctx, func(ctx context.Context) error {
		rec, err := s.dupRepo.LockByID(ctx, ownerID, id)
		if err != nil {
			return err
		}
		if rec.IsFinal() {
			out = recordedOutcome(rec, true)
			return nil
		}

		patientID, err := s.apply(ctx, rec, res)
		if err != nil {
			return err
		}

		rec.Status = models.DuplicateStatusResolved
		rec.Resolution = res.Strategy()
		rec.ResolvedPatientID = &patientID
		if err := s.dupRepo.MarkFinal(ctx, rec); err != nil {
			return err
		}
		if err := s.jobRepo.RemovePendingDuplicate(ctx, rec.JobID, rec.ID, true); err != nil {
			return err
		}
		out = recordedOutcome(rec, false)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !out.AlreadyResolved {
		s.logger.Info("Duplicate resolved",
			zap.String("owner_id", ownerID),
			zap.String("duplicate_id", id.String()),
			zap.String("strategy", string(out.Resolution)))
	}
	return out, nil
}

func (s *duplicateService) Skip(ctx context.Context, ownerID string, id uuid.UUID) (*models.ResolveOutcome, error) {
	var out *models.ResolveOutcome
	err := s.inTx(ctx, func(ctx context.Context) error {
		rec, err := s.dupRepo.LockByID(ctx, ownerID, id)
		if err != nil {
			return err
		}
		if rec.IsFinal() {
			out = recordedOutcome(rec, true)
			return nil
		}

		rec.Status = models.DuplicateStatusSkipped
		rec.Resolution = models.ResolutionSkip
		if err := s.dupRepo.MarkFinal(ctx, rec); err != nil {
			return err
		}
		if err := s.jobRepo.RemovePendingDuplicate(ctx, rec.JobID, rec.ID, false); err != nil {
			return err
		}
		out = recordedOutcome(rec, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *duplicateService) BatchResolve(ctx context.Context, ownerID string, items []models.BatchResolveItem) []models.ResolveOutcome {
	results := make([]models.ResolveOutcome, 0, len(items))
	for _, item := range items {
		results = append(results, s.resolveItem(ctx, ownerID, item))
	}
	return results
}

func (s *duplicateService) resolveItem(ctx context.Context, ownerID string, item models.BatchResolveItem) models.ResolveOutcome {
	failed := func(err error) models.ResolveOutcome {
		return models.ResolveOutcome{
			DuplicateID: item.DuplicateID,
			Resolution:  item.Strategy,
			Error:       itemError(err),
		}
	}

	id, err := uuid.Parse(item.DuplicateID)
	if err != nil {
		return failed(apperrors.NewValidationError("duplicate_id", "must be a UUID"))
	}
	res, err := item.Parse()
	if err != nil {
		return failed(err)
	}

	out, err := s.Resolve(ctx, ownerID, id, res)
	if err != nil {
		s.logger.Warn("Batch resolve item failed",
			zap.String("owner_id", ownerID),
			zap.String("duplicate_id", item.DuplicateID),
			zap.Error(err))
		return failed(err)
	}
	return *out
}

// itemError is the client-facing message for one failed batch item.
func itemError(err error) string {
	var ve *apperrors.ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.Is(err, apperrors.ErrNotFound):
		return "duplicate not found"
	case errors.Is(err, apperrors.ErrConflict):
		return err.Error()
	default:
		return "internal error"
	}
}

// apply performs the resolution and returns the patient the contact ended up as.
func (s *duplicateService) apply(ctx context.Context, rec *models.DuplicateRecord, res models.Resolution) (string, error) {
	switch r := res.(type) {
	case models.KeepExisting:
		return s.target(rec, r.PatientID)

	case models.CreateNew:
		p := contacts.NewPatient(s.newID(), rec.OwnerID, rec.Contact)
		stampImported(p, s.now())
		if err := s.patientRepo.Create(ctx, p); err != nil {
			return "", err
		}
		return p.ID, nil

	case models.Replace:
		p, err := s.loadTarget(ctx, rec, r.PatientID)
		if err != nil {
			return "", err
		}
		contacts.ApplyTo(p, rec.Contact)
		if err := s.patientRepo.SaveImported(ctx, p, s.now()); err != nil {
			return "", err
		}
		return p.ID, nil

	case models.Merge:
		p, err := s.loadTarget(ctx, rec, r.PatientID)
		if err != nil {
			return "", err
		}
		mergeContact(p, rec.Contact, r)
		if err := s.patientRepo.SaveImported(ctx, p, s.now()); err != nil {
			return "", err
		}
		return p.ID, nil
	}
	return "", apperrors.NewValidationError("strategy", "unsupported resolution %T", res)
}

// target returns the patient a resolution applies to: the requested one,
// which must be among the record's matches, or the best match.
func (s *duplicateService) target(rec *models.DuplicateRecord, requested string) (string, error) {
	if requested == "" {
		if len(rec.Matches) == 0 {
			return "", apperrors.NewValidationError("patient_id", "is required; the duplicate has no matches")
		}
		return rec.Matches[0].PatientID, nil
	}
	if !rec.HasMatch(requested) {
		return "", apperrors.NewValidationError("patient_id", "%s is not a match of this duplicate", requested)
	}
	return requested, nil
}

func (s *duplicateService) loadTarget(ctx context.Context, rec *models.DuplicateRecord, requested string) (*models.Patient, error) {
	id, err := s.target(rec, requested)
	if err != nil {
		return nil, err
	}
	p, err := s.patientRepo.GetByID(ctx, rec.OwnerID, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("matched patient %s no longer exists: %w", id, apperrors.ErrConflict)
		}
		return nil, err
	}
	return p, nil
}

// mergeContact copies the fields m takes from the incoming contact and links
// the patient to it. An incoming blank value clears the field, except the
// name, which is only taken when the contact really had one.
func mergeContact(p *models.Patient, c models.NormalizedContact, m models.Merge) {
	for _, f := range models.MergeableFields {
		if m.Source(f) != models.FieldSourceIncoming {
			continue
		}
		switch f {
		case models.MergeFieldName:
			if c.Name != "" && !c.NameDerived {
				p.Name = c.Name
			}
		case models.MergeFieldPhone:
			p.Phone = models.StringPtr(c.Phone)
		case models.MergeFieldEmail:
			p.Email = models.StringPtr(c.Email)
		case models.MergeFieldAddress:
			p.Address = models.StringPtr(c.Address)
		case models.MergeFieldPhotoURL:
			p.PhotoURL = models.StringPtr(c.PhotoURL)
		}
	}
	ext := c.ExternalID
	p.ExternalID = &ext
}

func recordedOutcome(rec *models.DuplicateRecord, already bool) *models.ResolveOutcome {
	return &models.ResolveOutcome{
		DuplicateID:     rec.ID.String(),
		Status:          rec.Status,
		Resolution:      rec.Resolution,
		PatientID:       rec.ResolvedPatientID,
		AlreadyResolved: already,
	}
}
