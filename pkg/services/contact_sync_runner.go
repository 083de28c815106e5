package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/audit"
	"github.com/ekaya-inc/patient-sync/pkg/config"
	"github.com/ekaya-inc/patient-sync/pkg/contacts"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/observability"
	"github.com/ekaya-inc/patient-sync/pkg/repositories"
	"github.com/ekaya-inc/patient-sync/pkg/retry"
)

// ContactsProvider lists an owner's address book one page at a time.
// An empty syncToken requests a full listing.
type ContactsProvider interface {
	ListContacts(ctx context.Context, ownerID, refreshToken, pageToken, syncToken string) (*models.ContactPage, error)
}

// ImportRunner drives one claimed import job to a terminal state.
type ImportRunner interface {
	// Run processes the job on the owner scope carried by ctx. It returns an
	// error only when the job could not be moved to a terminal state; such a
	// job stays in_progress and is re-claimed once its heartbeat goes stale.
	Run(ctx context.Context, job *models.SyncJob) error
}

// errImportCancelled stops the page loop when the owner asked to cancel.
var errImportCancelled = errors.New("import cancelled by owner")

type contactImportRunner struct {
	jobRepo     repositories.SyncJobRepository
	patientRepo repositories.PatientRepository
	dupRepo     repositories.DuplicateRecordRepository
	credRepo    repositories.ProviderCredentialRepository
	provider    ContactsProvider
	normalizer  *contacts.Normalizer
	auditor     *audit.Auditor
	cfg         config.SyncConfig
	logger      *zap.Logger
	inTx        txRunner
	now         func() time.Time
	newID       func() string
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewContactImportRunner creates the ImportRunner used by the dispatcher.
func NewContactImportRunner(
	jobRepo repositories.SyncJobRepository,
	patientRepo repositories.PatientRepository,
	dupRepo repositories.DuplicateRecordRepository,
	credRepo repositories.ProviderCredentialRepository,
	provider ContactsProvider,
	normalizer *contacts.Normalizer,
	auditor *audit.Auditor,
	cfg config.SyncConfig,
	logger *zap.Logger,
) ImportRunner {
	return &contactImportRunner{
		jobRepo:     jobRepo,
		patientRepo: patientRepo,
		dupRepo:     dupRepo,
		credRepo:    credRepo,
		provider:    provider,
		normalizer:  normalizer,
		auditor:     auditor,
		cfg:         cfg,
		logger:      logger.Named("contact_import"),
		inTx:        database.InTx,
		now:         time.Now,
		newID:       uuid.NewString,
		sleep:       retry.Sleep,
	}
}

var _ ImportRunner = (*contactImportRunner)(nil)

func (r *contactImportRunner) Run(ctx context.Context, job *models.SyncJob) error {
	ctx, span := observability.Tracer().Start(ctx, "contacts.import")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", string(job.JobType)),
	)

	logger := r.logger.With(zap.String("job_id", job.ID.String()), zap.String("owner_id", job.OwnerID))
	logger.Info("Starting contact import", zap.String("job_type", string(job.JobType)))

	syncToken, err := r.importContacts(ctx, job, logger)

	// Interrupted by shutdown: leave the job in_progress for the next claim.
	if ctx.Err() != nil && !errors.Is(err, errImportCancelled) {
		logger.Warn("Contact import interrupted; it will be re-claimed",
			zap.Int("processed", job.Processed))
		return ctx.Err()
	}
	if errors.Is(err, apperrors.ErrJobTerminal) {
		logger.Warn("Job finished elsewhere; abandoning import")
		return nil
	}

	switch {
	case err == nil:
		job.Status = models.SyncJobStatusCompleted
		if syncToken != "" {
			job.SyncToken = &syncToken
		}
	case errors.Is(err, errImportCancelled):
		job.Status = models.SyncJobStatusCancelled
	default:
		job.Status = models.SyncJobStatusFailed
		msg := err.Error()
		job.ErrorMessage = &msg
		observability.RecordError(span, err)
	}

	if err := r.jobRepo.Finish(ctx, job); err != nil {
		if errors.Is(err, apperrors.ErrJobTerminal) {
			logger.Warn("Job finished elsewhere; dropping result", zap.String("status", string(job.Status)))
			return nil
		}
		return fmt.Errorf("failed to finish import job %s: %w", job.ID, err)
	}

	logger.Info("Contact import finished",
		zap.String("status", string(job.Status)),
		zap.Int("total", job.Total),
		zap.Int("created", job.Created),
		zap.Int("updated", job.Updated),
		zap.Int("skipped", job.Skipped),
		zap.Int("duplicates", job.DuplicatesFound))
	r.auditor.RecordImport(ctx, job)
	return nil
}

// importContacts walks every page of the listing and returns the provider's
// next sync token.
func (r *contactImportRunner) importContacts(ctx context.Context, job *models.SyncJob, logger *zap.Logger) (string, error) {
	if r.provider == nil {
		return "", ErrGoogleNotConfigured
	}

	cred, err := r.credRepo.Get(ctx, job.OwnerID, models.ProviderGoogle)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", apperrors.ErrProviderNotLinked
		}
		return "", err
	}

	live, err := r.patientRepo.ListActive(ctx, job.OwnerID)
	if err != nil {
		return "", err
	}
	idx := contacts.NewPatientIndex(r.normalizer.Phones(), live)

	syncToken := models.StringValue(job.SyncToken)
	pageToken := ""
	retriedPage := false

	for {
		page, err := r.provider.ListContacts(ctx, job.OwnerID, cred.RefreshToken, pageToken, syncToken)
		if err != nil {
			var rl *apperrors.RateLimitedError
			switch {
			case errors.As(err, &rl) && !retriedPage:
				retriedPage = true
				wait := r.rateLimitWait(rl.RetryAfter)
				logger.Warn("Contacts provider rate limited; retrying page",
					zap.Duration("retry_after", rl.RetryAfter),
					zap.Duration("wait", wait))
				// Refresh the heartbeat so the wait does not make the job look stale.
				if err := r.flush(ctx, job); err != nil {
					return "", err
				}
				if err := r.sleep(ctx, wait); err != nil {
					return "", err
				}
				continue
			case errors.Is(err, apperrors.ErrSyncTokenExpired) && syncToken != "":
				logger.Info("Sync token expired; restarting as a full listing")
				syncToken = ""
				pageToken = ""
				retriedPage = false
				continue
			}
			return "", err
		}
		retriedPage = false

		job.Total = max(job.Total, page.TotalItems, job.Processed+len(page.Contacts))

		for i, ext := range page.Contacts {
			if err := r.checkCancel(ctx, job); err != nil {
				return "", err
			}

			job.Apply(r.processContact(ctx, job, idx, ext, logger))

			if r.cfg.ProgressFlushEvery > 0 && job.Processed%r.cfg.ProgressFlushEvery == 0 && i < len(page.Contacts)-1 {
				if err := r.flush(ctx, job); err != nil {
					return "", err
				}
			}
		}
		if err := r.flush(ctx, job); err != nil {
			return "", err
		}

		if page.NextPageToken == "" {
			return page.NextSyncToken, nil
		}
		pageToken = page.NextPageToken
	}
}

func (r *contactImportRunner) checkCancel(ctx context.Context, job *models.SyncJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancel, err := r.jobRepo.IsCancelRequested(ctx, job.ID)
	if err != nil {
		return err
	}
	if cancel {
		job.CancelRequested = true
		return errImportCancelled
	}
	return nil
}

// rateLimitWait caps a provider's Retry-After at half the stale window, so a
// job waiting out a rate limit is never re-claimed by another instance.
func (r *contactImportRunner) rateLimitWait(retryAfter time.Duration) time.Duration {
	if r.cfg.JobStaleAfter > 0 {
		return min(retryAfter, r.cfg.JobStaleAfter/2)
	}
	return retryAfter
}

func (r *contactImportRunner) flush(ctx context.Context, job *models.SyncJob) error {
	if err := r.jobRepo.SaveProgress(ctx, job); err != nil {
		return err
	}
	if job.CancelRequested {
		return errImportCancelled
	}
	return nil
}

// processContact never fails: errors and panics count the contact as skipped.
func (r *contactImportRunner) processContact(ctx context.Context, job *models.SyncJob, idx *contacts.PatientIndex, ext models.ExternalContact, logger *zap.Logger) (outcome models.ContactOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Panic while importing contact",
				zap.String("external_id", ext.ResourceName),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			outcome = models.ContactOutcomeSkipped
		}
	}()

	outcome, err := r.importContact(ctx, job, idx, ext, logger)
	if err != nil {
		logger.Warn("Failed to import contact",
			zap.String("external_id", ext.ResourceName),
			zap.Error(err))
		return models.ContactOutcomeSkipped
	}
	return outcome
}

func (r *contactImportRunner) importContact(ctx context.Context, job *models.SyncJob, idx *contacts.PatientIndex, ext models.ExternalContact, logger *zap.Logger) (models.ContactOutcome, error) {
	c := r.normalizer.Normalize(ext)
	if c.ExternalID == "" {
		return models.ContactOutcomeSkipped, nil
	}

	linked, err := r.patientRepo.GetByExternalID(ctx, job.OwnerID, c.ExternalID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return "", err
	}

	if c.Deleted {
		return models.ContactOutcomeSkipped, nil
	}

	if linked != nil {
		return r.updateLinked(ctx, linked, c, logger)
	}

	pending, err := r.dupRepo.HasPending(ctx, job.OwnerID, c.ExternalID)
	if err != nil {
		return "", err
	}
	if pending {
		return models.ContactOutcomeSkipped, nil
	}

	if matches := idx.FindMatches(c); len(matches) > 0 {
		if err := r.parkDuplicate(ctx, job, ext, c, matches); err != nil {
			return "", err
		}
		return models.ContactOutcomeDuplicate, nil
	}

	p := contacts.NewPatient(r.newID(), job.OwnerID, c)
	stampImported(p, r.now())
	if err := r.patientRepo.Create(ctx, p); err != nil {
		return "", err
	}
	idx.Add(p)
	return models.ContactOutcomeCreated, nil
}

// updateLinked refreshes a patient created by an earlier import. Tombstoned
// patients stay deleted and local edits made since the last import win.
func (r *contactImportRunner) updateLinked(ctx context.Context, p *models.Patient, c models.NormalizedContact, logger *zap.Logger) (models.ContactOutcome, error) {
	if p.IsDeleted() {
		return models.ContactOutcomeSkipped, nil
	}
	if p.EditedSinceSync() {
		logger.Debug("Keeping local edits over imported contact",
			zap.String("patient_id", p.ID),
			zap.String("external_id", c.ExternalID))
		return models.ContactOutcomeSkipped, nil
	}

	contacts.ApplyTo(p, c)
	if err := r.patientRepo.SaveImported(ctx, p, r.now()); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return models.ContactOutcomeSkipped, nil
		}
		return "", err
	}
	return models.ContactOutcomeUpdated, nil
}

// parkDuplicate keeps the provider payload next to the normalized contact so
// the reviewer sees exactly what was imported.
func (r *contactImportRunner) parkDuplicate(ctx context.Context, job *models.SyncJob, ext models.ExternalContact, c models.NormalizedContact, matches []models.DuplicateMatch) error {
	raw := ext.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(ext); err != nil {
			return fmt.Errorf("failed to marshal contact %s: %w", c.ExternalID, err)
		}
	}
	rec := &models.DuplicateRecord{
		ID:         uuid.New(),
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		ExternalID: c.ExternalID,
		Contact:    c,
		RawContact: raw,
		Matches:    matches,
		Status:     models.DuplicateStatusPending,
	}
	err := r.inTx(ctx, func(ctx context.Context) error {
		if err := r.dupRepo.Create(ctx, rec); err != nil {
			return err
		}
		return r.jobRepo.AddPendingDuplicate(ctx, job.ID, rec.ID)
	})
	if err != nil {
		return err
	}
	job.PendingDuplicates = append(job.PendingDuplicates, rec.ID)
	return nil
}

// stampImported sets the timestamps of a patient created from a contact so
// it does not count as edited since the import.
func stampImported(p *models.Patient, now time.Time) {
	now = now.UTC().Truncate(time.Millisecond)
	p.CreatedAt = now
	p.UpdatedAt = now
	p.LastSyncedAt = &now
}
