package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/repositories"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// ContactSyncService starts and tracks contact import jobs. The import itself
// runs on a ContactSyncDispatcher.
type ContactSyncService interface {
	// Start queues an import for the owner. It fails with
	// *apperrors.ActiveJobError when a job is already pending or running and
	// with apperrors.ErrProviderNotLinked when no account is connected.
	Start(ctx context.Context, ownerID string) (*models.SyncJob, error)
	Status(ctx context.Context, ownerID string, jobID uuid.UUID) (*models.SyncJob, error)
	// Cancel requests cancellation. A finished job is returned together with
	// apperrors.ErrJobTerminal.
	Cancel(ctx context.Context, ownerID string, jobID uuid.UUID) (*models.SyncJob, error)
	History(ctx context.Context, ownerID string, limit int) ([]*models.SyncJob, error)
}

type contactSyncService struct {
	jobRepo  repositories.SyncJobRepository
	credRepo repositories.ProviderCredentialRepository
	notifier JobNotifier
	logger   *zap.Logger
}

// NewContactSyncService creates a ContactSyncService. notifier may be nil
// when imports run in a separate worker process.
func NewContactSyncService(
	jobRepo repositories.SyncJobRepository,
	credRepo repositories.ProviderCredentialRepository,
	notifier JobNotifier,
	logger *zap.Logger,
) ContactSyncService {
	return &contactSyncService{
		jobRepo:  jobRepo,
		credRepo: credRepo,
		notifier: notifier,
		logger:   logger.Named("contact_sync"),
	}
}

var _ ContactSyncService = (*contactSyncService)(nil)

func (s *contactSyncService) Start(ctx context.Context, ownerID string) (*models.SyncJob, error) {
	if _, err := s.credRepo.Get(ctx, ownerID, models.ProviderGoogle); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrProviderNotLinked
		}
		return nil, err
	}

	active, err := s.jobRepo.GetActive(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, &apperrors.ActiveJobError{JobID: active.ID.String()}
	}

	token, err := s.jobRepo.LatestSyncToken(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	job := &models.SyncJob{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Status:    models.SyncJobStatusPending,
		JobType:   models.SyncJobTypeInitial,
		SyncToken: token,
	}
	if token != nil {
		job.JobType = models.SyncJobTypeIncremental
	}

	// The partial unique index catches a job created between GetActive and here.
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Contact import queued",
		zap.String("owner_id", ownerID),
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", string(job.JobType)))

	if s.notifier != nil {
		s.notifier.Notify()
	}
	return job, nil
}

func (s *contactSyncService) Status(ctx context.Context, ownerID string, jobID uuid.UUID) (*models.SyncJob, error) {
	return s.jobRepo.GetByID(ctx, ownerID, jobID)
}

func (s *contactSyncService) Cancel(ctx context.Context, ownerID string, jobID uuid.UUID) (*models.SyncJob, error) {
	job, err := s.jobRepo.RequestCancel(ctx, ownerID, jobID)
	if err != nil {
		return job, err
	}
	s.logger.Info("Contact import cancellation requested",
		zap.String("owner_id", ownerID),
		zap.String("job_id", jobID.String()),
		zap.String("status", string(job.Status)))
	return job, nil
}

func (s *contactSyncService) History(ctx context.Context, ownerID string, limit int) ([]*models.SyncJob, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.jobRepo.ListByOwner(ctx, ownerID, limit)
}
