package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/config"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/repositories"
	"github.com/ekaya-inc/patient-sync/pkg/services/workqueue"
)

// JobNotifier is told when a new import job is waiting.
type JobNotifier interface {
	Notify()
}

// shutdownGrace bounds how long Run waits for running imports after its context ends.
const shutdownGrace = 30 * time.Second

// ContactSyncDispatcher claims pending import jobs and runs them on a bounded
// worker pool. Several dispatchers (one per worker process) may share a
// database; claiming uses SKIP LOCKED so each job runs once.
type ContactSyncDispatcher struct {
	scopes  database.OwnerScopeProvider
	jobRepo repositories.SyncJobRepository
	runner  ImportRunner
	queue   *workqueue.Queue
	cfg     config.SyncConfig
	wake    chan struct{}
	logger  *zap.Logger
	now     func() time.Time
}

// NewContactSyncDispatcher creates a dispatcher running up to
// cfg.WorkerConcurrency imports at a time.
func NewContactSyncDispatcher(
	scopes database.OwnerScopeProvider,
	jobRepo repositories.SyncJobRepository,
	runner ImportRunner,
	cfg config.SyncConfig,
	logger *zap.Logger,
) *ContactSyncDispatcher {
	logger = logger.Named("contact_dispatcher")
	return &ContactSyncDispatcher{
		scopes:  scopes,
		jobRepo: jobRepo,
		runner:  runner,
		queue:   workqueue.New(logger, workqueue.WithConcurrency(cfg.WorkerConcurrency)),
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		logger:  logger,
		now:     time.Now,
	}
}

var _ JobNotifier = (*ContactSyncDispatcher)(nil)

// Notify wakes the claim loop without waiting for the next poll.
func (d *ContactSyncDispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls for claimable jobs until ctx ends, then waits briefly for
// running imports to stop.
func (d *ContactSyncDispatcher) Run(ctx context.Context) error {
	d.logger.Info("Contact import dispatcher started",
		zap.Int("concurrency", d.cfg.WorkerConcurrency),
		zap.Duration("poll_interval", d.cfg.PollInterval))

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.claimAvailable(ctx)

		select {
		case <-ctx.Done():
			if !d.queue.Shutdown(shutdownGrace) {
				d.logger.Warn("Imports still running after shutdown grace period")
			}
			d.logger.Info("Contact import dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Running returns the number of imports in flight.
func (d *ContactSyncDispatcher) Running() int {
	return d.queue.Running()
}

func (d *ContactSyncDispatcher) claimAvailable(ctx context.Context) {
	for d.queue.Capacity() > 0 && ctx.Err() == nil {
		job, err := d.claim(ctx)
		if err != nil {
			d.logger.Error("Failed to claim import job", zap.Error(err))
			return
		}
		if job == nil {
			return
		}

		d.logger.Debug("Claimed import job",
			zap.String("job_id", job.ID.String()),
			zap.String("owner_id", job.OwnerID))
		if !d.queue.Enqueue(&importTask{job: job, dispatcher: d}) {
			// The claim stays in_progress and is reclaimed once it goes stale.
			d.logger.Warn("Claimed import job could not start",
				zap.String("job_id", job.ID.String()))
			return
		}
	}
}

func (d *ContactSyncDispatcher) claim(ctx context.Context) (*models.SyncJob, error) {
	scoped, cleanup, err := d.scopes.WithoutOwnerScope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return d.jobRepo.ClaimNext(scoped, d.now().Add(-d.cfg.JobStaleAfter))
}

// importTask adapts a claimed job to the work queue.
type importTask struct {
	job        *models.SyncJob
	dispatcher *ContactSyncDispatcher
}

func (t *importTask) ID() string   { return t.job.ID.String() }
func (t *importTask) Name() string { return "contact_import" }

func (t *importTask) Execute(ctx context.Context) error {
	scoped, cleanup, err := t.dispatcher.scopes.WithOwnerScope(ctx, t.job.OwnerID)
	if err != nil {
		return err
	}
	defer cleanup()

	return t.dispatcher.runner.Run(scoped, t.job)
}
