package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/adapters/google"
	"github.com/ekaya-inc/patient-sync/pkg/audit"
	"github.com/ekaya-inc/patient-sync/pkg/config"
	"github.com/ekaya-inc/patient-sync/pkg/contacts"
	"github.com/ekaya-inc/patient-sync/pkg/crypto"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/kvstore"
	"github.com/ekaya-inc/patient-sync/pkg/logging"
	"github.com/ekaya-inc/patient-sync/pkg/observability"
	"github.com/ekaya-inc/patient-sync/pkg/repositories"
	"github.com/ekaya-inc/patient-sync/pkg/services"
)

// memoryStoreCleanupInterval is how often the in-process KV store drops expired keys.
const memoryStoreCleanupInterval = time.Minute

// app holds the dependencies shared by the serve and worker commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB
	store  kvstore.Store
	scopes database.OwnerScopeProvider

	auditor     *audit.Auditor
	patients    repositories.PatientRepository
	notes       repositories.ClinicalNoteRepository
	jobs        repositories.SyncJobRepository
	duplicates  repositories.DuplicateRecordRepository
	credentials repositories.ProviderCredentialRepository
	google      *google.Client

	closers []func()
}

func loadConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(Version)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(&cfg.Logging, cfg.Env)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// newApp connects to the database and KV store and builds the repositories.
// Call close when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.Bool("redis", cfg.Redis.Host != ""),
		zap.Bool("google", cfg.Google.IsConfigured()),
		zap.Bool("kafka", cfg.Kafka.IsEnabled()))

	shutdownTracing := observability.InitTracing(ctx, cfg, logger)
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	})

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.db = db
	a.scopes = database.NewOwnerScopeProvider(db)
	a.closers = append(a.closers, db.Close)

	if err := a.initStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	var sink audit.Sink
	if cfg.Kafka.IsEnabled() {
		kafkaSink := audit.NewKafkaSink(cfg.Kafka, logger)
		sink = kafkaSink
		a.closers = append(a.closers, func() {
			if err := kafkaSink.Close(); err != nil {
				logger.Warn("Kafka audit sink close failed", zap.Error(err))
			}
		})
	}
	a.auditor = audit.NewAuditor(logger, sink)

	sealer, err := crypto.NewTokenSealer(cfg.CredentialsKey, cfg.PreviousKeys()...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init credential encryption: %w", err)
	}

	a.patients = repositories.NewPatientRepository()
	a.notes = repositories.NewClinicalNoteRepository()
	a.jobs = repositories.NewSyncJobRepository()
	a.duplicates = repositories.NewDuplicateRecordRepository()
	a.credentials = repositories.NewProviderCredentialRepository(sealer)

	if cfg.Google.IsConfigured() {
		a.google = google.NewClient(cfg.Google, a.store, logger)
	} else {
		logger.Warn("Google OAuth client not configured; contacts import is disabled")
	}

	return a, nil
}

func (a *app) initStore(ctx context.Context) error {
	client, err := database.NewRedisClient(ctx, &a.cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if client != nil {
		a.store = kvstore.NewRedisStore(client, "patient-sync:")
		a.closers = append(a.closers, func() { _ = client.Close() })
		return nil
	}

	a.logger.Info("Redis not configured; using in-process KV store")
	mem := kvstore.NewMemoryStore(0)
	cleanupCtx, cancel := context.WithCancel(context.Background())
	mem.StartCleanup(cleanupCtx, memoryStoreCleanupInterval)
	a.closers = append(a.closers, cancel)
	a.store = mem
	return nil
}

// newDispatcher builds the import worker pool.
func (a *app) newDispatcher() *services.ContactSyncDispatcher {
	normalizer := contacts.NewNormalizer(contacts.NewPhoneNormalizer(a.cfg.Contacts.Phone))

	// A nil *google.Client must not become a non-nil interface.
	var provider services.ContactsProvider
	if a.google != nil {
		provider = a.google
	}

	runner := services.NewContactImportRunner(
		a.jobs, a.patients, a.duplicates, a.credentials,
		provider, normalizer, a.auditor, a.cfg.Sync, a.logger,
	)
	return services.NewContactSyncDispatcher(a.scopes, a.jobs, runner, a.cfg.Sync, a.logger)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
