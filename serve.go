package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/patient-sync/pkg/adapters/google"
	"github.com/ekaya-inc/patient-sync/pkg/auth"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/handlers"
	"github.com/ekaya-inc/patient-sync/pkg/kvstore"
	"github.com/ekaya-inc/patient-sync/pkg/middleware"
	"github.com/ekaya-inc/patient-sync/pkg/services"
)

const httpShutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and, unless --no-worker, the import workers)",
	Long: `Run the sync and contacts API.

By default the process also claims and runs contact import jobs. Use
--no-worker when imports run in separate "patient-sync worker" processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noWorker, _ := cmd.Flags().GetBool("no-worker")
		runMigrations, _ := cmd.Flags().GetBool("migrate")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, !noWorker, runMigrations)
	},
}

func init() {
	serveCmd.Flags().Bool("no-worker", false, "do not run contact import workers in this process")
	serveCmd.Flags().Bool("migrate", true, "apply pending schema migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, withWorker, runMigrations bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	if runMigrations {
		if err := migrateUp(a.cfg.Database.ConnectionString(), logger); err != nil {
			return err
		}
	}

	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: a.cfg.Auth.EnableVerification,
		JWKSEndpoints:      a.cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return fmt.Errorf("init JWKS client: %w", err)
	}
	defer jwksClient.Close()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwksClient, logger), logger)
	ownerMiddleware := database.WithOwnerContext(a.db, logger)

	var dispatcher *services.ContactSyncDispatcher
	var notifier services.JobNotifier
	if withWorker {
		dispatcher = a.newDispatcher()
		notifier = dispatcher
	}

	// A nil *google.Client must not become a non-nil interface.
	var oauth services.GoogleOAuth
	if a.google != nil {
		oauth = a.google
	}

	syncService := services.NewSyncService(a.patients, a.notes, kvstore.NewCache(a.store, logger), a.auditor, a.cfg.Sync, logger)
	contactSyncService := services.NewContactSyncService(a.jobs, a.credentials, notifier, logger)
	duplicateService := services.NewDuplicateService(a.duplicates, a.patients, a.jobs, logger)
	googleService := services.NewGoogleConnectionService(oauth, google.GrantedScopes,
		services.NewNonceStore(a.store), a.credentials, a.scopes, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(a.cfg, a.db, logger).RegisterRoutes(mux)
	handlers.NewSyncHandler(syncService, logger).
		RegisterRoutes(mux, authMiddleware.RequireAuth, ownerMiddleware)
	handlers.NewContactsHandler(contactSyncService, logger).
		RegisterRoutes(mux, authMiddleware.RequireAuth, ownerMiddleware)
	handlers.NewDuplicatesHandler(duplicateService, logger).
		RegisterRoutes(mux, authMiddleware.RequireAuth, ownerMiddleware)
	handlers.NewGoogleHandler(googleService, logger).
		RegisterRoutes(mux, authMiddleware.RequireAuth, ownerMiddleware)

	var handler http.Handler = mux
	handler = middleware.RequestLogger(logger.Named("http"))(handler)
	handler = middleware.Tracing(otel.GetTracerProvider())(handler)

	server := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.BindAddr, a.cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting patient-sync",
			zap.String("addr", server.Addr),
			zap.String("version", a.cfg.Version),
			zap.Bool("worker", withWorker))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down HTTP server")
		return server.Shutdown(shutdownCtx)
	})

	if dispatcher != nil {
		g.Go(func() error {
			return dispatcher.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
