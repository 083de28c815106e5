package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/logging"
	"github.com/ekaya-inc/patient-sync/pkg/models"
	"github.com/ekaya-inc/patient-sync/pkg/repositories"
)

// ErrGoogleNotConfigured is returned when no OAuth client is configured.
var ErrGoogleNotConfigured = errors.New("google contacts import is not configured")

// GoogleOAuth is the part of the Google client the consent flow needs.
type GoogleOAuth interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	AccountEmail(ctx context.Context, tok *oauth2.Token) (string, error)
}

// GrantedScopesFunc extracts the scopes a token was granted.
type GrantedScopesFunc func(tok *oauth2.Token) []string

// GoogleConnectionService links an owner's Google account for contact imports.
type GoogleConnectionService interface {
	// ConnectURL starts the consent flow and returns the URL to redirect to.
	ConnectURL(ctx context.Context, ownerID string) (string, error)
	// Complete finishes the flow started by ConnectURL. The owner is taken
	// from state, so the request need not be authenticated.
	Complete(ctx context.Context, state, code string) (*models.ProviderCredential, error)
	Disconnect(ctx context.Context, ownerID string) error
}

type googleConnectionService struct {
	oauth    GoogleOAuth
	scopesOf GrantedScopesFunc
	nonces   NonceStore
	credRepo repositories.ProviderCredentialRepository
	owners   database.OwnerScopeProvider
	logger   *zap.Logger
}

// NewGoogleConnectionService creates a GoogleConnectionService. oauth may be
// nil when no client is configured; every call then fails with
// ErrGoogleNotConfigured.
func NewGoogleConnectionService(
	oauth GoogleOAuth,
	scopesOf GrantedScopesFunc,
	nonces NonceStore,
	credRepo repositories.ProviderCredentialRepository,
	owners database.OwnerScopeProvider,
	logger *zap.Logger,
) GoogleConnectionService {
	return &googleConnectionService{
		oauth:    oauth,
		scopesOf: scopesOf,
		nonces:   nonces,
		credRepo: credRepo,
		owners:   owners,
		logger:   logger.Named("google_connection"),
	}
}

var _ GoogleConnectionService = (*googleConnectionService)(nil)

func (s *googleConnectionService) ConnectURL(ctx context.Context, ownerID string) (string, error) {
	if s.oauth == nil {
		return "", ErrGoogleNotConfigured
	}

	verifier := oauth2.GenerateVerifier()
	state, err := s.nonces.Generate(ctx, ownerID, verifier)
	if err != nil {
		return "", err
	}
	return s.oauth.AuthCodeURL(state, verifier), nil
}

func (s *googleConnectionService) Complete(ctx context.Context, state, code string) (*models.ProviderCredential, error) {
	if s.oauth == nil {
		return nil, ErrGoogleNotConfigured
	}

	ownerID, verifier, err := s.nonces.Consume(ctx, state)
	if err != nil {
		return nil, err
	}

	tok, err := s.oauth.Exchange(ctx, code, verifier)
	if err != nil {
		s.logger.Warn("Google code exchange failed",
			zap.String("owner_id", ownerID),
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("google code exchange: %w", err)
	}

	cred := &models.ProviderCredential{
		OwnerID:      ownerID,
		Provider:     models.ProviderGoogle,
		RefreshToken: tok.RefreshToken,
		Scopes:       s.scopesOf(tok),
	}
	if email, err := s.oauth.AccountEmail(ctx, tok); err != nil {
		s.logger.Warn("Could not read Google account email", zap.String("owner_id", ownerID), zap.Error(err))
	} else if email != "" {
		cred.AccountEmail = &email
	}

	scoped, cleanup, err := s.owners.WithOwnerScope(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := s.credRepo.Upsert(scoped, cred); err != nil {
		return nil, err
	}

	s.logger.Info("Google account connected",
		zap.String("owner_id", ownerID),
		zap.Strings("scopes", cred.Scopes))
	return cred, nil
}

func (s *googleConnectionService) Disconnect(ctx context.Context, ownerID string) error {
	if err := s.credRepo.Delete(ctx, ownerID, models.ProviderGoogle); err != nil {
		return err
	}
	s.logger.Info("Google account disconnected", zap.String("owner_id", ownerID))
	return nil
}
