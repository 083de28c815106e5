package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/crypto"
	"github.com/ekaya-inc/patient-sync/pkg/database"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

// ProviderCredentialRepository stores contacts-provider refresh tokens.
// Tokens are encrypted before storage and decrypted after retrieval.
type ProviderCredentialRepository interface {
	// Get returns the credential with a plaintext RefreshToken, or apperrors.ErrNotFound.
	Get(ctx context.Context, ownerID, provider string) (*models.ProviderCredential, error)
	// Upsert stores cred; cred.RefreshToken is plaintext.
	Upsert(ctx context.Context, cred *models.ProviderCredential) error
	Delete(ctx context.Context, ownerID, provider string) error
}

type providerCredentialRepository struct {
	sealer *crypto.TokenSealer
}

// NewProviderCredentialRepository creates a new ProviderCredentialRepository.
func NewProviderCredentialRepository(sealer *crypto.TokenSealer) ProviderCredentialRepository {
	return &providerCredentialRepository{sealer: sealer}
}

var _ ProviderCredentialRepository = (*providerCredentialRepository)(nil)

func (r *providerCredentialRepository) Get(ctx context.Context, ownerID, provider string) (*models.ProviderCredential, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT owner_id, provider, refresh_token_encrypted, scopes, account_email, created_at, updated_at
		FROM provider_credentials
		WHERE owner_id = $1 AND provider = $2`

	var cred models.ProviderCredential
	var ciphertext string
	err := scope.Conn.QueryRow(ctx, query, ownerID, provider).Scan(
		&cred.OwnerID,
		&cred.Provider,
		&ciphertext,
		&cred.Scopes,
		&cred.AccountEmail,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get provider credential: %w", err)
	}

	token, err := r.sealer.Open(ciphertext, crypto.Binding(cred.OwnerID, cred.Provider))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCredentialsKey, err)
	}
	cred.RefreshToken = token
	return &cred, nil
}

func (r *providerCredentialRepository) Upsert(ctx context.Context, cred *models.ProviderCredential) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	ciphertext, err := r.sealer.Seal(cred.RefreshToken, crypto.Binding(cred.OwnerID, cred.Provider))
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	scopes := cred.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	query := `
		INSERT INTO provider_credentials (owner_id, provider, refresh_token_encrypted, scopes, account_email)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, provider) DO UPDATE
		SET refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
		    scopes = EXCLUDED.scopes,
		    account_email = COALESCE(EXCLUDED.account_email, provider_credentials.account_email),
		    updated_at = now()
		RETURNING created_at, updated_at`

	err = scope.Conn.QueryRow(ctx, query, cred.OwnerID, cred.Provider, ciphertext, scopes, cred.AccountEmail).
		Scan(&cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert provider credential: %w", err)
	}
	return nil
}

func (r *providerCredentialRepository) Delete(ctx context.Context, ownerID, provider string) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, `DELETE FROM provider_credentials WHERE owner_id = $1 AND provider = $2`, ownerID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete provider credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
