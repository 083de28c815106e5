package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/kvstore"
)

// OAuthStateTTL is how long a consent redirect may take before its state expires.
const OAuthStateTTL = 10 * time.Minute

// ErrInvalidOAuthState is returned for an unknown, expired or reused state.
var ErrInvalidOAuthState = &apperrors.ValidationError{Field: "state", Message: "invalid or expired OAuth state"}

// NonceStore manages single-use OAuth state values. Each state is tied to
// the owner who started the consent flow and the PKCE verifier for it.
type NonceStore interface {
	// Generate creates a new state for ownerID and verifier.
	Generate(ctx context.Context, ownerID, verifier string) (string, error)
	// Consume returns what the state was generated for and forgets it.
	Consume(ctx context.Context, state string) (ownerID, verifier string, err error)
}

type nonceEntry struct {
	OwnerID  string `json:"owner_id"`
	Verifier string `json:"verifier"`
}

type nonceStore struct {
	store kvstore.Store
	ttl   time.Duration
}

// NewNonceStore creates a NonceStore on the shared KV store so any API
// instance can complete a flow another one started.
func NewNonceStore(store kvstore.Store) NonceStore {
	return &nonceStore{store: store, ttl: OAuthStateTTL}
}

func nonceKey(state string) string {
	return "oauth_state:" + state
}

func (s *nonceStore) Generate(ctx context.Context, ownerID, verifier string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	state := hex.EncodeToString(b)

	value, err := json.Marshal(nonceEntry{OwnerID: ownerID, Verifier: verifier})
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, nonceKey(state), string(value), s.ttl); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}
	return state, nil
}

func (s *nonceStore) Consume(ctx context.Context, state string) (string, string, error) {
	if state == "" {
		return "", "", ErrInvalidOAuthState
	}

	raw, err := s.store.GetDel(ctx, nonceKey(state))
	if err != nil {
		if errors.Is(err, kvstore.ErrMiss) {
			return "", "", ErrInvalidOAuthState
		}
		return "", "", fmt.Errorf("failed to load oauth state: %w", err)
	}

	var entry nonceEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.OwnerID == "" {
		return "", "", ErrInvalidOAuthState
	}
	return entry.OwnerID, entry.Verifier, nil
}

var _ NonceStore = (*nonceStore)(nil)
