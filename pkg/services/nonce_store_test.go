package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/kvstore"
)

func TestNonceStore_Generate_ReturnsUniqueStates(t *testing.T) {
	store := NewNonceStore(kvstore.NewMemoryStore(0))
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		state, err := store.Generate(context.Background(), "owner-1", "verifier")
		require.NoError(t, err)
		require.False(t, seen[state], "duplicate state generated")
		seen[state] = true
	}
}

func TestNonceStore_Consume_ReturnsOwnerAndVerifier(t *testing.T) {
	ctx := context.Background()
	store := NewNonceStore(kvstore.NewMemoryStore(0))
	state, err := store.Generate(ctx, "owner-1", "pkce-verifier")
	require.NoError(t, err)

	owner, verifier, err := store.Consume(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", owner)
	assert.Equal(t, "pkce-verifier", verifier)
}

func TestNonceStore_Consume_SingleUse(t *testing.T) {
	ctx := context.Background()
	store := NewNonceStore(kvstore.NewMemoryStore(0))
	state, err := store.Generate(ctx, "owner-1", "v")
	require.NoError(t, err)

	_, _, err = store.Consume(ctx, state)
	require.NoError(t, err, "first consume should succeed")

	_, _, err = store.Consume(ctx, state)
	assert.True(t, errors.Is(err, apperrors.ErrValidation), "second consume should fail")
}

func TestNonceStore_Consume_UnknownState(t *testing.T) {
	store := NewNonceStore(kvstore.NewMemoryStore(0))

	for _, state := range []string{"", "does-not-exist"} {
		_, _, err := store.Consume(context.Background(), state)
		assert.ErrorIs(t, err, ErrInvalidOAuthState, "state %q", state)
	}
}

func TestNonceStore_Consume_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore(0)
	require.NoError(t, kv.Set(ctx, nonceKey("abc"), "not json", OAuthStateTTL))

	_, _, err := NewNonceStore(kv).Consume(ctx, "abc")
	assert.ErrorIs(t, err, ErrInvalidOAuthState)
}
