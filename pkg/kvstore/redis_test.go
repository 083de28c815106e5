//go:build integration

package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/patient-sync/pkg/testhelpers"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	return NewRedisStore(testhelpers.GetTestRedis(t), "test:"+uuid.NewString()+":")
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, s.Delete(ctx, "k", "never-set"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore_TTLExpires(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)

	require.NoError(t, s.Set(ctx, "short", "v", 50*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, err := s.Get(ctx, "short")
		return err == ErrMiss
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisStore_GetDelIsOneShot(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)

	require.NoError(t, s.Set(ctx, "state", "owner-1", time.Minute))

	got, err := s.GetDel(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got)

	_, err = s.GetDel(ctx, "state")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore_PrefixIsolatesNamespaces(t *testing.T) {
	ctx := context.Background()
	a, b := newRedisStore(t), newRedisStore(t)

	n, err := a.Incr(ctx, "epoch")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = a.Incr(ctx, "epoch")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = b.Get(ctx, "epoch")
	assert.ErrorIs(t, err, ErrMiss)
}
