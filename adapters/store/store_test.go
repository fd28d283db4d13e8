package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/layer-3/tollgate/ports"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]ports.Persistence {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	lite, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })

	return map[string]ports.Persistence{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb, ""),
		"sqlite": lite,
	}
}

func TestPersistenceBackends(t *testing.T) {
	ctx := context.Background()

	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := p.Read(ctx, "credential")
			require.NoError(t, err)
			assert.False(t, ok, "fresh store must be empty")

			require.NoError(t, p.Write(ctx, "credential", []byte(`{"access_token":"a1"}`)))
			require.NoError(t, p.Write(ctx, "credential", []byte(`{"access_token":"a2"}`)))

			value, ok, err := p.Read(ctx, "credential")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, `{"access_token":"a2"}`, string(value))

			require.NoError(t, p.Delete(ctx, "credential"))
			require.NoError(t, p.Delete(ctx, "credential"), "deleting a missing key is not an error")

			_, ok, err = p.Read(ctx, "credential")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	buf := []byte("token")
	require.NoError(t, s.Write(ctx, "k", buf))
	buf[0] = 'X'

	value, _, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "token", string(value))
	assert.Equal(t, 1, s.Len())
}

func TestRedisStorePrefixesKeys(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewRedisStore(rdb, "app:")
	require.NoError(t, s.Write(ctx, "profile", []byte("{}")))

	assert.True(t, mr.Exists("app:profile"))
	assert.False(t, mr.Exists("profile"))
}

func TestRedisStoreSurfacesFaults(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	s := NewRedisStore(rdb, "")
	mr.Close()

	_, _, err := s.Read(ctx, "credential")
	require.Error(t, err)
	assert.False(t, errors.Is(err, redis.Nil))
}
