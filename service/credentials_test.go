package service

import (
	"context"
	"testing"
	"time"

	"github.com/layer-3/tollgate/adapters/store"
	"github.com/layer-3/tollgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialStore(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Credential(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		profile, err := s.Profile(ctx)
		require.NoError(t, err)
		assert.Nil(t, profile)
	})

	t.Run("pair is stored and read back together", func(t *testing.T) {
		s := newStore(t)
		want := core.Credential{
			AccessToken:   "access",
			RefreshToken:  "refresh",
			ExpiresAtHint: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
			DeviceTrusted: true,
		}
		seed(t, s, want)

		got := mustCredential(t, s)
		assert.Equal(t, want.AccessToken, got.AccessToken)
		assert.Equal(t, want.RefreshToken, got.RefreshToken)
		assert.True(t, want.ExpiresAtHint.Equal(got.ExpiresAtHint))
		assert.True(t, got.DeviceTrusted)
	})

	t.Run("zero credential is refused", func(t *testing.T) {
		s := newStore(t)
		err := s.SetCredential(ctx, core.Credential{RefreshToken: "orphan"})
		assert.ErrorIs(t, err, core.ErrInvalidRequest)

		_, ok, err := s.Credential(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("replace swaps only the expected credential", func(t *testing.T) {
		s := newStore(t)
		old := core.Credential{AccessToken: "a1", RefreshToken: "r1"}
		seed(t, s, old)

		swapped, err := s.Replace(ctx, core.Credential{AccessToken: "other", RefreshToken: "r1"}, core.Credential{AccessToken: "x"})
		require.NoError(t, err)
		assert.False(t, swapped)
		assert.Equal(t, "a1", mustCredential(t, s).AccessToken)

		swapped, err = s.Replace(ctx, old, core.Credential{AccessToken: "a2", RefreshToken: "r2"})
		require.NoError(t, err)
		assert.True(t, swapped)
		assert.Equal(t, "a2", mustCredential(t, s).AccessToken)
	})

	t.Run("replace after clear does not resurrect", func(t *testing.T) {
		s := newStore(t)
		old := core.Credential{AccessToken: "a1", RefreshToken: "r1"}
		seed(t, s, old)
		require.NoError(t, s.Clear(ctx))

		swapped, err := s.Replace(ctx, old, core.Credential{AccessToken: "a2", RefreshToken: "r2"})
		require.NoError(t, err)
		assert.False(t, swapped)

		_, ok, err := s.Credential(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("clear removes credential and profile", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, core.Credential{AccessToken: "a", RefreshToken: "r"})
		require.NoError(t, s.SetProfile(ctx, &core.UserProfile{ID: "1", Email: "a@example.com"}))

		require.NoError(t, s.Clear(ctx))

		_, ok, err := s.Credential(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		profile, err := s.Profile(ctx)
		require.NoError(t, err)
		assert.Nil(t, profile)
	})

	t.Run("backend failure is reported", func(t *testing.T) {
		backend := &failingBackend{Persistence: store.NewMemoryStore()}
		s := NewCredentialStore(backend)
		backend.failWrites.Store(true)

		err := s.SetCredential(ctx, core.Credential{AccessToken: "a"})
		assert.ErrorIs(t, err, core.ErrStoreOperationFailed)
		assert.ErrorIs(t, err, errBackend)
	})

	t.Run("failed delete leaves no credential behind", func(t *testing.T) {
		backend := &failingBackend{Persistence: store.NewMemoryStore()}
		s := NewCredentialStore(backend)
		seed(t, s, core.Credential{AccessToken: "a", RefreshToken: "r"})
		backend.failDeletes.Store(true)

		err := s.Clear(ctx)
		assert.ErrorIs(t, err, core.ErrStoreOperationFailed)
		assert.ErrorIs(t, err, errBackend)

		_, ok, err := s.Credential(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("failed delete and overwrite are both reported", func(t *testing.T) {
		backend := &failingBackend{Persistence: store.NewMemoryStore()}
		s := NewCredentialStore(backend)
		seed(t, s, core.Credential{AccessToken: "a", RefreshToken: "r"})
		backend.failDeletes.Store(true)
		backend.failWrites.Store(true)

		err := s.Clear(ctx)
		assert.ErrorIs(t, err, core.ErrStoreOperationFailed)
		assert.Equal(t, "a", mustCredential(t, s).AccessToken)
	})

	t.Run("corrupt value is a store failure", func(t *testing.T) {
		backend := store.NewMemoryStore()
		require.NoError(t, backend.Write(ctx, credentialKey, []byte("{not json")))
		s := NewCredentialStore(backend)

		_, _, err := s.Credential(ctx)
		assert.ErrorIs(t, err, core.ErrStoreOperationFailed)
	})
}
