package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

const (
	credentialKey = "credential"
	profileKey    = "profile"
)

// tombstone is a credential without access token
var tombstone = []byte(`{"access_token":""}`)

// CredentialStore persists the current credential and user profile.
//
// The access/refresh pair is encoded under a single key, so a concurrent
// reader never observes half of a rotated pair. Writes are serialised so
// Replace can act as a compare-and-swap.
type CredentialStore struct {
	backend ports.Persistence
	mu      sync.Mutex
}

// NewCredentialStore creates a store over backend
func NewCredentialStore(backend ports.Persistence) *CredentialStore {
	return &CredentialStore{backend: backend}
}

// Credential returns the stored credential, ok=false when none is present
func (s *CredentialStore) Credential(ctx context.Context) (core.Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx)
}

// SetCredential stores cred, replacing the previous one
func (s *CredentialStore) SetCredential(ctx context.Context, cred core.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, cred)
}

// Replace stores next only if the current credential still equals old.
// It reports whether the swap happened.
func (s *CredentialStore) Replace(ctx context.Context, old, next core.Credential) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.read(ctx)
	if err != nil {
		return false, err
	}
	if !ok || current.AccessToken != old.AccessToken || current.RefreshToken != old.RefreshToken {
		return false, nil
	}
	return true, s.write(ctx, next)
}

// Profile returns the stored profile, nil when absent
func (s *CredentialStore) Profile(ctx context.Context) (*core.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.backend.Read(ctx, profileKey)
	if err != nil {
		return nil, fmt.Errorf("%w: read profile: %w", core.ErrStoreOperationFailed, err)
	}
	if !ok {
		return nil, nil
	}
	var profile core.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("%w: decode profile: %w", core.ErrStoreOperationFailed, err)
	}
	return &profile, nil
}

// SetProfile stores profile; nil removes it
func (s *CredentialStore) SetProfile(ctx context.Context, profile *core.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if profile == nil {
		if err := s.backend.Delete(ctx, profileKey); err != nil {
			return fmt.Errorf("%w: delete profile: %w", core.ErrStoreOperationFailed, err)
		}
		return nil
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("%w: encode profile: %w", core.ErrStoreOperationFailed, err)
	}
	if err := s.backend.Write(ctx, profileKey, data); err != nil {
		return fmt.Errorf("%w: write profile: %w", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// Clear removes the credential and the profile. When the backend cannot
// delete the credential it is overwritten with an empty one, which reads as
// absent; the delete error is still returned.
func (s *CredentialStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, credentialKey); err != nil {
		if werr := s.backend.Write(ctx, credentialKey, tombstone); werr != nil {
			return fmt.Errorf("%w: delete credential: %w: overwrite: %w", core.ErrStoreOperationFailed, err, werr)
		}
		return fmt.Errorf("%w: delete credential: %w", core.ErrStoreOperationFailed, err)
	}
	if err := s.backend.Delete(ctx, profileKey); err != nil {
		return fmt.Errorf("%w: delete profile: %w", core.ErrStoreOperationFailed, err)
	}
	return nil
}

func (s *CredentialStore) read(ctx context.Context) (core.Credential, bool, error) {
	data, ok, err := s.backend.Read(ctx, credentialKey)
	if err != nil {
		return core.Credential{}, false, fmt.Errorf("%w: read credential: %w", core.ErrStoreOperationFailed, err)
	}
	if !ok {
		return core.Credential{}, false, nil
	}
	var cred core.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return core.Credential{}, false, fmt.Errorf("%w: decode credential: %w", core.ErrStoreOperationFailed, err)
	}
	if cred.IsZero() {
		return core.Credential{}, false, nil
	}
	return cred, true, nil
}

func (s *CredentialStore) write(ctx context.Context, cred core.Credential) error {
	if cred.IsZero() {
		return fmt.Errorf("%w: refusing to store a credential without access token", core.ErrInvalidRequest)
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("%w: encode credential: %w", core.ErrStoreOperationFailed, err)
	}
	if err := s.backend.Write(ctx, credentialKey, data); err != nil {
		return fmt.Errorf("%w: write credential: %w", core.ErrStoreOperationFailed, err)
	}
	return nil
}
