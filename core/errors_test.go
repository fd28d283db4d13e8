package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsUnrecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid refresh token", ErrInvalidRefreshToken, true},
		{"no refresh token", ErrNoRefreshToken, true},
		{"wrapped session expiry", fmt.Errorf("%w: %w", ErrSessionExpired, ErrStoreOperationFailed), true},
		{"transient", fmt.Errorf("%w: %w", ErrTransientRefresh, ErrNetwork), false},
		{"remote error", &RemoteError{Op: "refresh", Status: 500}, false},
		{"other", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnrecoverable(tt.err))
		})
	}
}

func TestSessionStateIsAuthenticated(t *testing.T) {
	assert.False(t, Unauthenticated().IsAuthenticated())
	assert.False(t, AwaitingMfa(MfaChallenge{ID: "c"}).IsAuthenticated())
	assert.False(t, LoggingOut().IsAuthenticated())
	assert.True(t, Authenticated(UserProfile{ID: "7"}, Credential{AccessToken: "a"}).IsAuthenticated())
}
