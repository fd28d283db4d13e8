package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrAccountLocked        = errors.New("account locked")
	ErrRateLimited          = errors.New("too many attempts")
	ErrInvalidCode          = errors.New("invalid verification code")
	ErrChallengeExpired     = errors.New("mfa challenge expired")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrNetwork              = errors.New("network error")
	ErrTransientRefresh     = errors.New("token refresh failed, retry later")
	ErrNoRefreshToken       = errors.New("no refresh token available")
	ErrSessionExpired       = errors.New("session expired")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNoChallenge          = errors.New("no mfa challenge pending")
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrLogoutInProgress     = errors.New("logout in progress")
	ErrNotAuthenticated     = errors.New("session is not authenticated")
	ErrSuperseded           = errors.New("superseded by a newer session operation")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrStoreOperationFailed = errors.New("store operation failed")
)

// RemoteError is returned when the authority answers with a status that has no
// dedicated classification. It unwraps to Err when one applies.
type RemoteError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: authority returned HTTP %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: authority returned HTTP %d", e.Op, e.Status)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsUnrecoverable reports whether err means the session can no longer be
// refreshed and must be treated as logged out.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrInvalidRefreshToken) ||
		errors.Is(err, ErrNoRefreshToken) ||
		errors.Is(err, ErrSessionExpired)
}
