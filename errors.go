package tollgate

import (
	"github.com/layer-3/tollgate/core"
)

// Errors returned by the session stack, for errors.Is
var (
	// ErrInvalidCredentials is returned when email or password is wrong
	ErrInvalidCredentials = core.ErrInvalidCredentials

	// ErrAccountLocked is returned when the authority locked the account
	ErrAccountLocked = core.ErrAccountLocked

	// ErrRateLimited is returned when the authority throttles attempts
	ErrRateLimited = core.ErrRateLimited

	// ErrInvalidCode is returned when the MFA code is rejected
	ErrInvalidCode = core.ErrInvalidCode

	// ErrChallengeExpired is returned when the MFA challenge is gone
	ErrChallengeExpired = core.ErrChallengeExpired

	// ErrNetwork is returned when the authority could not be reached
	ErrNetwork = core.ErrNetwork

	// ErrSessionExpired is returned when the session ended because it could not be renewed
	ErrSessionExpired = core.ErrSessionExpired

	// ErrUnauthorized is returned when a call stayed unauthorized after refresh
	ErrUnauthorized = core.ErrUnauthorized

	// ErrStoreOperationFailed is returned when the credential store fails
	ErrStoreOperationFailed = core.ErrStoreOperationFailed
)
