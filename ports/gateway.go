package ports

import (
	"context"

	"github.com/layer-3/tollgate/core"
)

// Gateway is the stateless façade over the remote authentication authority.
// Every method is a single round trip; implementations never retry and never
// touch the credential store.
type Gateway interface {
	Login(ctx context.Context, email, password string, rememberDevice bool) (core.LoginResult, error)
	VerifyMfa(ctx context.Context, userID, code string, rememberDevice bool) (core.Credential, core.UserProfile, error)
	Refresh(ctx context.Context, refreshToken string) (core.Credential, error)
	Logout(ctx context.Context, accessToken string) error
	RequestPasswordReset(ctx context.Context, email, captchaToken string) error
}

// Registration is the optional account-creation surface of the authority.
type Registration interface {
	Register(ctx context.Context, name, email, password, captchaToken string) (core.UserProfile, error)
	ResetPassword(ctx context.Context, resetToken, newPassword string) error
	Health(ctx context.Context) error
}
