package gateway

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/tollgate/core"
)

type loginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	RememberDevice bool   `json:"remember_device,omitempty"`
}

type mfaVerifyRequest struct {
	UserID         string `json:"user_id"`
	Code           string `json:"code"`
	RememberDevice bool   `json:"remember_device,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordResetRequest struct {
	Email        string `json:"email"`
	CaptchaToken string `json:"captcha_token,omitempty"`
}

type registerRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token,omitempty"`
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

type userPayload struct {
	ID         core.ID `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	MfaEnabled bool    `json:"mfa_enabled"`
	AvatarURL  *string `json:"avatar_url"`
}

func (u userPayload) profile() core.UserProfile {
	p := core.UserProfile{
		ID:         string(u.ID),
		Name:       u.Name,
		Email:      u.Email,
		MfaEnabled: u.MfaEnabled,
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
	}
	return p
}

// sessionPayload covers every token-bearing response of the authority.
type sessionPayload struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	User         *userPayload `json:"user"`
	MfaRequired  bool         `json:"mfa_required"`
	UserID       core.ID      `json:"user_id"`
	Message      string       `json:"message"`
}

type registerResponse struct {
	User *userPayload `json:"user"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (p sessionPayload) credential(now time.Time) core.Credential {
	cred := core.Credential{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
	}
	if p.ExpiresIn > 0 {
		cred.ExpiresAtHint = now.Add(time.Duration(p.ExpiresIn) * time.Second)
	} else {
		cred.ExpiresAtHint = tokenExpiry(p.AccessToken)
	}
	return cred
}

// tokenExpiry reads the exp claim of a JWT access token without verifying it.
// The hint is advisory; opaque tokens yield the zero time.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
