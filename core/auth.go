package core

import "time"

// Credential is the token pair issued by the authentication authority.
type Credential struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	ExpiresAtHint time.Time `json:"expires_at_hint,omitempty"`
	DeviceTrusted bool      `json:"device_trusted,omitempty"` // remember-device was requested at MFA time
}

// IsZero reports whether the credential carries no access token.
func (c Credential) IsZero() bool {
	return c.AccessToken == ""
}

// UserProfile describes the authenticated user
type UserProfile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	MfaEnabled bool   `json:"mfa_enabled"`
	AvatarURL  string `json:"avatar_url,omitempty"`
}

// MfaChallenge represents a pending second-factor verification
type MfaChallenge struct {
	ID        string    // Unique identifier for the challenge
	UserID    string    // User the authority asked to verify
	IssuedAt  time.Time // When the challenge was received
	ExpiresAt time.Time // When the challenge is discarded locally
}

// Expired reports whether the challenge lifetime has elapsed.
func (c MfaChallenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// LoginKind tags the variant held by a LoginResult.
type LoginKind int

const (
	// LoginFullSession means the authority issued tokens directly.
	LoginFullSession LoginKind = iota + 1
	// LoginMfaRequired means a second factor must be verified first.
	LoginMfaRequired
)

// LoginResult is the outcome of a successful primary credential check.
// Exactly one of the variants is populated, selected by Kind.
type LoginResult struct {
	Kind LoginKind

	// FullSession
	Credential Credential
	Profile    UserProfile

	// MfaRequired
	UserID string
}

// FullSession builds the full-session variant.
func FullSession(cred Credential, profile UserProfile) LoginResult {
	return LoginResult{Kind: LoginFullSession, Credential: cred, Profile: profile}
}

// MfaRequired builds the MFA-required variant.
func MfaRequired(userID string) LoginResult {
	return LoginResult{Kind: LoginMfaRequired, UserID: userID}
}

// MfaSetup is the provisioning material returned when enrolling a TOTP device.
type MfaSetup struct {
	Secret string `json:"secret"`
	QRCode string `json:"qr_code"` // base64 PNG
}
