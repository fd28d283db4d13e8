package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/internal/metrics"
	"github.com/layer-3/tollgate/ports"
)

// Endpoints are the authority paths used by the gateway.
type Endpoints struct {
	Login          string
	MfaVerify      string
	Refresh        string
	Logout         string
	ForgotPassword string
	Register       string
	ResetPassword  string // "{token}" is replaced by the escaped reset token
	Health         string
}

// DefaultEndpoints returns the authority's standard routes
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:          "/auth/login",
		MfaVerify:      "/auth/mfa/verify",
		Refresh:        "/auth/refresh",
		Logout:         "/auth/logout",
		ForgotPassword: "/auth/forgot-password",
		Register:       "/auth/register",
		ResetPassword:  "/auth/reset-password/{token}",
		Health:         "/auth/health",
	}
}

// HTTPGateway implements ports.Gateway against the authority's JSON API
type HTTPGateway struct {
	transport ports.Transport
	endpoints Endpoints
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures an HTTPGateway
type Option func(*HTTPGateway)

// WithEndpoints overrides the authority routes
func WithEndpoints(e Endpoints) Option {
	return func(g *HTTPGateway) { g.endpoints = e }
}

// WithMetrics records round-trip latency
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *HTTPGateway) { g.metrics = m }
}

// WithClock replaces time.Now, used to compute expiry hints
func WithClock(now func() time.Time) Option {
	return func(g *HTTPGateway) { g.now = now }
}

// NewHTTPGateway creates a gateway sending through transport
func NewHTTPGateway(transport ports.Transport, opts ...Option) *HTTPGateway {
	g := &HTTPGateway{
		transport: transport,
		endpoints: DefaultEndpoints(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var (
	_ ports.Gateway      = (*HTTPGateway)(nil)
	_ ports.Registration = (*HTTPGateway)(nil)
)

// Endpoints returns the configured routes
func (g *HTTPGateway) Endpoints() Endpoints {
	return g.endpoints
}

// Login checks the primary credentials
func (g *HTTPGateway) Login(ctx context.Context, email, password string, rememberDevice bool) (core.LoginResult, error) {
	const op = "login"

	resp, err := g.call(ctx, op, http.MethodPost, g.endpoints.Login, "", loginRequest{
		Email:          strings.ToLower(strings.TrimSpace(email)),
		Password:       password,
		RememberDevice: rememberDevice,
	})
	if err != nil {
		return core.LoginResult{}, err
	}
	if err := classify(op, resp, map[int]error{
		http.StatusBadRequest:      core.ErrInvalidCredentials,
		http.StatusUnauthorized:    core.ErrInvalidCredentials,
		http.StatusForbidden:       core.ErrAccountLocked,
		http.StatusLocked:          core.ErrAccountLocked,
		http.StatusTooManyRequests: core.ErrRateLimited,
	}); err != nil {
		return core.LoginResult{}, err
	}

	var payload sessionPayload
	if err := decode(op, resp, &payload); err != nil {
		return core.LoginResult{}, err
	}

	if payload.MfaRequired {
		if payload.UserID == "" {
			return core.LoginResult{}, malformed(op, resp, "mfa_required without user_id")
		}
		return core.MfaRequired(string(payload.UserID)), nil
	}

	cred, profile, err := g.session(op, resp, payload)
	if err != nil {
		return core.LoginResult{}, err
	}
	return core.FullSession(cred, profile), nil
}

// VerifyMfa submits the second-factor code for a pending challenge
func (g *HTTPGateway) VerifyMfa(ctx context.Context, userID, code string, rememberDevice bool) (core.Credential, core.UserProfile, error) {
	const op = "mfa_verify"

	resp, err := g.call(ctx, op, http.MethodPost, g.endpoints.MfaVerify, "", mfaVerifyRequest{
		UserID:         userID,
		Code:           strings.TrimSpace(code),
		RememberDevice: rememberDevice,
	})
	if err != nil {
		return core.Credential{}, core.UserProfile{}, err
	}
	if err := classify(op, resp, map[int]error{
		http.StatusBadRequest:      core.ErrInvalidCode,
		http.StatusUnauthorized:    core.ErrInvalidCode,
		http.StatusNotFound:        core.ErrChallengeExpired,
		http.StatusGone:            core.ErrChallengeExpired,
		http.StatusTooManyRequests: core.ErrRateLimited,
	}); err != nil {
		return core.Credential{}, core.UserProfile{}, err
	}

	var payload sessionPayload
	if err := decode(op, resp, &payload); err != nil {
		return core.Credential{}, core.UserProfile{}, err
	}
	cred, profile, err := g.session(op, resp, payload)
	if err != nil {
		return core.Credential{}, core.UserProfile{}, err
	}
	cred.DeviceTrusted = rememberDevice
	return cred, profile, nil
}

// Refresh exchanges a refresh token for a new credential. The refresh token
// is sent both in the body and as the bearer credential.
func (g *HTTPGateway) Refresh(ctx context.Context, refreshToken string) (core.Credential, error) {
	const op = "refresh"

	resp, err := g.call(ctx, op, http.MethodPost, g.endpoints.Refresh, refreshToken, refreshRequest{
		RefreshToken: refreshToken,
	})
	if err != nil {
		return core.Credential{}, err
	}
	if err := classify(op, resp, map[int]error{
		http.StatusBadRequest:          core.ErrInvalidRefreshToken,
		http.StatusUnauthorized:        core.ErrInvalidRefreshToken,
		http.StatusForbidden:           core.ErrInvalidRefreshToken,
		http.StatusNotFound:            core.ErrInvalidRefreshToken,
		http.StatusUnprocessableEntity: core.ErrInvalidRefreshToken,
		http.StatusTooManyRequests:     core.ErrNetwork,
	}); err != nil {
		return core.Credential{}, err
	}

	var payload sessionPayload
	if err := decode(op, resp, &payload); err != nil {
		return core.Credential{}, err
	}
	if payload.AccessToken == "" {
		return core.Credential{}, malformed(op, resp, "missing access_token")
	}
	return payload.credential(g.now()), nil
}

// Logout revokes the session on the authority
func (g *HTTPGateway) Logout(ctx context.Context, accessToken string) error {
	const op = "logout"

	resp, err := g.call(ctx, op, http.MethodPost, g.endpoints.Logout, accessToken, nil)
	if err != nil {
		return err
	}
	return classify(op, resp, map[int]error{
		http.StatusUnauthorized:        core.ErrUnauthorized,
		http.StatusUnprocessableEntity: core.ErrUnauthorized,
	})
}

// RequestPasswordReset asks the authority to email a reset link.
// The captcha token is forwarded untouched.
func (g *HTTPGateway) RequestPasswordReset(ctx context.Context, email, captchaToken string) error {
	const op = "password_reset_request"

	resp, err := g.call(ctx, op, http.MethodPost, g.endpoints.ForgotPassword, "", passwordResetRequest{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		CaptchaToken: captchaToken,
	})
	if err != nil {
		return err
	}
	return classify(op, resp, map[int]error{
		http.StatusBadRequest:      core.ErrInvalidRequest,
		http.StatusTooManyRequests: core.ErrRateLimited,
	})
}

// Register creates an account
func (g *HTTPGateway) Register(ctx context.Context, name, email, password, captchaToken string) (core.UserProfile, error) {
	const op = "register"

	resp, err := g.call(ctx, op, http.MethodPost, g.endpoints.Register, "", registerRequest{
		Name:         strings.TrimSpace(name),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Password:     password,
		CaptchaToken: captchaToken,
	})
	if err != nil {
		return core.UserProfile{}, err
	}
	if err := classify(op, resp, map[int]error{
		http.StatusBadRequest:      core.ErrInvalidRequest,
		http.StatusConflict:        core.ErrInvalidRequest,
		http.StatusTooManyRequests: core.ErrRateLimited,
	}); err != nil {
		return core.UserProfile{}, err
	}

	var payload registerResponse
	if err := decode(op, resp, &payload); err != nil {
		return core.UserProfile{}, err
	}
	if payload.User == nil {
		return core.UserProfile{}, malformed(op, resp, "missing user")
	}
	return payload.User.profile(), nil
}

// ResetPassword sets a new password using the emailed reset token
func (g *HTTPGateway) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	const op = "password_reset"

	path := strings.ReplaceAll(g.endpoints.ResetPassword, "{token}", url.PathEscape(resetToken))
	resp, err := g.call(ctx, op, http.MethodPost, path, "", resetPasswordRequest{Password: newPassword})
	if err != nil {
		return err
	}
	return classify(op, resp, map[int]error{
		http.StatusBadRequest: core.ErrInvalidRequest,
	})
}

// Health reports whether the authority is reachable
func (g *HTTPGateway) Health(ctx context.Context) error {
	const op = "health"

	resp, err := g.call(ctx, op, http.MethodGet, g.endpoints.Health, "", nil)
	if err != nil {
		return err
	}
	return classify(op, resp, nil)
}

func (g *HTTPGateway) session(op string, resp *ports.Response, payload sessionPayload) (core.Credential, core.UserProfile, error) {
	if payload.AccessToken == "" {
		return core.Credential{}, core.UserProfile{}, malformed(op, resp, "missing access_token")
	}
	if payload.User == nil {
		return core.Credential{}, core.UserProfile{}, malformed(op, resp, "missing user")
	}
	return payload.credential(g.now()), payload.User.profile(), nil
}

// call sends one request. bearer, when set, is attached as the Authorization header.
func (g *HTTPGateway) call(ctx context.Context, op, method, path, bearer string, body any) (*ports.Response, error) {
	req := &ports.Request{
		Method: method,
		Path:   path,
		Header: make(http.Header),
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		req.Body = data
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.transport.Send(ctx, req)
	if err != nil {
		g.metrics.ObserveGateway(op, "transport_error", time.Since(start))
		if errors.Is(err, core.ErrNetwork) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, core.ErrNetwork, err)
	}
	g.metrics.ObserveGateway(op, metrics.StatusClass(resp.Status), time.Since(start))
	return resp, nil
}

// classify maps a non-2xx status to the error taxonomy. 5xx is always a
// transient network-class failure.
func classify(op string, resp *ports.Response, known map[int]error) error {
	if resp.Status >= 200 && resp.Status < 300 {
		return nil
	}

	remote := &core.RemoteError{
		Op:      op,
		Status:  resp.Status,
		Message: errorMessage(resp.Body),
	}
	if resp.Status >= 500 {
		remote.Err = core.ErrNetwork
		return remote
	}
	if known != nil {
		remote.Err = known[resp.Status]
	}
	return remote
}

func decode(op string, resp *ports.Response, v any) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return malformed(op, resp, "invalid JSON body")
	}
	return nil
}

func malformed(op string, resp *ports.Response, msg string) error {
	return &core.RemoteError{Op: op, Status: resp.Status, Message: msg, Err: core.ErrInvalidRequest}
}

func errorMessage(body []byte) string {
	var p errorPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ""
	}
	if p.Error != "" {
		return p.Error
	}
	return p.Message
}
