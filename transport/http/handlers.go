package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
	"github.com/layer-3/tollgate/service"
)

// maxProxyBody caps a request body forwarded to the authority
const maxProxyBody = 4 << 20

// forwarded lists the client headers passed on to the authority
var forwarded = []string{"Content-Type", "Accept", "Accept-Language", "X-Request-ID"}

// SessionHandlers contains HTTP handlers for the local session API
type SessionHandlers struct {
	session  *service.SessionManager
	account  *service.AccountService
	pipeline *service.Pipeline
}

// NewSessionHandlers creates new session handlers
func NewSessionHandlers(session *service.SessionManager, account *service.AccountService, pipeline *service.Pipeline) *SessionHandlers {
	return &SessionHandlers{
		session:  session,
		account:  account,
		pipeline: pipeline,
	}
}

type challengeView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// sessionView is what the UI sees of the state. Tokens stay in the daemon.
type sessionView struct {
	Phase     string            `json:"phase"`
	Challenge *challengeView    `json:"challenge,omitempty"`
	User      *core.UserProfile `json:"user,omitempty"`
}

func viewOf(st core.SessionState) sessionView {
	v := sessionView{Phase: st.Phase.String(), User: st.Profile}
	if st.Challenge != nil {
		v.Challenge = &challengeView{ID: st.Challenge.ID, UserID: st.Challenge.UserID, ExpiresAt: st.Challenge.ExpiresAt}
	}
	return v
}

// State returns the current session state
func (h *SessionHandlers) State(c *gin.Context) {
	c.JSON(http.StatusOK, viewOf(h.session.State()))
}

// Login handles the login request
func (h *SessionHandlers) Login(c *gin.Context) {
	var req struct {
		Email          string `json:"email" binding:"required"`
		Password       string `json:"password" binding:"required"`
		RememberDevice bool   `json:"remember_device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}

	st, err := h.session.Login(c.Request.Context(), req.Email, req.Password, req.RememberDevice)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(st))
}

// VerifyMfa handles the second factor
func (h *SessionHandlers) VerifyMfa(c *gin.Context) {
	var req struct {
		Code           string `json:"code" binding:"required"`
		RememberDevice bool   `json:"remember_device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Verification code is required"})
		return
	}

	st, err := h.session.Verify(c.Request.Context(), req.Code, req.RememberDevice)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(st))
}

// CancelMfa drops the pending challenge
func (h *SessionHandlers) CancelMfa(c *gin.Context) {
	h.session.Cancel()
	c.JSON(http.StatusOK, viewOf(h.session.State()))
}

// Logout ends the session. Repeated calls succeed.
func (h *SessionHandlers) Logout(c *gin.Context) {
	if err := h.session.Logout(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// PasswordReset forwards a reset request
func (h *SessionHandlers) PasswordReset(c *gin.Context) {
	var req struct {
		Email        string `json:"email" binding:"required"`
		CaptchaToken string `json:"captcha_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email is required"})
		return
	}

	if err := h.session.RequestPasswordReset(c.Request.Context(), req.Email, req.CaptchaToken); err != nil {
		abortWithError(c, err)
		return
	}
	// the authority answers the same whether or not the address exists
	c.JSON(http.StatusOK, gin.H{"message": "If the email exists, a password reset link has been sent"})
}

// MfaSetup starts TOTP enrolment
func (h *SessionHandlers) MfaSetup(c *gin.Context) {
	setup, err := h.account.MfaSetup(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, setup)
}

// EnableMfa confirms TOTP enrolment
func (h *SessionHandlers) EnableMfa(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Verification code is required"})
		return
	}
	if err := h.account.EnableMfa(c.Request.Context(), req.Code); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(h.session.State()))
}

// DisableMfa turns TOTP off
func (h *SessionHandlers) DisableMfa(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Password is required"})
		return
	}
	if err := h.account.DisableMfa(c.Request.Context(), req.Password); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(h.session.State()))
}

// Profile reloads the user from the authority
func (h *SessionHandlers) Profile(c *gin.Context) {
	profile, err := h.account.FetchProfile(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": profile})
}

// Proxy forwards the request to the authority through the pipeline
func (h *SessionHandlers) Proxy(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxProxyBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
		return
	}

	path := c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		path += "?" + c.Request.URL.RawQuery
	}
	req := &ports.Request{Method: c.Request.Method, Path: path, Header: make(http.Header), Body: body}
	for _, name := range forwarded {
		if v := c.GetHeader(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := h.pipeline.Execute(c.Request.Context(), req)
	if err != nil && resp == nil {
		abortWithError(c, err)
		return
	}
	// a final 401 comes back with its response; the UI sees it as is

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(resp.Status, contentType, resp.Body)
}

// errorStatus maps a session error to the status shown to the UI
var errorStatus = []struct {
	err     error
	status  int
	message string
}{
	{core.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid email or password"},
	{core.ErrAccountLocked, http.StatusLocked, "Account locked"},
	{core.ErrRateLimited, http.StatusTooManyRequests, "Too many attempts, try again later"},
	{core.ErrInvalidCode, http.StatusUnauthorized, "Invalid verification code"},
	{core.ErrChallengeExpired, http.StatusGone, "Verification expired, log in again"},
	{core.ErrNoChallenge, http.StatusConflict, "No verification pending"},
	{core.ErrAlreadyAuthenticated, http.StatusConflict, "Already logged in"},
	{core.ErrLogoutInProgress, http.StatusConflict, "Logout in progress"},
	{core.ErrSuperseded, http.StatusConflict, "Superseded by a newer request"},
	{core.ErrSessionExpired, http.StatusUnauthorized, "Session expired"},
	{core.ErrUnauthorized, http.StatusUnauthorized, "Authorization required"},
	{core.ErrNotAuthenticated, http.StatusUnauthorized, "Authorization required"},
	{core.ErrInvalidRequest, http.StatusBadRequest, "Invalid request"},
	{core.ErrTransientRefresh, http.StatusBadGateway, "Authority unavailable"},
	{core.ErrNetwork, http.StatusBadGateway, "Authority unavailable"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "Authority timed out"},
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)

	status, message := http.StatusInternalServerError, "Internal error"
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			status, message = e.status, e.message
			break
		}
	}
	var remote *core.RemoteError
	if errors.As(err, &remote) && remote.Message != "" && status < http.StatusInternalServerError {
		message = remote.Message
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
