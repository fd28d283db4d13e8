package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// AccountPaths are the authenticated account routes of the authority
type AccountPaths struct {
	MfaSetup   string
	MfaEnable  string
	MfaDisable string
	User       string
}

// DefaultAccountPaths returns the authority's standard account routes
func DefaultAccountPaths() AccountPaths {
	return AccountPaths{
		MfaSetup:   "/auth/mfa/setup",
		MfaEnable:  "/auth/mfa/enable",
		MfaDisable: "/auth/mfa/disable",
		User:       "/auth/user",
	}
}

// AccountService makes authenticated account calls. Unlike the gateway it
// goes through the pipeline, so an expired access token is refreshed.
type AccountService struct {
	pipeline *Pipeline
	session  *SessionManager
	paths    AccountPaths
}

// NewAccountService creates an account service
func NewAccountService(pipeline *Pipeline, session *SessionManager, paths AccountPaths) *AccountService {
	return &AccountService{
		pipeline: pipeline,
		session:  session,
		paths:    paths,
	}
}

// MfaSetup asks the authority for a new TOTP secret to enrol
func (s *AccountService) MfaSetup(ctx context.Context) (core.MfaSetup, error) {
	var setup core.MfaSetup
	if err := s.do(ctx, http.MethodGet, s.paths.MfaSetup, nil, &setup); err != nil {
		return core.MfaSetup{}, err
	}
	return setup, nil
}

// EnableMfa confirms enrolment with a code from the authenticator app
func (s *AccountService) EnableMfa(ctx context.Context, code string) error {
	if err := s.do(ctx, http.MethodPost, s.paths.MfaEnable, map[string]string{"code": code}, nil); err != nil {
		return err
	}
	return s.setMfa(ctx, true)
}

// DisableMfa turns MFA off; the authority requires the account password
func (s *AccountService) DisableMfa(ctx context.Context, password string) error {
	if err := s.do(ctx, http.MethodPost, s.paths.MfaDisable, map[string]string{"password": password}, nil); err != nil {
		return err
	}
	return s.setMfa(ctx, false)
}

// FetchProfile reloads the profile from the authority and records it
func (s *AccountService) FetchProfile(ctx context.Context) (core.UserProfile, error) {
	var payload struct {
		User *accountUser `json:"user"`
	}
	if err := s.do(ctx, http.MethodGet, s.paths.User, nil, &payload); err != nil {
		return core.UserProfile{}, err
	}
	if payload.User == nil {
		return core.UserProfile{}, fmt.Errorf("%w: profile response without user", core.ErrInvalidRequest)
	}
	profile := payload.User.profile()
	if err := s.session.UpdateProfile(ctx, profile); err != nil {
		return core.UserProfile{}, err
	}
	return profile, nil
}

// accountUser is the authority's user object
type accountUser struct {
	ID         core.ID `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	MfaEnabled bool    `json:"mfa_enabled"`
	AvatarURL  string  `json:"avatar_url"`
}

func (u accountUser) profile() core.UserProfile {
	return core.UserProfile{
		ID:         string(u.ID),
		Name:       u.Name,
		Email:      u.Email,
		MfaEnabled: u.MfaEnabled,
		AvatarURL:  u.AvatarURL,
	}
}

func (s *AccountService) setMfa(ctx context.Context, enabled bool) error {
	st := s.session.State()
	if st.Profile == nil {
		return core.ErrNotAuthenticated
	}
	profile := *st.Profile
	profile.MfaEnabled = enabled
	return s.session.UpdateProfile(ctx, profile)
}

func (s *AccountService) do(ctx context.Context, method, path string, in, out any) error {
	req := &ports.Request{Method: method, Path: path, Header: make(http.Header)}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		req.Body = data
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.pipeline.Execute(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		remote := &core.RemoteError{Op: path, Status: resp.Status, Message: remoteMessage(resp.Body)}
		if resp.Status == http.StatusBadRequest {
			remote.Err = core.ErrInvalidRequest
		}
		return remote
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &core.RemoteError{Op: path, Status: resp.Status, Message: "invalid JSON body", Err: core.ErrInvalidRequest}
	}
	return nil
}

func remoteMessage(body []byte) string {
	var p struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &p) != nil {
		return ""
	}
	if p.Error != "" {
		return p.Error
	}
	return p.Message
}
