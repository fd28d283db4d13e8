package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/internal/metrics"
	"github.com/layer-3/tollgate/ports"
)

const (
	// DefaultChallengeTTL is how long an MFA challenge is kept locally
	DefaultChallengeTTL = 5 * time.Minute

	// DefaultLogoutTimeout bounds the best-effort logout call
	DefaultLogoutTimeout = 10 * time.Second
)

// Listener receives every session transition, in order
type Listener func(core.Transition)

// SessionManager is the session state machine:
//
//	Unauthenticated -> AwaitingMfa -> Authenticated -> LoggingOut -> Unauthenticated
//
// State changes and the matching credential store writes happen under one
// lock, so the state is never Authenticated without a stored credential nor
// Unauthenticated with one. Gateway calls are made outside the lock; their
// results are dropped when a newer operation superseded them.
type SessionManager struct {
	store         *CredentialStore
	gateway       ports.Gateway
	publisher     ports.EventPublisher
	logger        watermill.LoggerAdapter
	metrics       *metrics.Metrics
	now           func() time.Time
	challengeTTL  time.Duration
	logoutTimeout time.Duration

	mu      sync.Mutex
	state   core.SessionState // Credential is never kept here; the store owns it
	op      uint64            // bumped by every login, verify, cancel and logout
	mfaTime *time.Timer

	listeners    map[uint64]Listener
	nextListener uint64
	pending      []core.Transition
	draining     bool
}

// SessionOption configures a SessionManager
type SessionOption func(*SessionManager)

// WithChallengeTTL sets how long an MFA challenge stays valid locally
func WithChallengeTTL(d time.Duration) SessionOption {
	return func(m *SessionManager) { m.challengeTTL = d }
}

// WithLogoutTimeout bounds the best-effort logout call
func WithLogoutTimeout(d time.Duration) SessionOption {
	return func(m *SessionManager) { m.logoutTimeout = d }
}

// WithPublisher publishes every transition
func WithPublisher(p ports.EventPublisher) SessionOption {
	return func(m *SessionManager) { m.publisher = p }
}

// WithSessionLogger sets the logger
func WithSessionLogger(l watermill.LoggerAdapter) SessionOption {
	return func(m *SessionManager) { m.logger = l }
}

// WithSessionMetrics sets the metrics sink
func WithSessionMetrics(mt *metrics.Metrics) SessionOption {
	return func(m *SessionManager) { m.metrics = mt }
}

// WithSessionClock replaces time.Now
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// NewSessionManager creates a manager in the Unauthenticated state
func NewSessionManager(store *CredentialStore, gateway ports.Gateway, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		store:         store,
		gateway:       gateway,
		logger:        watermill.NopLogger{},
		now:           time.Now,
		challengeTTL:  DefaultChallengeTTL,
		logoutTimeout: DefaultLogoutTimeout,
		state:         core.Unauthenticated(),
		listeners:     make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state. In Authenticated the credential is read
// from the store so it reflects the latest refresh.
func (m *SessionManager) State() core.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state
	if st.Phase == core.PhaseAuthenticated {
		if cred, ok, err := m.store.Credential(context.Background()); err == nil && ok {
			st.Credential = &cred
		}
	}
	return st
}

// Subscribe registers l for every future transition and returns a function
// that removes it.
func (m *SessionManager) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = l

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Resume restores an Authenticated session from a persisted credential.
func (m *SessionManager) Resume(ctx context.Context) (core.SessionState, error) {
	m.mu.Lock()
	if m.state.Phase != core.PhaseUnauthenticated {
		st := m.state
		m.mu.Unlock()
		return st, nil
	}

	cred, ok, err := m.store.Credential(ctx)
	if err != nil {
		m.mu.Unlock()
		return core.Unauthenticated(), err
	}
	if !ok {
		// a profile without credential is a leftover of an interrupted clear
		err := m.store.SetProfile(ctx, nil)
		m.mu.Unlock()
		return core.Unauthenticated(), err
	}
	profile, err := m.store.Profile(ctx)
	if err != nil {
		m.mu.Unlock()
		return core.Unauthenticated(), err
	}
	if profile == nil {
		profile = &core.UserProfile{}
	}

	m.op++
	m.setLocked(core.Authenticated(*profile, cred), core.ReasonResumed)
	st := m.state
	m.mu.Unlock()
	m.dispatch()

	m.logger.Info("Session resumed", watermill.LogFields{"user_id": profile.ID})
	return st, nil
}

// Login checks the primary credentials. It returns the resulting state,
// Authenticated or AwaitingMfa. On failure the state is left unchanged.
func (m *SessionManager) Login(ctx context.Context, email, password string, rememberDevice bool) (core.SessionState, error) {
	m.mu.Lock()
	switch m.state.Phase {
	case core.PhaseAuthenticated:
		m.mu.Unlock()
		return m.State(), core.ErrAlreadyAuthenticated
	case core.PhaseLoggingOut:
		m.mu.Unlock()
		return core.LoggingOut(), core.ErrLogoutInProgress
	}
	m.op++
	op := m.op
	m.mu.Unlock()

	res, err := m.gateway.Login(ctx, email, password, rememberDevice)
	if err != nil {
		m.logger.Info("Login failed", watermill.LogFields{"error": err.Error()})
		return m.State(), err
	}
	if err := ctx.Err(); err != nil {
		return m.State(), err
	}

	m.mu.Lock()
	if m.op != op || !canLogin(m.state.Phase) {
		st := m.state
		m.mu.Unlock()
		return st, core.ErrSuperseded
	}

	switch res.Kind {
	case core.LoginFullSession:
		if err := m.persistLocked(ctx, res.Credential, res.Profile); err != nil {
			st := m.state
			m.mu.Unlock()
			return st, err
		}
		m.stopChallengeTimerLocked()
		m.setLocked(core.Authenticated(res.Profile, res.Credential), core.ReasonLogin)

	case core.LoginMfaRequired:
		now := m.now()
		challenge := core.MfaChallenge{
			ID:        uuid.NewString(),
			UserID:    res.UserID,
			IssuedAt:  now,
			ExpiresAt: now.Add(m.challengeTTL),
		}
		m.stopChallengeTimerLocked()
		m.startChallengeTimerLocked(challenge)
		m.setLocked(core.AwaitingMfa(challenge), core.ReasonMfaRequired)

	default:
		st := m.state
		m.mu.Unlock()
		return st, fmt.Errorf("%w: unknown login result", core.ErrInvalidRequest)
	}

	st := m.state
	m.mu.Unlock()
	m.dispatch()

	m.logger.Info("Login accepted", watermill.LogFields{"phase": st.Phase.String()})
	return st, nil
}

// Verify submits the MFA code for the pending challenge. An invalid code
// leaves the challenge pending; lockout policy belongs to the authority.
func (m *SessionManager) Verify(ctx context.Context, code string, rememberDevice bool) (core.SessionState, error) {
	m.mu.Lock()
	if m.state.Phase != core.PhaseAwaitingMfa {
		st := m.state
		m.mu.Unlock()
		return st, core.ErrNoChallenge
	}
	challenge := *m.state.Challenge
	if challenge.Expired(m.now()) {
		m.expireChallengeLocked(challenge.ID)
		m.mu.Unlock()
		m.dispatch()
		return core.Unauthenticated(), core.ErrChallengeExpired
	}
	m.op++
	op := m.op
	m.mu.Unlock()

	cred, profile, err := m.gateway.VerifyMfa(ctx, challenge.UserID, code, rememberDevice)
	if err != nil {
		if errors.Is(err, core.ErrChallengeExpired) {
			m.mu.Lock()
			if m.op == op {
				m.expireChallengeLocked(challenge.ID)
			}
			m.mu.Unlock()
			m.dispatch()
		}
		m.logger.Info("MFA verification failed", watermill.LogFields{"user_id": challenge.UserID, "error": err.Error()})
		return m.State(), err
	}
	if err := ctx.Err(); err != nil {
		return m.State(), err
	}

	m.mu.Lock()
	if m.op != op || m.state.Phase != core.PhaseAwaitingMfa || m.state.Challenge.ID != challenge.ID {
		st := m.state
		m.mu.Unlock()
		return st, core.ErrSuperseded
	}
	if err := m.persistLocked(ctx, cred, profile); err != nil {
		st := m.state
		m.mu.Unlock()
		return st, err
	}
	m.stopChallengeTimerLocked()
	m.setLocked(core.Authenticated(profile, cred), core.ReasonMfaVerified)
	st := m.state
	m.mu.Unlock()
	m.dispatch()

	m.logger.Info("MFA verified", watermill.LogFields{"user_id": profile.ID, "remember_device": rememberDevice})
	return st, nil
}

// Cancel abandons a pending MFA challenge, or an in-flight login attempt.
func (m *SessionManager) Cancel() {
	m.mu.Lock()
	m.op++
	if m.state.Phase == core.PhaseAwaitingMfa {
		m.stopChallengeTimerLocked()
		m.setLocked(core.Unauthenticated(), core.ReasonMfaCancelled)
	}
	m.mu.Unlock()
	m.dispatch()
}

// Logout ends the session. The state moves to LoggingOut immediately, the
// authority is told best-effort, and local state is cleared whatever the
// outcome. A call made while a logout is already running does nothing.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	switch m.state.Phase {
	case core.PhaseLoggingOut:
		m.mu.Unlock()
		m.logger.Debug("Logout already in progress", nil)
		return nil

	case core.PhaseUnauthenticated:
		m.op++
		m.mu.Unlock()
		return nil

	case core.PhaseAwaitingMfa:
		m.op++
		m.stopChallengeTimerLocked()
		m.setLocked(core.Unauthenticated(), core.ReasonLogout)
		m.mu.Unlock()
		m.dispatch()
		return nil
	}

	cred, _, err := m.store.Credential(ctx)
	if err != nil {
		m.logger.Error("Failed to read credential for logout", err, nil)
	}
	m.op++
	m.setLocked(core.LoggingOut(), core.ReasonLogout)
	m.mu.Unlock()
	m.dispatch()

	if cred.AccessToken != "" {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.logoutTimeout)
		if err := m.gateway.Logout(lctx, cred.AccessToken); err != nil {
			m.logger.Info("Logout request failed, clearing local session anyway", watermill.LogFields{"error": err.Error()})
		}
		cancel()
	}

	m.mu.Lock()
	clearErr := m.store.Clear(context.WithoutCancel(ctx))
	m.setLocked(core.Unauthenticated(), core.ReasonLogout)
	m.mu.Unlock()
	m.dispatch()

	if clearErr != nil {
		m.logger.Error("Failed to clear credential store", clearErr, nil)
		return clearErr
	}
	m.logger.Info("Logged out", nil)
	return nil
}

// Expire ends an Authenticated session whose refresh credential became
// unusable. stale is the credential the failing refresh used; when the store
// has moved on to a different credential the session is left alone.
func (m *SessionManager) Expire(ctx context.Context, stale core.Credential, cause error) error {
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.dispatch()
	}()

	switch m.state.Phase {
	case core.PhaseLoggingOut:
		// the running logout clears the store
		return nil
	case core.PhaseAuthenticated:
		if !stale.IsZero() {
			cur, ok, err := m.store.Credential(ctx)
			if err != nil {
				return err
			}
			if ok && cur.RefreshToken != stale.RefreshToken {
				return nil
			}
		}
		m.op++
		err := m.store.Clear(ctx)
		m.setLocked(core.Unauthenticated(), core.ReasonSessionExpired)
		m.logger.Info("Session expired", watermill.LogFields{"cause": fmt.Sprint(cause)})
		return err
	default:
		return m.store.Clear(ctx)
	}
}

// UpdateProfile replaces the profile of an Authenticated session
func (m *SessionManager) UpdateProfile(ctx context.Context, profile core.UserProfile) error {
	m.mu.Lock()
	if m.state.Phase != core.PhaseAuthenticated {
		m.mu.Unlock()
		return core.ErrNotAuthenticated
	}
	if err := m.store.SetProfile(ctx, &profile); err != nil {
		m.mu.Unlock()
		return err
	}
	next := m.state
	next.Profile = &profile
	m.setLocked(next, core.ReasonProfileUpdated)
	m.mu.Unlock()
	m.dispatch()
	return nil
}

// RequestPasswordReset forwards a reset request; it does not change state
func (m *SessionManager) RequestPasswordReset(ctx context.Context, email, captchaToken string) error {
	return m.gateway.RequestPasswordReset(ctx, email, captchaToken)
}

func canLogin(p core.Phase) bool {
	return p == core.PhaseUnauthenticated || p == core.PhaseAwaitingMfa
}

// persistLocked writes credential then profile, rolling back on failure
func (m *SessionManager) persistLocked(ctx context.Context, cred core.Credential, profile core.UserProfile) error {
	if err := m.store.SetCredential(ctx, cred); err != nil {
		return err
	}
	if err := m.store.SetProfile(ctx, &profile); err != nil {
		if cerr := m.store.Clear(ctx); cerr != nil {
			m.logger.Error("Failed to roll back credential", cerr, nil)
		}
		return err
	}
	return nil
}

func (m *SessionManager) startChallengeTimerLocked(c core.MfaChallenge) {
	id := c.ID
	m.mfaTime = time.AfterFunc(m.challengeTTL, func() {
		m.mu.Lock()
		m.expireChallengeLocked(id)
		m.mu.Unlock()
		m.dispatch()
	})
}

func (m *SessionManager) stopChallengeTimerLocked() {
	if m.mfaTime != nil {
		m.mfaTime.Stop()
		m.mfaTime = nil
	}
}

// expireChallengeLocked drops challenge id if it is still the pending one
func (m *SessionManager) expireChallengeLocked(id string) {
	if m.state.Phase != core.PhaseAwaitingMfa || m.state.Challenge.ID != id {
		return
	}
	m.op++
	m.stopChallengeTimerLocked()
	m.setLocked(core.Unauthenticated(), core.ReasonChallengeExpired)
}

// setLocked changes the state and queues the transition for delivery.
func (m *SessionManager) setLocked(to core.SessionState, reason core.TransitionReason) {
	from := m.state
	stored := to
	stored.Credential = nil
	m.state = stored

	m.pending = append(m.pending, core.Transition{
		From:   from,
		To:     to,
		Reason: reason,
		At:     m.now(),
	})
}

// dispatch delivers queued transitions outside the state lock. Only one
// goroutine drains at a time, which keeps delivery ordered; a listener that
// triggers another transition has it queued behind the current one.
func (m *SessionManager) dispatch() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true

	for len(m.pending) > 0 {
		t := m.pending[0]
		m.pending = m.pending[1:]
		listeners := make([]Listener, 0, len(m.listeners))
		for id := uint64(0); id < m.nextListener; id++ {
			if l, ok := m.listeners[id]; ok {
				listeners = append(listeners, l)
			}
		}
		m.mu.Unlock()

		m.deliver(t, listeners)

		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *SessionManager) deliver(t core.Transition, listeners []Listener) {
	m.metrics.ObserveTransition(t.From.Phase.String(), t.To.Phase.String(), string(t.Reason))

	for _, l := range listeners {
		l(t)
	}

	if m.publisher != nil {
		if err := m.publisher.PublishTransition(context.Background(), t); err != nil {
			m.logger.Error("Failed to publish session transition", err, watermill.LogFields{"reason": string(t.Reason)})
		}
	}
}
