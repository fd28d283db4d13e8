package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/layer-3/tollgate/adapters/store"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
	"github.com/stretchr/testify/require"
)

// fakeGateway records calls and answers with the configured functions.
type fakeGateway struct {
	login   func(ctx context.Context, email, password string, remember bool) (core.LoginResult, error)
	verify  func(ctx context.Context, userID, code string, remember bool) (core.Credential, core.UserProfile, error)
	refresh func(ctx context.Context, refreshToken string) (core.Credential, error)
	logout  func(ctx context.Context, accessToken string) error

	loginCalls   atomic.Int32
	verifyCalls  atomic.Int32
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	resetCalls   atomic.Int32
}

func (g *fakeGateway) Login(ctx context.Context, email, password string, remember bool) (core.LoginResult, error) {
	g.loginCalls.Add(1)
	if g.login == nil {
		return core.LoginResult{}, core.ErrInvalidCredentials
	}
	return g.login(ctx, email, password, remember)
}

func (g *fakeGateway) VerifyMfa(ctx context.Context, userID, code string, remember bool) (core.Credential, core.UserProfile, error) {
	g.verifyCalls.Add(1)
	if g.verify == nil {
		return core.Credential{}, core.UserProfile{}, core.ErrInvalidCode
	}
	return g.verify(ctx, userID, code, remember)
}

func (g *fakeGateway) Refresh(ctx context.Context, refreshToken string) (core.Credential, error) {
	g.refreshCalls.Add(1)
	if g.refresh == nil {
		return core.Credential{}, core.ErrInvalidRefreshToken
	}
	return g.refresh(ctx, refreshToken)
}

func (g *fakeGateway) Logout(ctx context.Context, accessToken string) error {
	g.logoutCalls.Add(1)
	if g.logout == nil {
		return nil
	}
	return g.logout(ctx, accessToken)
}

func (g *fakeGateway) RequestPasswordReset(ctx context.Context, email, captchaToken string) error {
	g.resetCalls.Add(1)
	return nil
}

// fakeTransport serves requests from handle and keeps every request it saw.
type fakeTransport struct {
	mu     sync.Mutex
	seen   []*ports.Request
	handle func(req *ports.Request) (*ports.Response, error)
}

func (t *fakeTransport) Send(ctx context.Context, req *ports.Request) (*ports.Response, error) {
	t.mu.Lock()
	t.seen = append(t.seen, req.Clone())
	t.mu.Unlock()
	return t.handle(req)
}

func (t *fakeTransport) requests() []*ports.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*ports.Request(nil), t.seen...)
}

// acceptBearer answers 200 only when the request carries the current token.
func acceptBearer(current func() string) func(*ports.Request) (*ports.Response, error) {
	return func(req *ports.Request) (*ports.Response, error) {
		if strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ") != current() {
			return &ports.Response{Status: http.StatusUnauthorized, Header: http.Header{}, Body: []byte(`{"error":"Token has expired"}`)}, nil
		}
		return &ports.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(`{"ok":true}`)}, nil
	}
}

// tokenBox is a mutex-guarded string, the token the fake authority accepts.
type tokenBox struct {
	mu sync.Mutex
	v  string
}

func (b *tokenBox) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

func (b *tokenBox) set(v string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.v = v
}

func newStore(t *testing.T) *CredentialStore {
	t.Helper()
	return NewCredentialStore(store.NewMemoryStore())
}

func seed(t *testing.T, s *CredentialStore, cred core.Credential) {
	t.Helper()
	require.NoError(t, s.SetCredential(context.Background(), cred))
}

func mustCredential(t *testing.T, s *CredentialStore) core.Credential {
	t.Helper()
	cred, ok, err := s.Credential(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "expected a stored credential")
	return cred
}

// failingBackend is a persistence backend whose writes and deletes fail on
// demand. It counts delete calls per key.
type failingBackend struct {
	ports.Persistence
	failWrites  atomic.Bool
	failDeletes atomic.Bool

	mu      sync.Mutex
	deletes map[string]int
}

func (b *failingBackend) Write(ctx context.Context, key string, value []byte) error {
	if b.failWrites.Load() {
		return errBackend
	}
	return b.Persistence.Write(ctx, key, value)
}

func (b *failingBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	if b.deletes == nil {
		b.deletes = make(map[string]int)
	}
	b.deletes[key]++
	b.mu.Unlock()

	if b.failDeletes.Load() {
		return errBackend
	}
	return b.Persistence.Delete(ctx, key)
}

func (b *failingBackend) deleteCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deletes[key]
}

var errBackend = errors.New("backend unavailable")
