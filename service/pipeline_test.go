package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipelineFixture(t *testing.T, accepted *tokenBox, gw *fakeGateway) (*Pipeline, *fakeTransport, *CredentialStore) {
	t.Helper()
	s := newStore(t)
	seed(t, s, core.Credential{AccessToken: "a1", RefreshToken: "r1"})
	tr := &fakeTransport{handle: acceptBearer(accepted.get)}
	coordinator := NewRefreshCoordinator(s, gw, nil)
	return NewPipeline(tr, s, coordinator, WithNoRefreshPaths("/auth/logout")), tr, s
}

func rotatingGateway(accepted *tokenBox) *fakeGateway {
	return &fakeGateway{refresh: func(ctx context.Context, token string) (core.Credential, error) {
		accepted.set("a2")
		return core.Credential{AccessToken: "a2", RefreshToken: "r2"}, nil
	}}
}

func get(path string) *ports.Request {
	return &ports.Request{Method: http.MethodGet, Path: path}
}

func TestPipeline_AttachesBearer(t *testing.T) {
	accepted := &tokenBox{v: "a1"}
	gw := rotatingGateway(accepted)
	p, tr, _ := newPipelineFixture(t, accepted, gw)

	resp, err := p.Execute(context.Background(), get("/api/items"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer a1", reqs[0].Header.Get("Authorization"))
	assert.NotEmpty(t, reqs[0].Header.Get("X-Request-ID"))
	assert.Zero(t, gw.refreshCalls.Load())
}

func TestPipeline_RefreshAndRetry(t *testing.T) {
	accepted := &tokenBox{v: "a2"}
	gw := rotatingGateway(accepted)
	p, tr, s := newPipelineFixture(t, accepted, gw)

	req := get("/api/items")
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	reqs := tr.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer a1", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "Bearer a2", reqs[1].Header.Get("Authorization"))
	assert.Equal(t, reqs[0].Header.Get("X-Request-ID"), reqs[1].Header.Get("X-Request-ID"))
	assert.EqualValues(t, 1, gw.refreshCalls.Load())

	assert.Equal(t, "a2", mustCredential(t, s).AccessToken)
	assert.Empty(t, req.Header.Get("Authorization"), "caller's request must not be modified")
}

func TestPipeline_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	accepted := &tokenBox{v: "a2"}
	gw := rotatingGateway(accepted)
	p, tr, _ := newPipelineFixture(t, accepted, gw)

	// hold both first attempts until the two of them were rejected together
	var rejected atomic.Int32
	both := make(chan struct{})
	inner := tr.handle
	tr.handle = func(req *ports.Request) (*ports.Response, error) {
		if req.Header.Get("Authorization") == "Bearer a1" {
			if rejected.Add(1) == 2 {
				close(both)
			}
			<-both
		}
		return inner(req)
	}

	var wg sync.WaitGroup
	statuses := make([]int, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := p.Execute(context.Background(), get(fmt.Sprintf("/api/items/%d", i)))
			errs[i] = err
			if resp != nil {
				statuses[i] = resp.Status
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusOK, statuses[i])
	}
	assert.EqualValues(t, 1, gw.refreshCalls.Load())

	reqs := tr.requests()
	require.Len(t, reqs, 4)
	retries := 0
	for _, r := range reqs {
		if r.Header.Get("Authorization") == "Bearer a2" {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestPipeline_RetriesOnlyOnce(t *testing.T) {
	accepted := &tokenBox{v: "never"}
	gw := &fakeGateway{refresh: func(ctx context.Context, token string) (core.Credential, error) {
		return core.Credential{AccessToken: "a2", RefreshToken: "r2"}, nil
	}}
	p, tr, _ := newPipelineFixture(t, accepted, gw)

	resp, err := p.Execute(context.Background(), get("/api/items"))
	require.Error(t, err)
	assert.True(t, IsAuthorizationFailure(err))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	assert.Len(t, tr.requests(), 2)
	assert.EqualValues(t, 1, gw.refreshCalls.Load())
}

func TestPipeline_RefreshFailure(t *testing.T) {
	accepted := &tokenBox{v: "a2"}
	gw := &fakeGateway{refresh: func(ctx context.Context, token string) (core.Credential, error) {
		return core.Credential{}, core.ErrInvalidRefreshToken
	}}
	p, tr, s := newPipelineFixture(t, accepted, gw)

	resp, err := p.Execute(context.Background(), get("/api/items"))
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	assert.ErrorIs(t, err, core.ErrSessionExpired)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Len(t, tr.requests(), 1)

	_, ok, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPipeline_ExemptPathNeverRefreshes(t *testing.T) {
	accepted := &tokenBox{v: "a2"}
	gw := rotatingGateway(accepted)
	p, tr, _ := newPipelineFixture(t, accepted, gw)

	resp, err := p.Execute(context.Background(), &ports.Request{Method: http.MethodPost, Path: "/auth/logout?all=1"})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Len(t, tr.requests(), 1)
	assert.Zero(t, gw.refreshCalls.Load())
}

func TestPipeline_OtherStatusesPassThrough(t *testing.T) {
	gw := &fakeGateway{}
	s := newStore(t)
	seed(t, s, core.Credential{AccessToken: "a1", RefreshToken: "r1"})
	tr := &fakeTransport{handle: func(req *ports.Request) (*ports.Response, error) {
		return &ports.Response{Status: http.StatusForbidden, Header: http.Header{}}, nil
	}}
	p := NewPipeline(tr, s, NewRefreshCoordinator(s, gw, nil))

	resp, err := p.Execute(context.Background(), get("/api/admin"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Zero(t, gw.refreshCalls.Load())
}

func TestPipeline_Unauthenticated(t *testing.T) {
	gw := &fakeGateway{}
	s := newStore(t)
	tr := &fakeTransport{handle: func(req *ports.Request) (*ports.Response, error) {
		return &ports.Response{Status: http.StatusOK, Header: http.Header{}}, nil
	}}
	p := NewPipeline(tr, s, NewRefreshCoordinator(s, gw, nil))

	resp, err := p.Execute(context.Background(), get("/api/public"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, tr.requests()[0].Header.Get("Authorization"))
	assert.Empty(t, tr.requests()[0].Header.Get("X-Request-ID"))
}

func TestPipeline_TransportError(t *testing.T) {
	gw := &fakeGateway{}
	s := newStore(t)
	tr := &fakeTransport{handle: func(req *ports.Request) (*ports.Response, error) {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", core.ErrNetwork)
	}}
	p := NewPipeline(tr, s, NewRefreshCoordinator(s, gw, nil))

	resp, err := p.Execute(context.Background(), get("/api/items"))
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, core.ErrNetwork)
}
