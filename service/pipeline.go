package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/internal/metrics"
	"github.com/layer-3/tollgate/ports"
)

// CredentialRefresher is the part of RefreshCoordinator used by the pipeline
type CredentialRefresher interface {
	EnsureFreshCredentialFor(ctx context.Context, rejected string) (core.Credential, error)
}

// Pipeline sends authenticated calls to the authority. It attaches the
// current access token, and on a 401 refreshes the credential and resends the
// request exactly once.
type Pipeline struct {
	transport ports.Transport
	store     *CredentialStore
	refresher CredentialRefresher
	logger    watermill.LoggerAdapter
	metrics   *metrics.Metrics
	noRefresh []string
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithNoRefreshPaths lists paths whose 401 never triggers a refresh. The
// logout path belongs here so a failing logout cannot loop into refresh.
func WithNoRefreshPaths(paths ...string) PipelineOption {
	return func(p *Pipeline) { p.noRefresh = append(p.noRefresh, paths...) }
}

// WithPipelineLogger sets the logger
func WithPipelineLogger(l watermill.LoggerAdapter) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithPipelineMetrics sets the metrics sink
func WithPipelineMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a pipeline
func NewPipeline(transport ports.Transport, store *CredentialStore, refresher CredentialRefresher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		transport: transport,
		store:     store,
		refresher: refresher,
		logger:    watermill.NopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute sends req. When the final answer is still a 401 the response is
// returned together with an error wrapping core.ErrUnauthorized (and the
// refresh error, if refreshing failed); the caller decides how to react.
func (p *Pipeline) Execute(ctx context.Context, req *ports.Request) (*ports.Response, error) {
	attempt := req.Clone()

	cred, ok, err := p.store.Credential(ctx)
	if err != nil {
		return nil, err
	}
	attached := ""
	if ok {
		attached = cred.AccessToken
		setBearer(attempt, attached)
	}

	resp, err := p.transport.Send(ctx, attempt)
	if err != nil {
		p.metrics.ObservePipeline("error", false)
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		p.metrics.ObservePipeline(metrics.StatusClass(resp.Status), false)
		return resp, nil
	}

	if p.exempt(req.Path) {
		p.metrics.ObservePipeline(metrics.StatusClass(resp.Status), false)
		return resp, fmt.Errorf("%s %s: %w", req.Method, req.Path, core.ErrUnauthorized)
	}

	fresh, rerr := p.refresher.EnsureFreshCredentialFor(ctx, attached)
	if rerr != nil {
		fields := watermill.LogFields{"path": req.Path, "error": rerr.Error()}
		if core.IsUnrecoverable(rerr) {
			p.logger.Info("Session can no longer be renewed, returning authorization failure", fields)
		} else {
			p.logger.Info("Credential refresh failed, returning authorization failure", fields)
		}
		p.metrics.ObservePipeline(metrics.StatusClass(resp.Status), false)
		return resp, fmt.Errorf("%s %s: %w: %w", req.Method, req.Path, core.ErrUnauthorized, rerr)
	}

	retry := attempt.Clone()
	setBearer(retry, fresh.AccessToken)

	retried, err := p.transport.Send(ctx, retry)
	if err != nil {
		p.metrics.ObservePipeline("error", true)
		return nil, err
	}
	p.metrics.ObservePipeline(metrics.StatusClass(retried.Status), true)

	if retried.Status == http.StatusUnauthorized {
		return retried, fmt.Errorf("%s %s: %w after refresh", req.Method, req.Path, core.ErrUnauthorized)
	}
	return retried, nil
}

func (p *Pipeline) exempt(path string) bool {
	clean := path
	if i := strings.IndexByte(clean, '?'); i >= 0 {
		clean = clean[:i]
	}
	for _, np := range p.noRefresh {
		if clean == np {
			return true
		}
	}
	return false
}

// setBearer attaches token. Authenticated requests also get a request id,
// kept across the retry; anonymous ones go out as the caller built them.
func setBearer(req *ports.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}
}

// IsAuthorizationFailure reports whether err is a final 401 from Execute.
func IsAuthorizationFailure(err error) bool {
	return errors.Is(err, core.ErrUnauthorized)
}
