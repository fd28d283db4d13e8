package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/internal/metrics"
	"github.com/layer-3/tollgate/ports"
)

// DefaultRefreshTimeout bounds a single refresh call
const DefaultRefreshTimeout = 20 * time.Second

// SessionExpirer is told when the refresh credential became unusable. It must
// clear the credential store and leave the session unauthenticated, unless
// the store already moved on from stale.
type SessionExpirer interface {
	Expire(ctx context.Context, stale core.Credential, cause error) error
}

// refreshJob is one in-flight refresh shared by every waiting caller.
// cred and err are written once, before done is closed.
type refreshJob struct {
	done    chan struct{}
	waiters int
	cred    core.Credential
	err     error
}

// RefreshCoordinator ensures at most one refresh call is in flight and hands
// its result to every caller that asked while it was running.
type RefreshCoordinator struct {
	store   *CredentialStore
	gateway ports.Gateway
	expirer SessionExpirer
	logger  watermill.LoggerAdapter
	metrics *metrics.Metrics
	timeout time.Duration

	mu  sync.Mutex
	job *refreshJob // nil while idle
}

// RefreshOption configures a RefreshCoordinator
type RefreshOption func(*RefreshCoordinator)

// WithRefreshTimeout bounds each refresh call
func WithRefreshTimeout(d time.Duration) RefreshOption {
	return func(c *RefreshCoordinator) { c.timeout = d }
}

// WithRefreshLogger sets the logger
func WithRefreshLogger(l watermill.LoggerAdapter) RefreshOption {
	return func(c *RefreshCoordinator) { c.logger = l }
}

// WithRefreshMetrics sets the metrics sink
func WithRefreshMetrics(m *metrics.Metrics) RefreshOption {
	return func(c *RefreshCoordinator) { c.metrics = m }
}

// NewRefreshCoordinator creates a coordinator. expirer may be nil, in which
// case an unrecoverable failure only clears the store.
func NewRefreshCoordinator(store *CredentialStore, gateway ports.Gateway, expirer SessionExpirer, opts ...RefreshOption) *RefreshCoordinator {
	c := &RefreshCoordinator{
		store:   store,
		gateway: gateway,
		expirer: expirer,
		logger:  watermill.NopLogger{},
		timeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureFreshCredential refreshes the credential, joining the in-flight
// refresh when there is one.
func (c *RefreshCoordinator) EnsureFreshCredential(ctx context.Context) (core.Credential, error) {
	return c.ensure(ctx, "", true)
}

// EnsureFreshCredentialFor is used after rejected was refused by the
// authority. When the store already holds a different access token, a refresh
// has completed since rejected was attached and that credential is returned
// without a new call.
func (c *RefreshCoordinator) EnsureFreshCredentialFor(ctx context.Context, rejected string) (core.Credential, error) {
	return c.ensure(ctx, rejected, false)
}

// InFlight reports whether a refresh is running and how many callers wait on it.
func (c *RefreshCoordinator) InFlight() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return false, 0
	}
	return true, c.job.waiters
}

func (c *RefreshCoordinator) ensure(ctx context.Context, rejected string, force bool) (core.Credential, error) {
	c.mu.Lock()
	if job := c.job; job != nil {
		job.waiters++
		c.mu.Unlock()
		return c.wait(ctx, job)
	}

	current, ok, err := c.store.Credential(ctx)
	if err != nil {
		c.mu.Unlock()
		return core.Credential{}, err
	}
	if ok && !force && current.AccessToken != rejected {
		c.mu.Unlock()
		return current, nil
	}
	if !ok || current.RefreshToken == "" {
		c.mu.Unlock()
		c.logger.Info("No refresh token, session cannot be renewed", nil)
		return core.Credential{}, c.expire(ctx, current, core.ErrNoRefreshToken)
	}

	job := &refreshJob{done: make(chan struct{}), waiters: 1}
	c.job = job
	c.mu.Unlock()

	// The refresh is implied by a 401, not by a user action: it runs to
	// completion even if the caller that started it goes away.
	go c.run(job, current)

	return c.wait(ctx, job)
}

func (c *RefreshCoordinator) wait(ctx context.Context, job *refreshJob) (core.Credential, error) {
	select {
	case <-job.done:
		return job.cred, job.err
	case <-ctx.Done():
		return core.Credential{}, ctx.Err()
	}
}

func (c *RefreshCoordinator) run(job *refreshJob, old core.Credential) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	cred, err := c.gateway.Refresh(ctx, old.RefreshToken)
	outcome := "success"

	switch {
	case err == nil:
		if cred.RefreshToken == "" {
			cred.RefreshToken = old.RefreshToken
		}
		cred.DeviceTrusted = old.DeviceTrusted

		swapped, serr := c.store.Replace(ctx, old, cred)
		switch {
		case serr != nil:
			outcome = "store_error"
			job.err = serr
		case !swapped:
			// The session ended or was replaced while the call was in flight.
			outcome = "superseded"
			job.err = fmt.Errorf("%w: credential changed during refresh", core.ErrSessionExpired)
		default:
			job.cred = cred
		}

	case errors.Is(err, core.ErrInvalidRefreshToken):
		outcome = "invalid"
		c.logger.Info("Refresh token rejected, ending session", watermill.LogFields{"error": err.Error()})
		job.err = c.expire(ctx, old, err)

	default:
		outcome = "transient"
		c.logger.Error("Token refresh failed", err, nil)
		job.err = fmt.Errorf("%w: %w", core.ErrTransientRefresh, err)
	}

	c.mu.Lock()
	c.job = nil
	waiters := job.waiters
	c.mu.Unlock()
	close(job.done)

	c.metrics.ObserveRefresh(outcome, waiters)
	c.logger.Debug("Refresh job finished", watermill.LogFields{"outcome": outcome, "waiters": waiters})
}

// expire ends the session and returns the error handed to waiters.
func (c *RefreshCoordinator) expire(ctx context.Context, stale core.Credential, cause error) error {
	var err error
	if c.expirer != nil {
		err = c.expirer.Expire(ctx, stale, cause)
	} else {
		err = c.store.Clear(ctx)
	}
	if err != nil {
		c.logger.Error("Failed to clear expired session", err, nil)
		return fmt.Errorf("%w: %w: %w", core.ErrSessionExpired, cause, err)
	}
	return fmt.Errorf("%w: %w", core.ErrSessionExpired, cause)
}
