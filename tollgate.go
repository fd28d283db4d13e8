// Package tollgate keeps a user session against a remote authentication
// authority: login with an optional MFA step, bearer attachment, single-flight
// token refresh with one retry, and deduplicated logout.
//
// New wires the default stack; the service package exposes the pieces for
// callers that assemble their own.
package tollgate

import (
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/tollgate/adapters/gateway"
	"github.com/layer-3/tollgate/adapters/store"
	"github.com/layer-3/tollgate/adapters/transport"
	"github.com/layer-3/tollgate/internal/metrics"
	"github.com/layer-3/tollgate/ports"
	"github.com/layer-3/tollgate/service"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures New. Only AuthorityURL is required.
type Options struct {
	AuthorityURL string

	// Persistence keeps the credential; defaults to process memory
	Persistence ports.Persistence
	// Publisher receives every session transition
	Publisher ports.EventPublisher
	Logger    watermill.LoggerAdapter
	// Registerer enables metrics when set
	Registerer prometheus.Registerer

	HTTPClient     *http.Client
	Endpoints      *gateway.Endpoints
	RequestTimeout time.Duration
	RefreshTimeout time.Duration
	LogoutTimeout  time.Duration
	ChallengeTTL   time.Duration
}

// Client is a wired session stack
type Client struct {
	Credentials *service.CredentialStore
	Gateway     *gateway.HTTPGateway
	Session     *service.SessionManager
	Refresher   *service.RefreshCoordinator
	Pipeline    *service.Pipeline
	Account     *service.AccountService
}

// New builds the stack over an HTTP transport to opts.AuthorityURL
func New(opts Options) (*Client, error) {
	if opts.AuthorityURL == "" {
		return nil, errors.New("tollgate: authority URL is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	persistence := opts.Persistence
	if persistence == nil {
		persistence = store.NewMemoryStore()
	}
	var m *metrics.Metrics
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
	}

	var trOpts []transport.Option
	if opts.HTTPClient != nil {
		trOpts = append(trOpts, transport.WithHTTPClient(opts.HTTPClient))
	}
	if opts.RequestTimeout > 0 {
		trOpts = append(trOpts, transport.WithTimeout(opts.RequestTimeout))
	}
	tr, err := transport.NewHTTPTransport(opts.AuthorityURL, trOpts...)
	if err != nil {
		return nil, err
	}

	gwOpts := []gateway.Option{gateway.WithMetrics(m)}
	if opts.Endpoints != nil {
		gwOpts = append(gwOpts, gateway.WithEndpoints(*opts.Endpoints))
	}
	gw := gateway.NewHTTPGateway(tr, gwOpts...)

	creds := service.NewCredentialStore(persistence)

	smOpts := []service.SessionOption{
		service.WithSessionLogger(logger),
		service.WithSessionMetrics(m),
	}
	if opts.Publisher != nil {
		smOpts = append(smOpts, service.WithPublisher(opts.Publisher))
	}
	if opts.ChallengeTTL > 0 {
		smOpts = append(smOpts, service.WithChallengeTTL(opts.ChallengeTTL))
	}
	if opts.LogoutTimeout > 0 {
		smOpts = append(smOpts, service.WithLogoutTimeout(opts.LogoutTimeout))
	}
	session := service.NewSessionManager(creds, gw, smOpts...)

	rcOpts := []service.RefreshOption{
		service.WithRefreshLogger(logger),
		service.WithRefreshMetrics(m),
	}
	if opts.RefreshTimeout > 0 {
		rcOpts = append(rcOpts, service.WithRefreshTimeout(opts.RefreshTimeout))
	}
	refresher := service.NewRefreshCoordinator(creds, gw, session, rcOpts...)

	pipeline := service.NewPipeline(tr, creds, refresher,
		service.WithNoRefreshPaths(gw.Endpoints().Logout),
		service.WithPipelineLogger(logger),
		service.WithPipelineMetrics(m),
	)

	return &Client{
		Credentials: creds,
		Gateway:     gw,
		Session:     session,
		Refresher:   refresher,
		Pipeline:    pipeline,
		Account:     service.NewAccountService(pipeline, session, service.DefaultAccountPaths()),
	}, nil
}

var _ SessionController = (*service.SessionManager)(nil)
