package tollgate

import (
	"context"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
	"github.com/layer-3/tollgate/service"
)

// SessionController is what a UI needs from the session
type SessionController interface {
	// State returns the current session state
	State() core.SessionState

	// Subscribe registers a listener for every transition
	Subscribe(l service.Listener) (unsubscribe func())

	// Resume restores a persisted session
	Resume(ctx context.Context) (core.SessionState, error)

	// Login checks the primary credentials
	Login(ctx context.Context, email, password string, rememberDevice bool) (core.SessionState, error)

	// Verify submits the MFA code for the pending challenge
	Verify(ctx context.Context, code string, rememberDevice bool) (core.SessionState, error)

	// Cancel abandons a pending challenge
	Cancel()

	// Logout ends the session; duplicates are no-ops
	Logout(ctx context.Context) error
}

// Requester sends authenticated calls to the authority
type Requester interface {
	Execute(ctx context.Context, req *ports.Request) (*ports.Response, error)
}

var _ Requester = (*service.Pipeline)(nil)
