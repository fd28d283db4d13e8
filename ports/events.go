package ports

import (
	"context"

	"github.com/layer-3/tollgate/core"
)

// EventPublisher publishes session transitions to other interested processes
type EventPublisher interface {
	PublishTransition(ctx context.Context, transition core.Transition) error
}
