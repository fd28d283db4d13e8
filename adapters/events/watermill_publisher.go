package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// DefaultTopic is the topic session transitions are published on
const DefaultTopic = "tollgate.session"

// TransitionEvent represents a session transition on the wire.
// Tokens are never included.
type TransitionEvent struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a new Watermill publisher. An empty topic selects DefaultTopic.
func NewWatermillPublisher(publisher message.Publisher, topic string) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillPublisher{
		publisher: publisher,
		topic:     topic,
	}
}

var _ ports.EventPublisher = (*WatermillPublisher)(nil)

// PublishTransition publishes a transition event
func (p *WatermillPublisher) PublishTransition(ctx context.Context, t core.Transition) error {
	event := NewTransitionEvent(t)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("reason", event.Reason)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NewTransitionEvent flattens a transition into its published form.
func NewTransitionEvent(t core.Transition) TransitionEvent {
	event := TransitionEvent{
		From:   t.From.Phase.String(),
		To:     t.To.Phase.String(),
		Reason: string(t.Reason),
		At:     t.At.UTC(),
	}
	switch {
	case t.To.Profile != nil:
		event.UserID = t.To.Profile.ID
	case t.To.Challenge != nil:
		event.UserID = t.To.Challenge.UserID
	case t.From.Profile != nil:
		event.UserID = t.From.Profile.ID
	}
	return event
}
