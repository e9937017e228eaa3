package service

import (
	"context"

	"shopping-cart-service/internal/models"
)

// EventPublisher sends one journaled event to the topic and returns after
// the broker acknowledged it
type EventPublisher interface {
	PublishEvent(ctx context.Context, env models.EventEnvelope) error
}

// PublishEventsHandler forwards every cart event to the topic. It runs
// at-least-once, so consumers may see an event twice.
type PublishEventsHandler struct {
	publisher EventPublisher
}

// NewPublishEventsHandler creates the topic sink
func NewPublishEventsHandler(publisher EventPublisher) *PublishEventsHandler {
	return &PublishEventsHandler{publisher: publisher}
}

// Process implements projection.Handler
func (h *PublishEventsHandler) Process(ctx context.Context, env models.EventEnvelope) error {
	return h.publisher.PublishEvent(ctx, env)
}
