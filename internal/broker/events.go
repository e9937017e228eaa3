package broker

import (
	"context"
	"fmt"

	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Writer sends one keyed message and waits for the acknowledgement.
type Writer interface {
	Publish(ctx context.Context, key string, value []byte, headers ...kafka.Header) error
}

// EventPublisher publishes journaled cart events to the topic
type EventPublisher struct {
	writer Writer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(writer Writer) *EventPublisher {
	return &EventPublisher{writer: writer}
}

// PublishEvent encodes an event and sends it keyed by cart id, so the
// events of one cart keep their order within a partition.
func (ep *EventPublisher) PublishEvent(ctx context.Context, env models.EventEnvelope) error {
	value, err := EncodeEvent(env.Event)
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(env.EventID)},
		{Key: "event_type", Value: []byte(env.Event.EventType())},
	}
	if err := ep.writer.Publish(ctx, env.CartID, value, headers...); err != nil {
		return fmt.Errorf("failed to publish %s for cart %s: %w", env.Event.EventType(), env.CartID, err)
	}

	util.EventsPublishedTotal.WithLabelValues(env.Event.EventType()).Inc()
	return nil
}

// EventHandler routes consumed cart events by type
type EventHandler struct {
	handlers map[string]func(context.Context, string, models.Event) error
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		handlers: make(map[string]func(context.Context, string, models.Event) error),
		logger:   util.GetLogger(),
	}
}

// On registers a handler for an event type. The handler gets the message
// key, which is the cart id.
func (eh *EventHandler) On(eventType string, handler func(ctx context.Context, cartID string, event models.Event) error) {
	eh.handlers[eventType] = handler
}

// HandleMessage decodes a message and routes it. Unknown and unhandled
// types are logged and skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	eventType, event, err := DecodeEvent(msg.Value)
	if err != nil {
		eh.logger.Warn("Skipping undecodable message",
			zap.String("type", eventType),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	handler, ok := eh.handlers[eventType]
	if !ok {
		eh.logger.Debug("Unhandled event type", zap.String("type", eventType))
		return nil
	}
	return handler(ctx, string(msg.Key), event)
}
