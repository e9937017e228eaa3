package worker

import (
	"context"

	"shopping-cart-service/internal/broker"
	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/util"

	"go.uber.org/zap"
)

// AnalyticsWorker consumes the cart event topic and logs what happened
type AnalyticsWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewAnalyticsWorker creates a new analytics worker. consumer may be nil
// when messages are fed through HandleMessage directly.
func NewAnalyticsWorker(consumer *broker.Consumer) *AnalyticsWorker {
	w := &AnalyticsWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		logger:       util.GetLogger(),
	}

	w.eventHandler.On(models.EventTypeItemAdded, w.onItemAdded)
	w.eventHandler.On(models.EventTypeItemRemoved, w.onItemRemoved)
	w.eventHandler.On(models.EventTypeItemQuantityAdjusted, w.onItemQuantityAdjusted)
	w.eventHandler.On(models.EventTypeCheckedOut, w.onCheckedOut)
	return w
}

// Handler returns the message handler the consumer runs
func (w *AnalyticsWorker) Handler() *broker.EventHandler {
	return w.eventHandler
}

// Start consumes until ctx is cancelled
func (w *AnalyticsWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting analytics worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *AnalyticsWorker) Stop() error {
	w.logger.Info("Stopping analytics worker")
	return w.consumer.Close()
}

func (w *AnalyticsWorker) onItemAdded(_ context.Context, cartID string, event models.Event) error {
	e := event.(models.ItemAdded)
	util.AnalyticsEventsTotal.WithLabelValues(e.EventType()).Inc()
	w.logger.Info("ItemAdded",
		zap.String("cart_id", cartID),
		zap.String("item_id", e.ItemID),
		zap.Int("quantity", e.Quantity))
	return nil
}

func (w *AnalyticsWorker) onItemRemoved(_ context.Context, cartID string, event models.Event) error {
	e := event.(models.ItemRemoved)
	util.AnalyticsEventsTotal.WithLabelValues(e.EventType()).Inc()
	w.logger.Info("ItemRemoved",
		zap.String("cart_id", cartID),
		zap.String("item_id", e.ItemID))
	return nil
}

func (w *AnalyticsWorker) onItemQuantityAdjusted(_ context.Context, cartID string, event models.Event) error {
	e := event.(models.ItemQuantityAdjusted)
	util.AnalyticsEventsTotal.WithLabelValues(e.EventType()).Inc()
	w.logger.Info("ItemQuantityAdjusted",
		zap.String("cart_id", cartID),
		zap.String("item_id", e.ItemID),
		zap.Int("quantity", e.Quantity))
	return nil
}

func (w *AnalyticsWorker) onCheckedOut(_ context.Context, cartID string, event models.Event) error {
	e := event.(models.CheckedOut)
	util.AnalyticsEventsTotal.WithLabelValues(e.EventType()).Inc()
	w.logger.Info("CheckedOut",
		zap.String("cart_id", cartID),
		zap.Time("event_time", e.EventTime))
	return nil
}
