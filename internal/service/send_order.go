package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"shopping-cart-service/internal/cart"
	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/order"
	"shopping-cart-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SendOrderHandler turns checked-out carts into orders. It runs
// at-least-once; the order service deduplicates on the cart id.
type SendOrderHandler struct {
	router     CartRouter
	orders     order.Service
	askTimeout time.Duration
	logger     *zap.Logger
}

// NewSendOrderHandler creates the order sink
func NewSendOrderHandler(router CartRouter, orders order.Service, askTimeout time.Duration) *SendOrderHandler {
	return &SendOrderHandler{
		router:     router,
		orders:     orders,
		askTimeout: askTimeout,
		logger:     util.GetLogger(),
	}
}

// Process implements projection.Handler
func (h *SendOrderHandler) Process(ctx context.Context, env models.EventEnvelope) error {
	if _, ok := env.Event.(models.CheckedOut); !ok {
		return nil
	}

	ctx, span := util.StartSpan(ctx, "SendOrderHandler.Process", attribute.String("cart_id", env.CartID))
	defer span.End()

	askCtx := ctx
	if h.askTimeout > 0 {
		var cancel context.CancelFunc
		askCtx, cancel = context.WithTimeout(ctx, h.askTimeout)
		defer cancel()
	}

	summary, err := h.router.Ask(askCtx, env.CartID, cart.Get{})
	if err != nil {
		util.OrdersSentTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to read cart %s: %w", env.CartID, err)
	}

	items := orderItems(summary)
	accepted, err := h.orders.Order(ctx, env.CartID, items)
	if err != nil {
		util.OrdersSentTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to send order for cart %s: %w", env.CartID, err)
	}

	if !accepted {
		// retrying would get the same answer
		util.OrdersSentTotal.WithLabelValues("rejected").Inc()
		h.logger.Warn("Order was not accepted", zap.String("cart_id", env.CartID))
		return nil
	}

	util.OrdersSentTotal.WithLabelValues("accepted").Inc()
	h.logger.Info("Order sent",
		zap.String("cart_id", env.CartID),
		zap.Int("total_quantity", order.TotalQuantity(items)))
	return nil
}

func orderItems(summary models.CartSummary) []models.OrderItem {
	items := make([]models.OrderItem, 0, len(summary.Items))
	for itemID, quantity := range summary.Items {
		items = append(items, models.OrderItem{ItemID: itemID, Quantity: quantity})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	return items
}
