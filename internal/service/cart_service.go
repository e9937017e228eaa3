package service

import (
	"context"
	"time"

	"shopping-cart-service/internal/cart"
	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CartRouter delivers a command to the live instance of a cart
type CartRouter interface {
	Ask(ctx context.Context, cartID string, cmd cart.Command) (models.CartSummary, error)
}

// PopularityReader answers item popularity queries from the read model
type PopularityReader interface {
	GetItemPopularity(ctx context.Context, itemID string) (uint64, error)
}

// CartService is the command API of the shopping cart
type CartService struct {
	router     CartRouter
	popularity PopularityReader
	askTimeout time.Duration
	logger     *zap.Logger
}

// NewCartService creates a new cart service. Every command waits at most
// askTimeout for the cart to reply.
func NewCartService(router CartRouter, popularity PopularityReader, askTimeout time.Duration) *CartService {
	return &CartService{
		router:     router,
		popularity: popularity,
		askTimeout: askTimeout,
		logger:     util.GetLogger(),
	}
}

// AddItem puts an item into a cart. Retrying after an Unavailable timeout
// may report AlreadyExists when the first attempt was persisted.
func (s *CartService) AddItem(ctx context.Context, cartID, itemID string, quantity int) (models.CartSummary, error) {
	if itemID == "" {
		return models.CartSummary{}, models.NewError(models.CodeInvalidArgument, "item id is required")
	}
	return s.ask(ctx, cartID, cart.AddItem{ItemID: itemID, Quantity: quantity})
}

// RemoveItem takes an item out of a cart
func (s *CartService) RemoveItem(ctx context.Context, cartID, itemID string) (models.CartSummary, error) {
	if itemID == "" {
		return models.CartSummary{}, models.NewError(models.CodeInvalidArgument, "item id is required")
	}
	return s.ask(ctx, cartID, cart.RemoveItem{ItemID: itemID})
}

// AdjustItemQuantity changes the quantity of an item in a cart
func (s *CartService) AdjustItemQuantity(ctx context.Context, cartID, itemID string, quantity int) (models.CartSummary, error) {
	if itemID == "" {
		return models.CartSummary{}, models.NewError(models.CodeInvalidArgument, "item id is required")
	}
	return s.ask(ctx, cartID, cart.AdjustItemQuantity{ItemID: itemID, Quantity: quantity})
}

// Checkout closes a cart
func (s *CartService) Checkout(ctx context.Context, cartID string) (models.CartSummary, error) {
	return s.ask(ctx, cartID, cart.Checkout{})
}

// Get returns the current state of a cart
func (s *CartService) Get(ctx context.Context, cartID string) (models.CartSummary, error) {
	return s.ask(ctx, cartID, cart.Get{})
}

// GetItemPopularity returns how many units of an item were added to carts
func (s *CartService) GetItemPopularity(ctx context.Context, itemID string) (uint64, error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetItemPopularity", attribute.String("item_id", itemID))
	defer span.End()

	if itemID == "" {
		return 0, models.NewError(models.CodeInvalidArgument, "item id is required")
	}

	count, err := s.popularity.GetItemPopularity(ctx, itemID)
	if err != nil {
		return 0, models.WrapError(models.CodeUnavailable, "failed to read item popularity", err)
	}
	return count, nil
}

func (s *CartService) ask(ctx context.Context, cartID string, cmd cart.Command) (models.CartSummary, error) {
	name := cart.CommandName(cmd)
	ctx, span := util.StartSpan(ctx, "CartService."+name,
		attribute.String("cart_id", cartID),
		attribute.String("command", name))
	defer span.End()

	if cartID == "" {
		return models.CartSummary{}, models.NewError(models.CodeInvalidArgument, "cart id is required")
	}

	start := time.Now()
	defer func() {
		util.CommandLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	if s.askTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.askTimeout)
		defer cancel()
	}

	summary, err := s.router.Ask(ctx, cartID, cmd)
	if err != nil {
		span.RecordError(err)
		if models.IsTransient(err) {
			s.logger.Warn("Cart command failed",
				zap.String("cart_id", cartID),
				zap.String("command", name),
				zap.Error(err))
		}
		return models.CartSummary{}, err
	}
	return summary, nil
}
