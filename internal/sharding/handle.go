package sharding

import (
	"context"

	"shopping-cart-service/internal/cart"
	"shopping-cart-service/internal/models"
)

// Handle reaches the live instance of one cart. A handle goes stale when
// its instance stops or moves; calls then fail with Unavailable wrapping
// cart.ErrStopped and the caller should Locate again.
type Handle interface {
	Ask(ctx context.Context, cmd cart.Command) (models.CartSummary, error)
	Owner() string
}

// Dialer builds handles to carts owned by other nodes.
type Dialer interface {
	Dial(owner, cartID string) Handle
}

type localHandle struct {
	entity *cart.Entity
	node   string
}

func (h localHandle) Ask(ctx context.Context, cmd cart.Command) (models.CartSummary, error) {
	return h.entity.Ask(ctx, cmd)
}

func (h localHandle) Owner() string {
	return h.node
}

type forwardedKey struct{}

// WithForwarded marks ctx as carrying a request another node already
// routed here. Such a request is never forwarded again.
func WithForwarded(ctx context.Context) context.Context {
	return context.WithValue(ctx, forwardedKey{}, true)
}

// IsForwarded reports whether ctx was marked by WithForwarded.
func IsForwarded(ctx context.Context) bool {
	v, _ := ctx.Value(forwardedKey{}).(bool)
	return v
}
