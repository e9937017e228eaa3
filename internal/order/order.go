// Package order is the contract between the cart service and the order
// service: the request sent for a checked-out cart, the HTTP client that
// sends it and the handler that accepts it.
package order

import (
	"context"

	"shopping-cart-service/internal/models"
)

// IdempotencyHeader carries the key the order service deduplicates on.
const IdempotencyHeader = "Idempotency-Key"

// Request is the order submitted for a checked-out cart
type Request struct {
	CartID string             `json:"cart_id" binding:"required"`
	Items  []models.OrderItem `json:"items" binding:"required,min=1,dive"`
}

// Response tells whether the order was accepted
type Response struct {
	OK        bool `json:"ok"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Service accepts orders. A false result with a nil error is a rejection
// that retrying will not change.
type Service interface {
	Order(ctx context.Context, cartID string, items []models.OrderItem) (bool, error)
}

// TotalQuantity sums the quantities of items.
func TotalQuantity(items []models.OrderItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}
