package order

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"shopping-cart-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdempotencyStore remembers which orders were already accepted
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Acceptor is the order service side: it accepts an order once per key
type Acceptor struct {
	keys   IdempotencyStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewAcceptor creates an acceptor remembering keys for ttl
func NewAcceptor(keys IdempotencyStore, ttl time.Duration) *Acceptor {
	return &Acceptor{
		keys:   keys,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// Accept records an order. A key seen before yields a duplicate response
// instead of a second order.
func (a *Acceptor) Accept(ctx context.Context, key string, req Request) (Response, error) {
	ctx, span := util.StartSpan(ctx, "OrderAcceptor.Accept")
	defer span.End()

	if key == "" {
		key = req.CartID
	}

	claimed, err := a.keys.ClaimIdempotencyKey(ctx, "order:"+key, a.ttl)
	if err != nil {
		util.OrdersReceivedTotal.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if !claimed {
		util.OrdersReceivedTotal.WithLabelValues("duplicate").Inc()
		a.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", key),
			zap.String("cart_id", req.CartID))
		return Response{OK: true, Duplicate: true}, nil
	}

	util.OrdersReceivedTotal.WithLabelValues("accepted").Inc()
	a.logger.Info("Order accepted",
		zap.String("cart_id", req.CartID),
		zap.Int("items", len(req.Items)),
		zap.Int("total_quantity", TotalQuantity(req.Items)))
	return Response{OK: true}, nil
}

// Handler serves the order service HTTP API
type Handler struct {
	acceptor *Acceptor
}

// NewHandler creates a new HTTP handler
func NewHandler(acceptor *Acceptor) *Handler {
	return &Handler{acceptor: acceptor}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/v1/orders", h.createOrder)
}

func (h *Handler) createOrder(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.acceptor.Accept(c.Request.Context(), c.GetHeader(IdempotencyHeader), req)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to accept order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// MemoryKeys is an IdempotencyStore for a single process
type MemoryKeys struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryKeys creates an empty in-memory key store
func NewMemoryKeys() *MemoryKeys {
	return &MemoryKeys{keys: make(map[string]time.Time), now: time.Now}
}

// ClaimIdempotencyKey implements IdempotencyStore
func (m *MemoryKeys) ClaimIdempotencyKey(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.keys[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.keys[key] = now.Add(ttl)
	return true, nil
}
