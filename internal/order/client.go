package order

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Client calls the order service over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for the order service at baseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.GetLogger(),
	}
}

// Order submits the order of a cart. The cart id is the idempotency key,
// so a redelivered order is recognised by the order service.
func (c *Client) Order(ctx context.Context, cartID string, items []models.OrderItem) (bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderClient.Order", attribute.String("cart_id", cartID))
	defer span.End()

	body, err := json.Marshal(Request{CartID: cartID, Items: items})
	if err != nil {
		return false, fmt.Errorf("failed to marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, cartID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("order service unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("failed to read order response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return false, fmt.Errorf("order service returned %d: %s", resp.StatusCode, payload)
	case resp.StatusCode >= 400:
		c.logger.Warn("Order rejected",
			zap.String("cart_id", cartID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", payload))
		return false, nil
	}

	var out Response
	if err := json.Unmarshal(payload, &out); err != nil {
		return false, fmt.Errorf("failed to decode order response: %w", err)
	}
	return out.OK, nil
}
