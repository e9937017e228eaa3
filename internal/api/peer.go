package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"shopping-cart-service/internal/cart"
	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/sharding"
	"shopping-cart-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

// PeerClient reaches carts owned by other nodes through their HTTP API.
// Node ids are the nodes' base URLs.
type PeerClient struct {
	nodeID     string
	httpClient *http.Client
}

// NewPeerClient creates a dialer for this node. Request deadlines come
// from the caller's context.
func NewPeerClient(nodeID string, httpClient *http.Client) *PeerClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &PeerClient{nodeID: nodeID, httpClient: httpClient}
}

// Dial implements sharding.Dialer
func (p *PeerClient) Dial(owner, cartID string) sharding.Handle {
	return &remoteHandle{peer: p, owner: strings.TrimRight(owner, "/"), cartID: cartID}
}

type remoteHandle struct {
	peer   *PeerClient
	owner  string
	cartID string
}

func (h *remoteHandle) Owner() string {
	return h.owner
}

// Ask forwards a command to the owner. A node that cannot be reached is
// reported as a stopped handle so the caller locates the cart again.
func (h *remoteHandle) Ask(ctx context.Context, cmd cart.Command) (models.CartSummary, error) {
	ctx, span := util.StartSpan(ctx, "PeerClient.Ask",
		attribute.String("cart_id", h.cartID),
		attribute.String("owner", h.owner))
	defer span.End()

	method, path, body, err := h.route(cmd)
	if err != nil {
		return models.CartSummary{}, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return models.CartSummary{}, fmt.Errorf("failed to marshal forwarded command: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.owner+path, reader)
	if err != nil {
		return models.CartSummary{}, models.WrapError(models.CodeUnavailable, "invalid owner address "+h.owner, err)
	}
	req.Header.Set(ForwardedHeader, h.peer.nodeID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.peer.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.CartSummary{}, models.WrapError(models.CodeUnavailable,
				"cart "+h.cartID+" did not reply in time", ctx.Err())
		}
		return models.CartSummary{}, models.WrapError(models.CodeUnavailable,
			"owner "+h.owner+" of cart "+h.cartID+" is unreachable", errors.Join(cart.ErrStopped, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.CartSummary{}, models.WrapError(models.CodeUnavailable, "failed to read forwarded reply", err)
	}

	if resp.StatusCode != http.StatusOK {
		return models.CartSummary{}, decodeRemoteError(resp.StatusCode, payload)
	}

	var summary models.CartSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return models.CartSummary{}, models.WrapError(models.CodeUnavailable, "failed to decode forwarded reply", err)
	}
	if summary.Items == nil {
		summary.Items = map[string]int{}
	}
	return summary, nil
}

func (h *remoteHandle) route(cmd cart.Command) (method, path string, body any, err error) {
	base := "/api/v1/carts/" + url.PathEscape(h.cartID)

	switch c := cmd.(type) {
	case cart.AddItem:
		return http.MethodPost, base + "/items", AddItemRequest{ItemID: c.ItemID, Quantity: c.Quantity}, nil
	case cart.RemoveItem:
		return http.MethodDelete, base + "/items/" + url.PathEscape(c.ItemID), nil, nil
	case cart.AdjustItemQuantity:
		return http.MethodPut, base + "/items/" + url.PathEscape(c.ItemID), AdjustItemRequest{Quantity: c.Quantity}, nil
	case cart.Checkout:
		return http.MethodPost, base + "/checkout", nil, nil
	case cart.Get:
		return http.MethodGet, base, nil, nil
	default:
		return "", "", nil, models.NewError(models.CodeInvalidArgument, "unsupported command %T", cmd)
	}
}

func decodeRemoteError(status int, payload []byte) error {
	var resp ErrorResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Code == "" {
		return models.NewError(models.CodeUnavailable, "owner replied %d: %s", status, strings.TrimSpace(string(payload)))
	}
	return models.NewError(models.Code(resp.Code), "%s", resp.Error)
}
