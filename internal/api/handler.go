package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"shopping-cart-service/internal/models"
	"shopping-cart-service/internal/service"
	"shopping-cart-service/internal/sharding"
	"shopping-cart-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ForwardedHeader marks a request another node routed here. The value is
// the forwarding node's id.
const ForwardedHeader = "X-Forwarded-Node"

// CheckFunc reports whether a dependency is ready
type CheckFunc func(ctx context.Context) error

// OffsetLister lists stored projection offsets
type OffsetLister interface {
	ListOffsets(ctx context.Context) ([]models.ProjectionOffset, error)
}

// Handler contains HTTP handlers
type Handler struct {
	cartService *service.CartService
	offsets     OffsetLister
	checks      map[string]CheckFunc
}

// NewHandler creates a new HTTP handler. offsets may be nil.
func NewHandler(cartService *service.CartService, offsets OffsetLister, checks map[string]CheckFunc) *Handler {
	return &Handler{
		cartService: cartService,
		offsets:     offsets,
		checks:      checks,
	}
}

// AddItemRequest is the body of an add item request
type AddItemRequest struct {
	ItemID   string `json:"item_id" binding:"required"`
	Quantity int    `json:"quantity"`
}

// AdjustItemRequest is the body of an adjust quantity request
type AdjustItemRequest struct {
	Quantity int `json:"quantity"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())
	router.Use(forwardedMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/carts/:id", h.getCart)
		v1.POST("/carts/:id/items", h.addItem)
		v1.PUT("/carts/:id/items/:item", h.adjustItemQuantity)
		v1.DELETE("/carts/:id/items/:item", h.removeItem)
		v1.POST("/carts/:id/checkout", h.checkout)
		v1.GET("/items/:id/popularity", h.getItemPopularity)
		v1.GET("/projections", h.listProjections)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every dependency check
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) getCart(c *gin.Context) {
	summary, err := h.cartService.Get(c.Request.Context(), c.Param("id"))
	respond(c, summary, err)
}

func (h *Handler) addItem(c *gin.Context) {
	var req AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    string(models.CodeInvalidArgument),
			Details: err.Error(),
		})
		return
	}

	summary, err := h.cartService.AddItem(c.Request.Context(), c.Param("id"), req.ItemID, req.Quantity)
	respond(c, summary, err)
}

func (h *Handler) adjustItemQuantity(c *gin.Context) {
	var req AdjustItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    string(models.CodeInvalidArgument),
			Details: err.Error(),
		})
		return
	}

	summary, err := h.cartService.AdjustItemQuantity(c.Request.Context(), c.Param("id"), c.Param("item"), req.Quantity)
	respond(c, summary, err)
}

func (h *Handler) removeItem(c *gin.Context) {
	summary, err := h.cartService.RemoveItem(c.Request.Context(), c.Param("id"), c.Param("item"))
	respond(c, summary, err)
}

func (h *Handler) checkout(c *gin.Context) {
	summary, err := h.cartService.Checkout(c.Request.Context(), c.Param("id"))
	respond(c, summary, err)
}

func (h *Handler) getItemPopularity(c *gin.Context) {
	itemID := c.Param("id")
	count, err := h.cartService.GetItemPopularity(c.Request.Context(), itemID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"item_id":    itemID,
		"popularity": count,
	})
}

func (h *Handler) listProjections(c *gin.Context) {
	if h.offsets == nil {
		c.JSON(http.StatusOK, gin.H{"offsets": []models.ProjectionOffset{}})
		return
	}

	offsets, err := h.offsets.ListOffsets(c.Request.Context())
	if err != nil {
		respondError(c, models.WrapError(models.CodeUnavailable, "failed to list offsets", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"offsets": offsets})
}

func respond(c *gin.Context, summary models.CartSummary, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func respondError(c *gin.Context, err error) {
	code := models.CodeOf(err)
	resp := ErrorResponse{Error: err.Error(), Code: string(code)}

	var coded *models.Error
	if errors.As(err, &coded) && coded.Message != "" {
		resp.Error = coded.Message
	}
	c.JSON(HTTPStatus(err), resp)
}

// HTTPStatus maps an error to its response status
func HTTPStatus(err error) int {
	switch models.CodeOf(err) {
	case models.CodeInvalidArgument:
		return http.StatusBadRequest
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeAlreadyExists, models.CodeInvalidState, models.CodeConcurrentWriteConflict:
		return http.StatusConflict
	case models.CodePersistenceError, models.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// forwardedMiddleware marks requests routed here by another node so the
// router never forwards them again
func forwardedMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(ForwardedHeader) != "" {
			c.Request = c.Request.WithContext(sharding.WithForwarded(c.Request.Context()))
		}
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
