package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/ledger"
	"settlement-service/internal/models"
	"settlement-service/internal/provider"
	"settlement-service/internal/settlement"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Verifier confirms a transaction's status with the payment provider.
type Verifier interface {
	VerifyTransaction(ctx context.Context, reference string) (*provider.VerifyData, error)
}

// Processor settles provider payment events.
type Processor interface {
	Process(ctx context.Context, evt *models.ProviderEvent) (*settlement.Outcome, error)
}

// StockService exposes the stock ledger.
type StockService interface {
	Adjust(ctx context.Context, adj ledger.Adjustment) (*models.Variant, *models.StockMovement, error)
	Summary(ctx context.Context, lowStockThreshold int) (*models.StockSummary, error)
	LowStock(ctx context.Context, threshold int) ([]models.Variant, error)
	Movements(ctx context.Context, f store.MovementFilter) ([]models.StockMovement, error)
}

// EventQueue buffers webhook payloads for the settlement worker.
type EventQueue interface {
	EnqueueProviderEvent(ctx context.Context, reference string, payload []byte) error
}

// OrderReader loads orders for the read API.
type OrderReader interface {
	GetOrderWithItems(ctx context.Context, id int64) (*models.Order, []models.OrderItem, error)
}

// Pinger checks a backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the handler's collaborators.
type Deps struct {
	Processor Processor
	Verifier  Verifier
	Queue     EventQueue
	Stock     StockService
	Orders    OrderReader
	DB        Pinger
	Redis     Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	deps              Deps
	webhookSecret     string
	lowStockThreshold int
}

// NewHandler creates a new HTTP handler. An empty webhookSecret disables
// signature verification.
func NewHandler(deps Deps, webhookSecret string, lowStockThreshold int) *Handler {
	return &Handler{
		deps:              deps,
		webhookSecret:     webhookSecret,
		lowStockThreshold: lowStockThreshold,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/webhooks/payment", h.handleWebhook)
		v1.POST("/payments/verify/:reference", h.verifyPayment)
		v1.GET("/orders/:id", h.getOrder)

		stock := v1.Group("/stock")
		{
			stock.GET("/summary", h.stockSummary)
			stock.GET("/low", h.lowStock)
			stock.GET("/movements", h.stockMovements)
			stock.POST("/adjust", h.adjustStock)
		}
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports whether the backing stores are reachable
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.deps.DB.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": err.Error(),
		})
		return
	}

	if err := h.deps.Redis.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

const signatureHeader = "X-Webhook-Signature"

// handleWebhook accepts a provider webhook, verifies its signature and
// queues the raw payload for the settlement worker. The provider only
// needs a fast 200; all settlement work happens off this request.
func (h *Handler) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Empty request body",
		})
		return
	}

	if h.webhookSecret != "" {
		if !validSignature(body, c.GetHeader(signatureHeader), h.webhookSecret) {
			util.WebhookRejectedTotal.WithLabelValues("bad_signature").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid signature",
			})
			return
		}
	}

	evt, err := models.ParseProviderEvent(body)
	if err != nil {
		util.WebhookRejectedTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Malformed event payload",
			"details": err.Error(),
		})
		return
	}

	if err := h.deps.Queue.EnqueueProviderEvent(c.Request.Context(), evt.Data.Reference, body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to queue event",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "queued",
		"reference": evt.Data.Reference,
	})
}

// validSignature checks the hex HMAC-SHA512 of body against the header value
func validSignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// verifyPayment confirms a charge with the provider and settles it inline.
// Callback pages use this when the webhook has not landed yet.
func (h *Handler) verifyPayment(c *gin.Context) {
	reference := c.Param("reference")

	data, err := h.deps.Verifier.VerifyTransaction(c.Request.Context(), reference)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Verification failed",
			"details": err.Error(),
		})
		return
	}

	if data.Status != provider.StatusSuccess {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Transaction not successful",
			"status": data.Status,
		})
		return
	}

	evt := &models.ProviderEvent{
		Event: models.EventChargeSuccess,
		Data: models.ProviderEventData{
			Reference: data.Reference,
			Amount:    data.Amount,
			Status:    data.Status,
			PaidAt:    data.PaidAt,
			Channel:   data.Channel,
			Customer:  models.ProviderCustomer{Email: data.Customer.Email},
		},
	}
	if err := evt.Encode(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to encode event",
			"details": err.Error(),
		})
		return
	}

	outcome, err := h.deps.Processor.Process(c.Request.Context(), evt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Settlement failed",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	idStr := c.Param("id")
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, items, err := h.deps.Orders.GetOrderWithItems(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// AdjustStockRequest is the manual stock adjustment payload.
type AdjustStockRequest struct {
	VariantID int64               `json:"variant_id" binding:"required"`
	Delta     int                 `json:"delta" binding:"required"`
	Type      models.MovementType `json:"type"`
	Reason    string              `json:"reason" binding:"required"`
	Actor     string              `json:"actor"`
}

// adjustStock applies a manual stock correction through the ledger
func (h *Handler) adjustStock(c *gin.Context) {
	var req AdjustStockRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.Type == "" {
		req.Type = models.MovementAdjustment
	}
	if req.Type == models.MovementSale {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Sale movements are created by settlement only",
		})
		return
	}

	variant, movement, err := h.deps.Stock.Adjust(c.Request.Context(), ledger.Adjustment{
		VariantID: req.VariantID,
		Delta:     req.Delta,
		Type:      req.Type,
		Reason:    req.Reason,
		Actor:     req.Actor,
	})
	if err != nil {
		var insufficient *models.InsufficientStockError
		if errors.As(err, &insufficient) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "Insufficient stock",
				"details": insufficient.Error(),
			})
			return
		}
		if errors.Is(err, store.ErrVariantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Variant not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to adjust stock",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"variant":  variant,
		"movement": movement,
	})
}

// stockSummary reports aggregate stock levels
func (h *Handler) stockSummary(c *gin.Context) {
	summary, err := h.deps.Stock.Summary(c.Request.Context(), h.lowStockThreshold)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load stock summary",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// lowStock lists variants at or under the low stock threshold
func (h *Handler) lowStock(c *gin.Context) {
	threshold := h.lowStockThreshold
	if v := c.Query("threshold"); v != "" {
		t, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid threshold",
			})
			return
		}
		threshold = t
	}

	variants, err := h.deps.Stock.LowStock(c.Request.Context(), threshold)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load low stock variants",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"threshold": threshold,
		"variants":  variants,
	})
}

// stockMovements lists audit rows, newest first
func (h *Handler) stockMovements(c *gin.Context) {
	var f store.MovementFilter

	if v := c.Query("variant_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid variant_id",
			})
			return
		}
		f.VariantID = &id
	}
	if v := c.Query("order_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid order_id",
			})
			return
		}
		f.OrderID = &id
	}
	if v := c.Query("type"); v != "" {
		f.Type = models.MovementType(v)
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit",
			})
			return
		}
		f.Limit = limit
	}

	movements, err := h.deps.Stock.Movements(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load stock movements",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"movements": movements,
	})
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
