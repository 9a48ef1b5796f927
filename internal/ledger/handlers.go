package ledger

import (
	"errors"
	"net/http"

	"github.com/coursepay/coursepay/internal/pagination"
	"github.com/gin-gonic/gin"
)

// Handler exposes read-only ledger endpoints.
type Handler struct {
	store Store
}

// NewHandler creates a ledger handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/purchases/:id", h.GetPurchase)
	r.GET("/purchases/:id/balance", h.GetPurchaseBalance)
	r.GET("/users/:userId/transactions", h.ListTransactions)
}

// GetPurchase handles GET /v1/purchases/:id
func (h *Handler) GetPurchase(c *gin.Context) {
	purchase, err := h.store.GetPurchaseByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPurchaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Purchase not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load purchase",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": purchase})
}

// GetPurchaseBalance handles GET /v1/purchases/:id/balance
//
// Returns the sum of every transaction referencing the purchase. Zero
// while the credit is in escrow and after a refund; a settled purchase
// leaves the commission as residual.
func (h *Handler) GetPurchaseBalance(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.store.GetPurchaseByID(ctx, id); err != nil {
		if errors.Is(err, ErrPurchaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Purchase not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load purchase",
		})
		return
	}

	sum, err := h.store.SumByPurchase(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"purchaseId": id,
		"balance":    sum,
	})
}

// ListTransactions handles GET /v1/users/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 200)

	txns, err := h.store.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}
