package wallet

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the wallet read endpoint used by reporting views.
type Handler struct {
	store Store
}

// NewHandler creates a new wallet handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userId", h.GetBalance)
}

// GetBalance handles GET /v1/wallets/:userId
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.store.GetBalance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}
