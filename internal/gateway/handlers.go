package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coursepay/coursepay/internal/ledger"
	"github.com/coursepay/coursepay/internal/money"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Handler receives gateway webhook callbacks and freemium enrollments.
type Handler struct {
	service *Service
	secret  string
	logger  *slog.Logger
}

// NewHandler creates a gateway handler. secret is the shared webhook
// signing secret.
func NewHandler(service *Service, secret string, logger *slog.Logger) *Handler {
	return &Handler{service: service, secret: secret, logger: logger}
}

// RegisterRoutes sets up gateway routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gateway/webhook", h.HandleWebhook)
	r.POST("/purchases/free", h.EnrollFree)
}

// paymentObject is the slice of data.object this core reads.
type paymentObject struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	AmountTotal int64             `json:"amount_total"`
	Metadata    map[string]string `json:"metadata"`
}

// HandleWebhook handles POST /v1/gateway/webhook.
//
// The signature is verified over the exact raw body bytes; a re-serialized
// body would fail verification. Any validation failure returns a client
// error with no mutation — the gateway owns the retry policy for those.
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		webhookEvents.WithLabelValues("bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	switch event.Type {
	case "checkout.session.completed", "payment_intent.succeeded":
	default:
		// Unhandled event kinds are acknowledged so the gateway stops
		// redelivering them.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var obj paymentObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Malformed event object",
		})
		return
	}

	cents := obj.AmountTotal
	if cents == 0 {
		cents = obj.Amount
	}

	conf := Confirmation{
		ExternalRef: obj.ID,
		BuyerID:     obj.Metadata["user_id"],
		CourseID:    obj.Metadata["course_id"],
		SellerID:    obj.Metadata["seller_id"],
		Amount:      money.FromCents(cents),
	}

	outcome, err := h.service.ProcessConfirmation(c.Request.Context(), conf)
	if err != nil {
		if errors.Is(err, ErrMissingMetadata) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payload",
				"message": "Confirmation metadata incomplete",
			})
			return
		}
		h.logger.Error("webhook processing failed", "externalRef", obj.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process confirmation",
		})
		return
	}

	status := "recorded"
	switch {
	case outcome.Replay:
		status = "replay"
	case outcome.Upgraded:
		status = "upgraded"
	case outcome.Duplicate:
		status = "duplicate"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// EnrollFreeRequest contains the parameters for a freemium enrollment.
type EnrollFreeRequest struct {
	BuyerID  string `json:"buyerId" binding:"required"`
	CourseID string `json:"courseId" binding:"required"`
	SellerID string `json:"sellerId" binding:"required"`
}

// EnrollFree handles POST /v1/purchases/free
func (h *Handler) EnrollFree(c *gin.Context) {
	var req EnrollFreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	purchase, err := h.service.EnrollFree(c.Request.Context(), req.BuyerID, req.CourseID, req.SellerID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicatePurchase) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_purchase",
				"message": "Buyer already enrolled in this course",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to enroll",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"purchase": purchase})
}
