package dispute

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/coursepay/coursepay/internal/ledger"
	"github.com/coursepay/coursepay/internal/pagination"
	"github.com/coursepay/coursepay/internal/validation"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the dispute workflow.
type Handler struct {
	service     *Service
	adminSecret string
}

// NewHandler creates a new dispute handler. adminSecret guards the
// resolution endpoint; an empty secret disables it.
func NewHandler(service *Service, adminSecret string) *Handler {
	return &Handler{service: service, adminSecret: adminSecret}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reports", h.FileReport)
	r.GET("/reports/:id", h.GetReport)
	r.GET("/reports", h.ListPending)
	r.POST("/reports/:id/resolve", h.requireAdmin, h.ResolveReport)
}

// FileRequest contains the parameters for filing a report.
type FileRequest struct {
	BuyerID  string `json:"buyerId" binding:"required"`
	CourseID string `json:"courseId" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// ResolveRequest contains the parameters for resolving a report.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"` // resolved, rejected, refunded
}

// FileReport handles POST /v1/reports
func (h *Handler) FileReport(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("buyerId", req.BuyerID),
		validation.ValidID("courseId", req.CourseID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	report, err := h.service.File(c.Request.Context(), req.BuyerID, req.CourseID, reason)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrPurchaseNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "purchase_not_found",
				"message": "No purchase exists for this buyer and course",
			})
		case errors.Is(err, ErrDuplicateReport):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_report",
				"message": "A report already exists for this purchase",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to file report",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"report": report})
}

// GetReport handles GET /v1/reports/:id
func (h *Handler) GetReport(c *gin.Context) {
	report, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrReportNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Report not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// ListPending handles GET /v1/reports
func (h *Handler) ListPending(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 200)

	reports, err := h.service.ListPending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

// ResolveReport handles POST /v1/reports/:id/resolve
func (h *Handler) ResolveReport(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	report, err := h.service.Resolve(c.Request.Context(), c.Param("id"), Status(req.Outcome))
	if err != nil {
		switch {
		case errors.Is(err, ErrReportNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Report not found",
			})
		case errors.Is(err, ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": "Report cannot transition to " + req.Outcome,
			})
		case errors.Is(err, ledger.ErrNotRefundable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_refundable",
				"message": "The sale credit is not eligible for refund",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resolve report",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) requireAdmin(c *gin.Context) {
	secret := c.GetHeader("X-Admin-Secret")
	if h.adminSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.adminSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Admin secret required",
		})
		return
	}
	c.Next()
}
