package quota

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/module/billing"
	"github.com/quizmith/server/internal/shared/middleware"
	"github.com/quizmith/server/internal/shared/response"
)

// Handler exposes usage endpoints.
type Handler struct {
	ledger *Ledger
	logger *zap.Logger
}

// NewHandler creates a new quota handler.
func NewHandler(ledger *Ledger, logger *zap.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes registers the usage routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/usage", h.GetUsage)
	r.GET("/usage/history", h.GetUsageHistory)
}

var usageErrorMappings = []response.ErrorMapping{
	{Err: billing.ErrProfileNotFound, Status: http.StatusNotFound, Code: "profile_not_found"},
}

// GetUsage returns the caller's usage for the current billing cycle.
func (h *Handler) GetUsage(c *gin.Context) {
	userID := middleware.UserID(c)

	status, err := h.ledger.Status(c.Request.Context(), userID)
	if err != nil {
		response.HandleErrorWithDefault(c, err, usageErrorMappings)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetUsageHistory returns recent billing cycles, newest first. The
// months query parameter caps how many (default 12, max 24).
func (h *Handler) GetUsageHistory(c *gin.Context) {
	userID := middleware.UserID(c)

	months, _ := strconv.Atoi(c.DefaultQuery("months", "12"))

	cycles, err := h.ledger.History(c.Request.Context(), userID, months)
	if err != nil {
		response.HandleErrorWithDefault(c, err, usageErrorMappings)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}
