package billing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/module/catalog"
	"github.com/quizmith/server/internal/shared/middleware"
	"github.com/quizmith/server/internal/shared/response"
)

// Handler exposes plan and subscription endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new billing handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers the billing routes. Everything here requires
// an authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/billing/plans", h.ListPlans)
	r.GET("/billing/subscription", h.GetSubscription)
	r.POST("/plan/change", h.ChangePlan)
	r.POST("/plan/change/preview", h.PreviewChange)
	r.POST("/plan/cancel-pending-change", h.CancelPendingChange)
	r.POST("/plan/reactivate", h.Reactivate)
}

var changeErrorMappings = []response.ErrorMapping{
	{Err: catalog.ErrPlanNotFound, Status: http.StatusBadRequest, Code: "unknown_plan"},
	{Err: catalog.ErrInvalidInterval, Status: http.StatusBadRequest, Code: "invalid_interval"},
	{Err: ErrProfileNotFound, Status: http.StatusNotFound, Code: "profile_not_found"},
	{Err: ErrNoPendingChange, Status: http.StatusConflict, Code: "no_pending_change"},
	{Err: ErrNoSubscription, Status: http.StatusConflict, Code: "no_subscription"},
	{Err: ErrNotCancelling, Status: http.StatusConflict, Code: "not_cancelling"},
	{Err: ErrGatewayUnavailable, Status: http.StatusServiceUnavailable, Code: "gateway_unavailable"},
	{Err: ErrInconsistentState, Status: http.StatusConflict, Code: "inconsistent_state"},
}

// ListPlans returns the plan catalog in tier order.
func (h *Handler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": h.service.ListPlans()})
}

// GetSubscription returns the caller's current plan state.
func (h *Handler) GetSubscription(c *gin.Context) {
	userID := middleware.UserID(c)

	state, err := h.service.GetPlanState(c.Request.Context(), userID)
	if err != nil {
		response.HandleErrorWithDefault(c, err, changeErrorMappings)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ChangePlan requests a transition to the target plan.
func (h *Handler) ChangePlan(c *gin.Context) {
	userID := middleware.UserID(c)

	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.service.ChangePlan(c.Request.Context(), userID, req.PlanID, req.Interval)
	if err != nil {
		response.HandleErrorWithDefault(c, err, changeErrorMappings)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PreviewChange reports what a plan change would do, without doing it.
func (h *Handler) PreviewChange(c *gin.Context) {
	userID := middleware.UserID(c)

	var req PreviewChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	preview, err := h.service.PreviewChange(c.Request.Context(), userID, req.PlanID, req.Interval)
	if err != nil {
		response.HandleErrorWithDefault(c, err, changeErrorMappings)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// CancelPendingChange abandons a queued downgrade or cancellation.
func (h *Handler) CancelPendingChange(c *gin.Context) {
	userID := middleware.UserID(c)

	state, err := h.service.CancelPendingChange(c.Request.Context(), userID)
	if err != nil {
		response.HandleErrorWithDefault(c, err, changeErrorMappings)
		return
	}
	c.JSON(http.StatusOK, state)
}

// Reactivate clears a pending end-of-period cancellation.
func (h *Handler) Reactivate(c *gin.Context) {
	userID := middleware.UserID(c)

	state, err := h.service.Reactivate(c.Request.Context(), userID)
	if err != nil {
		response.HandleErrorWithDefault(c, err, changeErrorMappings)
		return
	}
	c.JSON(http.StatusOK, state)
}
