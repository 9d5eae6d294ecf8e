package generation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/module/billing"
	"github.com/quizmith/server/internal/module/quota"
	"github.com/quizmith/server/internal/shared/middleware"
	"github.com/quizmith/server/internal/shared/response"
)

// Handler exposes the generation endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new generation handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers the generation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/generate", h.Generate)
	r.GET("/generations", h.History)
}

var generateErrorMappings = []response.ErrorMapping{
	{Err: quota.ErrQuotaExceeded, Status: http.StatusTooManyRequests, Code: "quota_exceeded"},
	{Err: billing.ErrProfileNotFound, Status: http.StatusNotFound, Code: "profile_not_found"},
	{Err: ErrGenerationFailed, Status: http.StatusBadGateway, Code: "generation_failed"},
}

// Generate produces a batch of questions.
func (h *Handler) Generate(c *gin.Context) {
	userID := middleware.UserID(c)

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.service.Generate(c.Request.Context(), userID, &req)
	if err != nil {
		if accessErr, ok := IsAccessError(err); ok {
			c.JSON(http.StatusForbidden, gin.H{
				"error":  accessErr.Decision.Detail,
				"code":   accessErr.Decision.Reason,
				"detail": accessErr.Decision,
			})
			return
		}
		response.HandleErrorWithDefault(c, err, generateErrorMappings)
		return
	}
	c.JSON(http.StatusOK, result)
}

// History returns recent generation records.
func (h *Handler) History(c *gin.Context) {
	userID := middleware.UserID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	records, err := h.service.History(c.Request.Context(), userID, limit)
	if err != nil {
		response.HandleErrorWithDefault(c, err, generateErrorMappings)
		return
	}
	c.JSON(http.StatusOK, gin.H{"generations": records})
}
