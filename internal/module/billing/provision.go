package billing

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/shared/middleware"
	"github.com/quizmith/server/internal/shared/response"
)

// ProvisionProfile returns middleware that creates a starter-tier
// profile the first time an authenticated user is seen, so every
// profile-dependent handler can rely on one existing.
func ProvisionProfile(service *Service, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == uuid.Nil {
			c.Next()
			return
		}

		if err := service.EnsureProvisioned(c.Request.Context(), userID, middleware.Email(c)); err != nil {
			logger.Error("failed to provision profile",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			response.InternalError(c, "failed to provision account")
			c.Abort()
			return
		}
		c.Next()
	}
}
