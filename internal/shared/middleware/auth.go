package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// UserIDKey is the gin context key holding the authenticated user ID.
const UserIDKey = "user_id"

// EmailKey is the gin context key holding the authenticated user's email.
const EmailKey = "user_email"

// Claims are the token claims this subsystem reads. The subject is the
// user ID; the email rides along for first-contact provisioning.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Auth returns a middleware that validates a bearer JWT and stores the
// user ID in the request context. Tokens are issued by the auth service;
// this subsystem only verifies them.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := Claims{}
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid subject"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Set(EmailKey, claims.Email)
		c.Next()
	}
}

// Email returns the authenticated user's email from context, or "".
func Email(c *gin.Context) string {
	return c.GetString(EmailKey)
}

// UserID returns the authenticated user ID from context, or uuid.Nil.
func UserID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(UserIDKey)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}
