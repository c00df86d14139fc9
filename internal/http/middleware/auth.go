package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"wheelauth/internal/lib/jwt"
)

// UserIDKey is the gin context key under which the authenticated user id is
// stored by Bearer.
const UserIDKey = "userID"

// Bearer validates the Authorization bearer token and stashes the subject
// user id in the request context. Token verification is stateless.
func Bearer(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		userID, err := jwt.ParseToken(token, jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated user id set by Bearer.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
