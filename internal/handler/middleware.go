package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const userIDKey = "userID"

// RequireUser resolves the acting user from the X-User-ID header. Upstream
// auth terminates sessions; this core only needs the tenant identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.String(http.StatusUnauthorized, "missing X-User-ID header")
			c.Abort()
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}
