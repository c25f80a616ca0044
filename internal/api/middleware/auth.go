package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adamscao/trustgate/internal/auth"
)

// AdminTokenHeader carries the admin token
const AdminTokenHeader = "X-Admin-Token"

// AdminAuth middleware checks for admin token
func AdminAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(AdminTokenHeader)

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin token required",
			})
			return
		}

		if !auth.VerifyToken(token, adminToken) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin token",
			})
			return
		}

		c.Next()
	}
}
