package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/auth"
	"github.com/adamscao/trustgate/internal/models"
)

// GateCodeHeader carries the unlock gate code
const GateCodeHeader = "X-Gate-Code"

// AuditWriter records failed gate attempts
type AuditWriter interface {
	Create(log *models.AuditLog) error
}

// Gate requires a valid TOTP code before the request reaches the handler.
// An empty secret disables the gate.
func Gate(secret string, audit AuditWriter, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		code := c.GetHeader(GateCodeHeader)
		if code == "" || !auth.ValidateTOTP(secret, code) {
			if audit != nil {
				if err := audit.Create(&models.AuditLog{
					Timestamp: time.Now(),
					Action:    models.ActionGateFailed,
					Success:   false,
					ErrorMsg:  "invalid gate code",
					Details:   c.Request.URL.Path,
				}); err != nil && log != nil {
					log.Warnw("Failed to write audit log", "action", models.ActionGateFailed, "error", err)
				}
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "gate_locked",
				"message": "A valid gate code is required",
			})
			return
		}

		c.Next()
	}
}
