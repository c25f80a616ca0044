package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/adamscao/trustgate/internal/db/repository"
	"github.com/adamscao/trustgate/internal/models"
)

// AuditWriter records audit entries
type AuditWriter interface {
	Create(log *models.AuditLog) error
}

// AuditHandler exposes the audit log
type AuditHandler struct {
	auditRepo *repository.AuditRepository
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(auditRepo *repository.AuditRepository) *AuditHandler {
	return &AuditHandler{auditRepo: auditRepo}
}

// List returns recent audit entries, optionally filtered
// GET /v1/audit?fingerprint=&action=&limit=
func (h *AuditHandler) List(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			RespondError(c, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	logs, err := h.auditRepo.List(c.Query("fingerprint"), c.Query("action"), limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to list audit logs")
		return
	}
	if logs == nil {
		logs = []*models.AuditLog{}
	}

	RespondSuccess(c, gin.H{"entries": logs})
}
