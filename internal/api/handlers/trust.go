package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/models"
	"github.com/adamscao/trustgate/internal/truststore"
	"github.com/adamscao/trustgate/pkg/certutil"
)

// TrustHandler administers the trust store
type TrustHandler struct {
	store   *truststore.Store
	auditor AuditWriter
	logger  *zap.SugaredLogger
}

// NewTrustHandler creates a new trust handler
func NewTrustHandler(store *truststore.Store, auditor AuditWriter, log *zap.SugaredLogger) *TrustHandler {
	return &TrustHandler{
		store:   store,
		auditor: auditor,
		logger:  log,
	}
}

// List returns every trusted certificate
// GET /v1/trust
func (h *TrustHandler) List(c *gin.Context) {
	RespondSuccess(c, gin.H{"certificates": h.store.List()})
}

// Forget revokes trust in a certificate
// DELETE /v1/trust/:fingerprint
func (h *TrustHandler) Forget(c *gin.Context) {
	fp, err := certutil.NormalizeFingerprint(c.Param("fingerprint"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_fingerprint", err.Error())
		return
	}

	if !h.store.IsTrusted(fp) {
		RespondError(c, http.StatusNotFound, "not_trusted", "Certificate is not trusted")
		return
	}

	if err := h.store.Forget(fp); err != nil {
		h.logger.Errorw("Failed to forget certificate", "fingerprint", fp, "error", err)
		h.audit(fp, false, err.Error())
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to forget certificate")
		return
	}

	h.audit(fp, true, "")
	RespondSuccess(c, gin.H{"status": "forgotten", "fingerprint": fp})
}

// Reset revokes trust in every certificate
// DELETE /v1/trust
func (h *TrustHandler) Reset(c *gin.Context) {
	count := len(h.store.List())

	if err := h.store.Reset(); err != nil {
		h.logger.Errorw("Failed to reset trust store", "error", err)
		h.auditReset(count, false, err.Error())
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to reset trust store")
		return
	}

	h.logger.Infow("Trust store reset", "removed", count)
	h.auditReset(count, true, "")
	RespondSuccess(c, gin.H{"status": "reset", "removed": count})
}

func (h *TrustHandler) audit(fp string, success bool, errMsg string) {
	h.write(&models.AuditLog{
		Timestamp:   time.Now(),
		Action:      models.ActionTrustForgotten,
		Fingerprint: fp,
		Success:     success,
		ErrorMsg:    errMsg,
	})
}

func (h *TrustHandler) auditReset(count int, success bool, errMsg string) {
	h.write(&models.AuditLog{
		Timestamp: time.Now(),
		Action:    models.ActionTrustReset,
		Success:   success,
		ErrorMsg:  errMsg,
		Details:   fmt.Sprintf("removed %d records", count),
	})
}

func (h *TrustHandler) write(entry *models.AuditLog) {
	if h.auditor == nil {
		return
	}
	if err := h.auditor.Create(entry); err != nil {
		h.logger.Warnw("Failed to write audit log", "error", err)
	}
}
