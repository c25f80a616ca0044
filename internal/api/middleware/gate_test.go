package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/adamscao/trustgate/internal/auth"
	"github.com/adamscao/trustgate/internal/models"
)

type auditSink struct {
	entries []*models.AuditLog
	err     error
}

func (a *auditSink) Create(log *models.AuditLog) error {
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, log)
	return nil
}

func gatedRouter(secret string, audit AuditWriter, log *zap.SugaredLogger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/verdict", Gate(secret, audit, log), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func post(r *gin.Engine, code string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/verdict", nil)
	if code != "" {
		req.Header.Set(GateCodeHeader, code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGateAcceptsCurrentCode(t *testing.T) {
	key, err := auth.GenerateGateKey("test")
	require.NoError(t, err)
	code, err := totp.GenerateCode(key.Secret(), time.Now().UTC())
	require.NoError(t, err)

	sink := &auditSink{}
	rec := post(gatedRouter(key.Secret(), sink, nil), code)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, sink.entries)
}

func TestGateRejectsMissingCodeAndAudits(t *testing.T) {
	key, err := auth.GenerateGateKey("test")
	require.NoError(t, err)

	sink := &auditSink{}
	rec := post(gatedRouter(key.Secret(), sink, nil), "")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "gate_locked")
	require.Len(t, sink.entries, 1)
	assert.Equal(t, models.ActionGateFailed, sink.entries[0].Action)
	assert.False(t, sink.entries[0].Timestamp.IsZero())
}

func TestGateLogsAuditFailure(t *testing.T) {
	key, err := auth.GenerateGateKey("test")
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	sink := &auditSink{err: errors.New("disk full")}

	rec := post(gatedRouter(key.Secret(), sink, zap.New(core).Sugar()), "")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Failed to write audit log", entry.Message)
	assert.Equal(t, "disk full", entry.ContextMap()["error"])
}

func TestGateDisabledWithoutSecret(t *testing.T) {
	rec := post(gatedRouter("", &auditSink{}, nil), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
