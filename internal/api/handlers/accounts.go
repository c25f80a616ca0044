package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/accounts"
	"github.com/adamscao/trustgate/internal/apiclient"
	"github.com/adamscao/trustgate/internal/broker"
	"github.com/adamscao/trustgate/internal/clientcache"
	"github.com/adamscao/trustgate/internal/db/repository"
)

// ClientSource hands out API clients per account
type ClientSource interface {
	ClientFor(ctx context.Context, accountID int64, overrideBaseURL string) (*apiclient.Client, error)
}

// AccountHandler manages accounts and probes their servers
type AccountHandler struct {
	accounts *accounts.Service
	clients  ClientSource
	logger   *zap.SugaredLogger
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(svc *accounts.Service, clients ClientSource, log *zap.SugaredLogger) *AccountHandler {
	return &AccountHandler{
		accounts: svc,
		clients:  clients,
		logger:   log,
	}
}

// SetBaseURLRequest moves an account to another server root
type SetBaseURLRequest struct {
	BaseURL string `json:"base_url" binding:"required"`
}

// ProbeRequest optionally overrides the base URL for a single call
type ProbeRequest struct {
	BaseURL string `json:"base_url"`
}

// List returns every account
// GET /v1/accounts
func (h *AccountHandler) List(c *gin.Context) {
	list, err := h.accounts.List(c.Request.Context())
	if err != nil {
		h.logger.Errorw("Failed to list accounts", "error", err)
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to list accounts")
		return
	}

	RespondSuccess(c, gin.H{"accounts": list})
}

// Create registers an account
// POST /v1/accounts
func (h *AccountHandler) Create(c *gin.Context) {
	var req accounts.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	account, err := h.accounts.Create(c.Request.Context(), req)
	switch {
	case errors.Is(err, accounts.ErrInvalidAccount):
		RespondError(c, http.StatusBadRequest, "invalid_account", err.Error())
		return
	case errors.Is(err, repository.ErrConflict):
		RespondError(c, http.StatusConflict, "account_exists", "Account already exists")
		return
	case err != nil:
		h.logger.Errorw("Failed to create account", "error", err)
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to create account")
		return
	}

	c.JSON(http.StatusCreated, account)
}

// SetBaseURL changes the server root of an account
// PUT /v1/accounts/:id/base-url
func (h *AccountHandler) SetBaseURL(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}

	var req SetBaseURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	account, err := h.accounts.SetBaseURL(c.Request.Context(), id, req.BaseURL)
	switch {
	case errors.Is(err, accounts.ErrInvalidAccount):
		RespondError(c, http.StatusBadRequest, "invalid_base_url", err.Error())
		return
	case errors.Is(err, repository.ErrNotFound):
		RespondError(c, http.StatusNotFound, "account_not_found", "Account not found")
		return
	case err != nil:
		h.logger.Errorw("Failed to update account", "account_id", id, "error", err)
		RespondError(c, http.StatusInternalServerError, "internal_error", "Failed to update account")
		return
	}

	RespondSuccess(c, account)
}

// Probe fetches the server status through the account's client. The call
// goes through the trust decision path, so it blocks while an unknown
// certificate waits for approval.
// POST /v1/accounts/:id/probe
func (h *AccountHandler) Probe(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}

	var req ProbeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}

	ctx := c.Request.Context()
	client, err := h.clients.ClientFor(ctx, id, req.BaseURL)
	if err != nil {
		h.respondClientError(c, id, err)
		return
	}
	if req.BaseURL != "" {
		// override clients are never cached
		defer client.Close()
	}

	status, err := client.Status(ctx)
	if err != nil {
		h.respondClientError(c, id, err)
		return
	}

	RespondSuccess(c, gin.H{
		"account_id": id,
		"base_url":   client.BaseURL(),
		"status":     status,
	})
}

func (h *AccountHandler) respondClientError(c *gin.Context, id int64, err error) {
	var statusErr *apiclient.StatusError

	switch {
	case errors.Is(err, clientcache.ErrAccountUnresolved):
		RespondError(c, http.StatusNotFound, "account_not_found", err.Error())
	case errors.Is(err, apiclient.ErrInvalidBaseURL):
		RespondError(c, http.StatusBadRequest, "invalid_base_url", err.Error())
	case errors.Is(err, broker.ErrTrustRejected):
		RespondError(c, http.StatusBadGateway, "trust_rejected", err.Error())
	case errors.As(err, &statusErr):
		RespondErrorWithDetails(c, http.StatusBadGateway, "upstream_status", err.Error(), gin.H{"status_code": statusErr.StatusCode})
	default:
		h.logger.Warnw("Probe failed", "account_id", id, "error", err)
		RespondError(c, http.StatusBadGateway, "upstream_unreachable", err.Error())
	}
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		RespondError(c, http.StatusBadRequest, "invalid_account_id", "Account id must be a positive integer")
		return 0, false
	}
	return id, true
}
