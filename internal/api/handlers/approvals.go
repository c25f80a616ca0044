package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/approval"
	"github.com/adamscao/trustgate/pkg/certutil"
)

// ApprovalHandler exposes the approval channel to presentation surfaces
type ApprovalHandler struct {
	channel    *approval.Channel
	dateLayout string
	heartbeat  time.Duration
	logger     *zap.SugaredLogger
}

// NewApprovalHandler creates a new approval handler
func NewApprovalHandler(channel *approval.Channel, dateLayout string, heartbeat time.Duration, log *zap.SugaredLogger) *ApprovalHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	return &ApprovalHandler{
		channel:    channel,
		dateLayout: dateLayout,
		heartbeat:  heartbeat,
		logger:     log,
	}
}

// ApprovalEvent is one approval request as sent to a presentation surface
type ApprovalEvent struct {
	Handle      string    `json:"handle"`
	Fingerprint string    `json:"fingerprint"`
	Issuer      string    `json:"issuer"`
	Subject     string    `json:"subject"`
	IssuedFor   string    `json:"issued_for"`
	SANs        []string  `json:"sans,omitempty"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	CreatedAt   time.Time `json:"created_at"`
	Prompt      string    `json:"prompt"`
	PEM         string    `json:"pem,omitempty"`
}

// ResolveRequest carries a verdict
type ResolveRequest struct {
	Verdict string `json:"verdict" binding:"required"`
}

func (h *ApprovalHandler) event(req approval.Request) ApprovalEvent {
	meta := req.Metadata
	sans := make([]string, 0, len(meta.SANs))
	for _, san := range meta.SANs {
		sans = append(sans, san.String())
	}

	return ApprovalEvent{
		Handle:      req.Handle,
		Fingerprint: meta.Fingerprint,
		Issuer:      meta.Issuer,
		Subject:     meta.Subject,
		IssuedFor:   meta.IssuedFor(),
		SANs:        sans,
		NotBefore:   meta.NotBefore,
		NotAfter:    meta.NotAfter,
		CreatedAt:   req.CreatedAt,
		Prompt:      certutil.Render(meta, h.dateLayout),
		PEM:         req.PEM,
	}
}

// Stream attaches the connection as a presentation surface and sends every
// approval request it takes as an "approval" event. Closing the connection
// cancels the approvals it was shown and did not answer.
// GET /v1/approvals/stream
func (h *ApprovalHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()

	surface := h.channel.Attach()
	defer surface.Close()

	requests := make(chan approval.Request)
	go func() {
		defer close(requests)
		for {
			req, err := surface.Next(ctx)
			if err != nil {
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("ready", gin.H{"surface": surface.ID()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case req, ok := <-requests:
			if !ok {
				return false
			}
			c.SSEvent("approval", h.event(req))
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})

	h.logger.Debugw("Approval stream closed", "surface", surface.ID())
}

// List returns the outstanding approval requests
// GET /v1/approvals
func (h *ApprovalHandler) List(c *gin.Context) {
	outstanding := h.channel.Outstanding()

	events := make([]ApprovalEvent, 0, len(outstanding))
	for _, req := range outstanding {
		events = append(events, h.event(req))
	}

	RespondSuccess(c, gin.H{"approvals": events})
}

// Resolve applies a verdict to an approval request
// POST /v1/approvals/:handle
func (h *ApprovalHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	verdict, err := approval.ParseVerdict(req.Verdict)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_verdict", err.Error())
		return
	}

	handle := c.Param("handle")
	if !h.channel.Resolve(handle, verdict) {
		RespondError(c, http.StatusNotFound, "unknown_approval", "Approval is unknown or already resolved")
		return
	}

	RespondSuccess(c, gin.H{
		"status":  "resolved",
		"handle":  handle,
		"verdict": verdict.String(),
	})
}
