// Package broker decides, per certificate, whether a TLS handshake that
// failed platform verification may proceed.
package broker

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/adamscao/trustgate/internal/approval"
	"github.com/adamscao/trustgate/internal/logger"
	"github.com/adamscao/trustgate/internal/metrics"
	"github.com/adamscao/trustgate/internal/models"
	"github.com/adamscao/trustgate/pkg/certutil"
)

// ErrTrustRejected means the certificate was not approved
var ErrTrustRejected = errors.New("certificate trust rejected")

// RejectedError carries the fingerprint that was rejected and, when the
// rejection was not a human verdict, the reason.
type RejectedError struct {
	Fingerprint string
	Cause       error
}

func (e *RejectedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("certificate %s rejected", e.Fingerprint)
	}
	return fmt.Sprintf("certificate %s rejected: %v", e.Fingerprint, e.Cause)
}

func (e *RejectedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTrustRejected}
	}
	return []error{ErrTrustRejected, e.Cause}
}

// Decision states
const (
	StateChecking         = "checking"
	StateAwaitingApproval = "awaiting_approval"
	StateProceed          = "proceed"
	StateAbort            = "abort"
)

// Decision events
const (
	EventTrusted   = "trusted"
	EventUntrusted = "untrusted"
	EventApprove   = "approve"
	EventReject    = "reject"
)

// TrustStore is the subset of the trust store the broker needs
type TrustStore interface {
	IsTrusted(fingerprint string) bool
	Trust(cert *x509.Certificate) error
}

// Publisher hands approval requests to a presentation surface
type Publisher interface {
	Publish(ctx context.Context, cert *x509.Certificate) (*approval.Pending, error)
}

// Auditor records decisions
type Auditor interface {
	Create(log *models.AuditLog) error
}

// Config tunes the broker
type Config struct {
	// ApprovalTimeout bounds how long a human may take. Zero leaves the
	// caller's context as the only bound.
	ApprovalTimeout time.Duration
	Auditor         Auditor
	Logger          *zap.SugaredLogger
}

// Broker serializes trust decisions per fingerprint. It never approves a
// certificate on its own.
type Broker struct {
	store     TrustStore
	publisher Publisher
	auditor   Auditor
	timeout   time.Duration
	group     singleflight.Group
	logger    *zap.SugaredLogger
}

// New creates a broker
func New(store TrustStore, publisher Publisher, cfg Config) *Broker {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Broker{
		store:     store,
		publisher: publisher,
		auditor:   cfg.Auditor,
		timeout:   cfg.ApprovalTimeout,
		logger:    log,
	}
}

type outcome struct {
	err error
	// stale marks an outcome the leader reached only because its own
	// context ended. Followers with a live context must not adopt it.
	stale bool
}

// Decide returns nil when the handshake for cert may proceed. A trusted
// certificate is accepted without blocking. Otherwise the call blocks until a
// human answers or ctx ends. Concurrent calls for the same certificate share
// one approval request.
func (b *Broker) Decide(ctx context.Context, cert *x509.Certificate) error {
	fp := certutil.Fingerprint(cert)
	machine := b.newDecision(fp)

	if b.store.IsTrusted(fp) {
		b.transition(ctx, machine, EventTrusted)
		metrics.IncDecision("trusted")
		return nil
	}
	b.transition(ctx, machine, EventUntrusted)

	for {
		ch := b.group.DoChan(fp, func() (interface{}, error) {
			return b.await(ctx, fp, cert), nil
		})

		var res outcome
		select {
		case r := <-ch:
			res = r.Val.(outcome)
		case <-ctx.Done():
			b.transition(ctx, machine, EventReject)
			metrics.IncDecision("expired")
			return &RejectedError{Fingerprint: fp, Cause: ctx.Err()}
		}

		if res.err == nil || b.store.IsTrusted(fp) {
			b.transition(ctx, machine, EventApprove)
			return nil
		}

		if res.stale && ctx.Err() == nil {
			// the shared decision died with another caller's context
			continue
		}

		b.transition(ctx, machine, EventReject)
		return res.err
	}
}

func (b *Broker) await(ctx context.Context, fp string, cert *x509.Certificate) outcome {
	// a decision that finished while this call was queued behind it
	if b.store.IsTrusted(fp) {
		metrics.IncDecision("trusted")
		return outcome{}
	}

	caller := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	pending, err := b.publisher.Publish(ctx, cert)
	if err != nil {
		metrics.IncDecision("expired")
		return outcome{
			err:   &RejectedError{Fingerprint: fp, Cause: err},
			stale: caller.Err() != nil,
		}
	}

	verdict, cause := pending.Wait(ctx)
	if verdict != approval.Proceed {
		metrics.IncDecision("rejected")
		b.audit(models.ActionTrustRejected, cert, false, cause)
		b.logger.Infow("Certificate rejected", "fingerprint", fp, "reason", cause)
		return outcome{
			err:   &RejectedError{Fingerprint: fp, Cause: cause},
			stale: cause != nil && caller.Err() != nil,
		}
	}

	if err := b.store.Trust(cert); err != nil {
		// trusted for this session only, the handshake still proceeds
		b.logger.Warnw("Approved certificate could not be persisted", "fingerprint", fp, "error", err)
		b.audit(models.ActionTrustGranted, cert, false, err)
	} else {
		b.audit(models.ActionTrustGranted, cert, true, nil)
	}
	metrics.IncDecision("approved")

	return outcome{}
}

func (b *Broker) newDecision(fp string) *fsm.FSM {
	return fsm.NewFSM(
		StateChecking,
		fsm.Events{
			{Name: EventTrusted, Src: []string{StateChecking}, Dst: StateProceed},
			{Name: EventUntrusted, Src: []string{StateChecking}, Dst: StateAwaitingApproval},
			{Name: EventApprove, Src: []string{StateAwaitingApproval}, Dst: StateProceed},
			{Name: EventReject, Src: []string{StateAwaitingApproval}, Dst: StateAbort},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				b.logger.Debugw("Trust decision state changed",
					"fingerprint", fp, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

func (b *Broker) transition(ctx context.Context, machine *fsm.FSM, event string) {
	// the machine only records the decision, an expired caller context must
	// not prevent the final transition
	if err := machine.Event(context.WithoutCancel(ctx), event); err != nil {
		b.logger.Debugw("Unexpected trust decision transition", "event", event, "state", machine.Current(), "error", err)
	}
}

func (b *Broker) audit(action string, cert *x509.Certificate, success bool, cause error) {
	if b.auditor == nil {
		return
	}

	meta := certutil.Describe(cert)
	entry := &models.AuditLog{
		Timestamp:   time.Now(),
		Action:      action,
		Fingerprint: meta.Fingerprint,
		Subject:     meta.Subject,
		Success:     success,
	}
	if cause != nil {
		entry.ErrorMsg = cause.Error()
	}

	if err := b.auditor.Create(entry); err != nil {
		b.logger.Warnw("Failed to write audit log", "action", action, "error", err)
	}
}
