// Package approval carries pending certificate trust decisions from the
// network side to a presentation surface and the human verdict back.
package approval

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/logger"
	"github.com/adamscao/trustgate/internal/metrics"
	"github.com/adamscao/trustgate/pkg/certutil"
)

var (
	// ErrChannelUnavailable means no presentation surface took the request
	// before its publisher gave up.
	ErrChannelUnavailable = errors.New("no presentation surface available")

	// ErrSurfaceClosed means the surface owning the request was torn down.
	ErrSurfaceClosed = errors.New("presentation surface closed")
)

// Verdict is the human answer to an approval request
type Verdict int

const (
	Proceed Verdict = iota + 1
	Cancel
)

func (v Verdict) String() string {
	switch v {
	case Proceed:
		return "proceed"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// ParseVerdict parses "proceed" or "cancel"
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "proceed", "accept", "yes":
		return Proceed, nil
	case "cancel", "reject", "no":
		return Cancel, nil
	default:
		return 0, fmt.Errorf("unknown verdict %q", s)
	}
}

// Request is what a presentation surface sees
type Request struct {
	Handle    string            `json:"handle"`
	Metadata  certutil.Metadata `json:"certificate"`
	PEM       string            `json:"pem"`
	CreatedAt time.Time         `json:"created_at"`
}

// Pending is a single trust decision waiting for a verdict. It is resolved
// exactly once; later resolutions are ignored.
type Pending struct {
	req     Request
	cert    *x509.Certificate
	channel *Channel
	owner   *Surface // guarded by channel.mu

	once    sync.Once
	done    chan struct{}
	verdict Verdict
	cause   error
}

// Handle returns the opaque approval handle
func (p *Pending) Handle() string {
	return p.req.Handle
}

// Request returns the request as shown to presentation surfaces
func (p *Pending) Request() Request {
	return p.req
}

// Certificate returns the certificate awaiting a decision
func (p *Pending) Certificate() *x509.Certificate {
	return p.cert
}

// Done is closed once the approval is resolved
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the approval is resolved or ctx ends. When ctx ends first
// the approval is resolved to Cancel so nothing is left dangling. The
// returned error is nil for a human verdict and describes the cause for
// cancellations the human did not choose.
func (p *Pending) Wait(ctx context.Context) (Verdict, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		cause := ctx.Err()
		if !p.channel.delivered(p) {
			cause = fmt.Errorf("%w: %w", ErrChannelUnavailable, cause)
		}
		p.resolve(Cancel, cause)
		<-p.done
	}

	return p.verdict, p.cause
}

func (p *Pending) resolve(v Verdict, cause error) bool {
	applied := false
	p.once.Do(func() {
		p.verdict = v
		p.cause = cause
		applied = true
	})
	if !applied {
		return false
	}

	p.channel.remove(p)
	close(p.done)

	metrics.IncApprovalResolved(v.String(), reason(cause))
	p.channel.logger.Infow("Approval resolved",
		"handle", p.req.Handle,
		"fingerprint", p.req.Metadata.Fingerprint,
		"verdict", v.String(),
		"reason", reason(cause))

	return true
}

func reason(cause error) string {
	switch {
	case cause == nil:
		return "user"
	case errors.Is(cause, ErrSurfaceClosed):
		return "surface_closed"
	case errors.Is(cause, ErrChannelUnavailable):
		return "unavailable"
	default:
		return "context"
	}
}

// Channel is the boundary between handshakes waiting for a decision and the
// presentation surfaces that ask a human. Requests published while no
// surface is attached stay queued until one attaches or the publisher gives up.
type Channel struct {
	mu       sync.Mutex
	pending  map[string]*Pending
	queue    []*Pending
	surfaces map[*Surface]struct{}
	wake     chan struct{}

	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates an empty channel
func New(log *zap.SugaredLogger) *Channel {
	if log == nil {
		log = logger.Nop()
	}

	return &Channel{
		pending:  make(map[string]*Pending),
		surfaces: make(map[*Surface]struct{}),
		wake:     make(chan struct{}),
		logger:   log,
		now:      time.Now,
	}
}

// Publish queues a decision request for the certificate
func (c *Channel) Publish(ctx context.Context, cert *x509.Certificate) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &Pending{
		req: Request{
			Handle:    uuid.NewString(),
			Metadata:  certutil.Describe(cert),
			PEM:       string(certutil.EncodePEM(cert)),
			CreatedAt: c.now(),
		},
		cert:    cert,
		channel: c,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[p.req.Handle] = p
	c.queue = append(c.queue, p)
	attached := len(c.surfaces)
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()

	metrics.IncApprovalPublished()
	c.logger.Infow("Approval requested",
		"handle", p.req.Handle,
		"fingerprint", p.req.Metadata.Fingerprint,
		"subject", p.req.Metadata.Subject,
		"surfaces", attached)

	return p, nil
}

// Resolve applies a verdict to the matching approval. It returns false,
// without error, when the handle is unknown or already resolved.
func (c *Channel) Resolve(handle string, v Verdict) bool {
	if v != Proceed && v != Cancel {
		return false
	}

	c.mu.Lock()
	p, ok := c.pending[handle]
	c.mu.Unlock()
	if !ok {
		return false
	}

	return p.resolve(v, nil)
}

// Outstanding lists unresolved requests, oldest first
func (c *Channel) Outstanding() []Request {
	c.mu.Lock()
	out := make([]Request, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.req)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Surfaces returns the number of attached presentation surfaces
func (c *Channel) Surfaces() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.surfaces)
}

// Attach registers a presentation surface
func (c *Channel) Attach() *Surface {
	s := &Surface{
		channel: c,
		id:      uuid.NewString(),
		owned:   make(map[string]*Pending),
		closing: make(chan struct{}),
	}

	c.mu.Lock()
	c.surfaces[s] = struct{}{}
	queued := len(c.queue)
	c.mu.Unlock()

	metrics.AddSurfaces(1)
	c.logger.Infow("Presentation surface attached", "surface", s.id, "queued", queued)

	return s
}

func (c *Channel) delivered(p *Pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.owner != nil
}

func (c *Channel) remove(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, p.req.Handle)
	if p.owner != nil {
		delete(p.owner.owned, p.req.Handle)
	}
	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
}

// Surface is one attached presentation context. Every request it takes is
// owned by it until resolved; closing the surface cancels them.
type Surface struct {
	channel *Channel
	id      string
	owned   map[string]*Pending // guarded by channel.mu
	closed  bool                // guarded by channel.mu
	closing chan struct{}
}

// ID identifies the surface in logs
func (s *Surface) ID() string {
	return s.id
}

// Next takes the oldest queued request, blocking until one is published,
// ctx ends or the surface is closed.
func (s *Surface) Next(ctx context.Context) (Request, error) {
	c := s.channel

	for {
		c.mu.Lock()
		if s.closed {
			c.mu.Unlock()
			return Request{}, ErrSurfaceClosed
		}
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			p.owner = s
			s.owned[p.req.Handle] = p
			c.mu.Unlock()
			return p.req, nil
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-s.closing:
			return Request{}, ErrSurfaceClosed
		case <-wake:
		}
	}
}

// Close tears the surface down. Every approval it owns is resolved to
// Cancel before Close returns.
func (s *Surface) Close() {
	c := s.channel

	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closing)
	delete(c.surfaces, s)
	owned := make([]*Pending, 0, len(s.owned))
	for _, p := range s.owned {
		owned = append(owned, p)
	}
	c.mu.Unlock()

	metrics.AddSurfaces(-1)

	for _, p := range owned {
		p.resolve(Cancel, ErrSurfaceClosed)
	}

	c.logger.Infow("Presentation surface detached", "surface", s.id, "cancelled", len(owned))
}
