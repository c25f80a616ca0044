// Package transport builds HTTP transports whose TLS handshakes fall back to
// an out-of-band trust decision when platform verification fails.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/logger"
)

// Decider decides whether an unverified certificate may be used
type Decider interface {
	Decide(ctx context.Context, cert *x509.Certificate) error
}

// Config holds the dialing parameters of a transport
type Config struct {
	DialTimeout time.Duration
	// HandshakeTimeout bounds the whole handshake, including the time a
	// human takes to answer an approval request.
	HandshakeTimeout time.Duration
	// RootCAs replaces the system pool when set
	RootCAs *x509.CertPool
	Logger  *zap.SugaredLogger
}

// NewTransport returns an HTTP/1.1 transport that consults decider for
// certificates the platform does not accept.
func NewTransport(decider Decider, cfg Config) *http.Transport {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	d := &dialer{
		net: &net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		},
		decider:          decider,
		roots:            cfg.RootCAs,
		handshakeTimeout: cfg.HandshakeTimeout,
		logger:           log,
	}

	return &http.Transport{
		DialContext:           d.net.DialContext,
		DialTLSContext:        d.DialTLSContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

type dialer struct {
	net              *net.Dialer
	decider          Decider
	roots            *x509.CertPool
	handshakeTimeout time.Duration
	logger           *zap.SugaredLogger
}

// DialTLSContext dials addr and performs the TLS handshake. Errors from the
// trust decision are returned unchanged so callers can match them.
func (d *dialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	raw, err := d.net.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	hsCtx := ctx
	if d.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, d.handshakeTimeout)
		defer cancel()
	}

	var verifyErr error
	conn := tls.Client(raw, &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		// verification happens in VerifyConnection
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			verifyErr = d.verify(hsCtx, host, cs)
			return verifyErr
		},
	})

	if err := conn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		if verifyErr != nil {
			return nil, verifyErr
		}
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", addr, err)
	}

	return conn, nil
}

func (d *dialer) verify(ctx context.Context, host string, cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("server presented no certificate")
	}

	leaf := cs.PeerCertificates[0]
	opts := x509.VerifyOptions{
		DNSName:       host,
		Roots:         d.roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}

	_, err := leaf.Verify(opts)
	if err == nil {
		return nil
	}

	d.logger.Debugw("Platform verification failed, asking for a trust decision",
		"host", host, "subject", leaf.Subject.String(), "error", err)

	return d.decider.Decide(ctx, leaf)
}
