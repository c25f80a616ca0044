// Package truststore keeps the set of certificate fingerprints a user
// explicitly chose to trust. It is shared by every connection in the process.
package truststore

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/logger"
	"github.com/adamscao/trustgate/internal/metrics"
	"github.com/adamscao/trustgate/internal/models"
	"github.com/adamscao/trustgate/pkg/certutil"
)

// ErrPersistence marks a trust decision that could not be written to durable storage
var ErrPersistence = errors.New("trust store persistence failure")

// PersistenceError reports that a fingerprint is trusted for this session only
type PersistenceError struct {
	Fingerprint string
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("trust for %s kept for this session only: %v", e.Fingerprint, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// Repository is the durable backing of the store
type Repository interface {
	Insert(rec *models.TrustRecord) error
	Delete(fingerprint string) error
	DeleteAll() error
	List() ([]*models.TrustRecord, error)
}

// Store is the process-wide trust store. Reads and writes are linearizable:
// a Trust that has returned is visible to every IsTrusted that starts after it.
type Store struct {
	mu      sync.RWMutex
	records map[string]models.TrustRecord
	repo    Repository
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// Open loads every persisted record and returns a ready store
func Open(repo Repository, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}

	persisted, err := repo.List()
	if err != nil {
		return nil, fmt.Errorf("failed to load trust records: %w", err)
	}

	s := &Store{
		records: make(map[string]models.TrustRecord, len(persisted)),
		repo:    repo,
		logger:  log,
		now:     time.Now,
	}
	for _, rec := range persisted {
		s.records[rec.Fingerprint] = *rec
	}
	s.updateMetricsLocked()

	log.Infow("Trust store loaded", "records", len(persisted))

	return s, nil
}

// IsTrusted reports whether the fingerprint was explicitly trusted
func (s *Store) IsTrusted(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.records[fingerprint]
	return ok
}

// Trust records a user-approved certificate. Trusting a fingerprint that is
// already present is a no-op. If the record cannot be persisted the
// fingerprint is still trusted for this session and a *PersistenceError is
// returned; it is never silently made durable later.
func (s *Store) Trust(cert *x509.Certificate) error {
	meta := certutil.Describe(cert)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[meta.Fingerprint]; ok {
		return nil
	}

	rec := models.TrustRecord{
		Fingerprint: meta.Fingerprint,
		Subject:     meta.Subject,
		Issuer:      meta.Issuer,
		NotAfter:    meta.NotAfter,
		TrustedAt:   s.now(),
	}

	if err := s.repo.Insert(&rec); err != nil {
		rec.SessionOnly = true
		s.records[rec.Fingerprint] = rec
		s.updateMetricsLocked()
		metrics.IncPersistenceFailure()

		s.logger.Warnw("Failed to persist trust decision, keeping it for this session only",
			"fingerprint", rec.Fingerprint, "error", err)
		return &PersistenceError{Fingerprint: rec.Fingerprint, Err: err}
	}

	s.records[rec.Fingerprint] = rec
	s.updateMetricsLocked()

	s.logger.Infow("Certificate trusted", "fingerprint", rec.Fingerprint, "subject", rec.Subject)

	return nil
}

// Forget removes a fingerprint from the store. Forgetting an unknown
// fingerprint is a no-op.
func (s *Store) Forget(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fingerprint]
	if !ok {
		return nil
	}

	if !rec.SessionOnly {
		if err := s.repo.Delete(fingerprint); err != nil {
			return fmt.Errorf("failed to forget %s: %w", fingerprint, err)
		}
	}

	delete(s.records, fingerprint)
	s.updateMetricsLocked()

	s.logger.Infow("Certificate trust revoked", "fingerprint", fingerprint)

	return nil
}

// Reset removes every record
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteAll(); err != nil {
		return fmt.Errorf("failed to reset trust store: %w", err)
	}

	s.records = make(map[string]models.TrustRecord)
	s.updateMetricsLocked()

	return nil
}

// List returns a snapshot of all records ordered by trust time
func (s *Store) List() []models.TrustRecord {
	s.mu.RLock()
	out := make([]models.TrustRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TrustedAt.Equal(out[j].TrustedAt) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].TrustedAt.Before(out[j].TrustedAt)
	})

	return out
}

func (s *Store) updateMetricsLocked() {
	session := 0
	for _, rec := range s.records {
		if rec.SessionOnly {
			session++
		}
	}
	metrics.SetTrustedCertificates(len(s.records)-session, session)
}
