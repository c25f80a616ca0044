package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/trustgate/internal/models"
)

// TrustRepository handles trusted certificate data access
type TrustRepository struct {
	db *sql.DB
}

// NewTrustRepository creates a new trust repository
func NewTrustRepository(db *sql.DB) *TrustRepository {
	return &TrustRepository{db: db}
}

// Insert stores a trust record. Inserting a fingerprint that is already
// present leaves the existing row untouched.
func (r *TrustRepository) Insert(rec *models.TrustRecord) error {
	query := `
		INSERT INTO trusted_certificates (fingerprint, subject, issuer, not_after, trusted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`

	if rec.TrustedAt.IsZero() {
		rec.TrustedAt = time.Now()
	}

	_, err := r.db.Exec(query,
		rec.Fingerprint,
		rec.Subject,
		rec.Issuer,
		rec.NotAfter.UTC(),
		rec.TrustedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trust record: %w", err)
	}

	return nil
}

// GetByFingerprint retrieves a trust record by fingerprint
func (r *TrustRepository) GetByFingerprint(fingerprint string) (*models.TrustRecord, error) {
	query := `
		SELECT fingerprint, subject, issuer, not_after, trusted_at
		FROM trusted_certificates
		WHERE fingerprint = ?
	`

	rec := &models.TrustRecord{}
	err := r.db.QueryRow(query, fingerprint).Scan(
		&rec.Fingerprint,
		&rec.Subject,
		&rec.Issuer,
		&rec.NotAfter,
		&rec.TrustedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trust record %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trust record: %w", err)
	}

	return rec, nil
}

// List lists all trust records, oldest first
func (r *TrustRepository) List() ([]*models.TrustRecord, error) {
	query := `
		SELECT fingerprint, subject, issuer, not_after, trusted_at
		FROM trusted_certificates
		ORDER BY trusted_at ASC
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list trust records: %w", err)
	}
	defer rows.Close()

	var records []*models.TrustRecord

	for rows.Next() {
		rec := &models.TrustRecord{}
		err := rows.Scan(
			&rec.Fingerprint,
			&rec.Subject,
			&rec.Issuer,
			&rec.NotAfter,
			&rec.TrustedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust record: %w", err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trust records: %w", err)
	}

	return records, nil
}

// Delete removes a trust record
func (r *TrustRepository) Delete(fingerprint string) error {
	query := `DELETE FROM trusted_certificates WHERE fingerprint = ?`

	_, err := r.db.Exec(query, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to delete trust record: %w", err)
	}

	return nil
}

// DeleteAll removes every trust record
func (r *TrustRepository) DeleteAll() error {
	_, err := r.db.Exec(`DELETE FROM trusted_certificates`)
	if err != nil {
		return fmt.Errorf("failed to delete trust records: %w", err)
	}

	return nil
}
