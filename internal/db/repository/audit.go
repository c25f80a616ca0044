package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/trustgate/internal/models"
)

// AuditRepository handles audit log data access
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create creates a new audit log entry
func (r *AuditRepository) Create(log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (timestamp, action, fingerprint, subject, account_id, success, error_msg, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}

	success := 0
	if log.Success {
		success = 1
	}

	var accountID sql.NullInt64
	if log.AccountID != 0 {
		accountID = sql.NullInt64{Int64: log.AccountID, Valid: true}
	}

	result, err := r.db.Exec(query,
		log.Timestamp.UTC(),
		log.Action,
		log.Fingerprint,
		log.Subject,
		accountID,
		success,
		log.ErrorMsg,
		log.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	log.ID = id

	return nil
}

// List lists audit logs with optional filters
func (r *AuditRepository) List(fingerprint string, action string, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT id, timestamp, action, fingerprint, subject, account_id, success, error_msg, details
		FROM audit_logs
		WHERE 1=1
	`
	args := []interface{}{}

	if fingerprint != "" {
		query += " AND fingerprint = ?"
		args = append(args, fingerprint)
	}

	if action != "" {
		query += " AND action = ?"
		args = append(args, action)
	}

	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog

	for rows.Next() {
		log := &models.AuditLog{}
		var success int
		var fingerprint, subject, errorMsg, details sql.NullString
		var accountID sql.NullInt64

		err := rows.Scan(
			&log.ID,
			&log.Timestamp,
			&log.Action,
			&fingerprint,
			&subject,
			&accountID,
			&success,
			&errorMsg,
			&details,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		log.Success = success == 1
		log.Fingerprint = fingerprint.String
		log.Subject = subject.String
		log.AccountID = accountID.Int64
		log.ErrorMsg = errorMsg.String
		log.Details = details.String

		logs = append(logs, log)
	}

	return logs, nil
}

// DeleteOld deletes audit logs older than the given date
func (r *AuditRepository) DeleteOld(before time.Time) (int64, error) {
	query := `
		DELETE FROM audit_logs
		WHERE timestamp < ?
	`

	result, err := r.db.Exec(query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit logs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return count, nil
}
