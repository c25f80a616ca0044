package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adamscao/trustgate/internal/models"
)

// AccountRepository handles account data access
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create creates a new account
func (r *AccountRepository) Create(account *models.Account) error {
	query := `
		INSERT INTO accounts (name, base_url, username, credential)
		VALUES (?, ?, ?, ?)
	`

	result, err := r.db.Exec(query,
		account.Name,
		account.BaseURL,
		account.Username,
		account.Credential,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %q: %w", account.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = time.Now()
	account.UpdatedAt = account.CreatedAt

	return nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(id int64) (*models.Account, error) {
	query := `
		SELECT id, name, base_url, username, credential, created_at, updated_at
		FROM accounts
		WHERE id = ?
	`

	account := &models.Account{}
	var username sql.NullString

	err := r.db.QueryRow(query, id).Scan(
		&account.ID,
		&account.Name,
		&account.BaseURL,
		&username,
		&account.Credential,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	account.Username = username.String

	return account, nil
}

// List lists all accounts
func (r *AccountRepository) List() ([]*models.Account, error) {
	query := `
		SELECT id, name, base_url, username, credential, created_at, updated_at
		FROM accounts
		ORDER BY id ASC
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account

	for rows.Next() {
		account := &models.Account{}
		var username sql.NullString

		err := rows.Scan(
			&account.ID,
			&account.Name,
			&account.BaseURL,
			&username,
			&account.Credential,
			&account.CreatedAt,
			&account.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}

		account.Username = username.String
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}

	return accounts, nil
}

// UpdateBaseURL changes the base URL of an account
func (r *AccountRepository) UpdateBaseURL(id int64, baseURL string) error {
	query := `
		UPDATE accounts
		SET base_url = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	result, err := r.db.Exec(query, baseURL, id)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}

	return nil
}

// Delete deletes an account
func (r *AccountRepository) Delete(id int64) error {
	query := `DELETE FROM accounts WHERE id = ?`

	_, err := r.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	return nil
}
