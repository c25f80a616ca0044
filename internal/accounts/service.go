// Package accounts is the account store the client cache resolves base
// URLs and credentials from.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/apiclient"
	"github.com/adamscao/trustgate/internal/auth"
	"github.com/adamscao/trustgate/internal/db/repository"
	"github.com/adamscao/trustgate/internal/logger"
	"github.com/adamscao/trustgate/internal/models"
)

// ErrInvalidAccount is returned for account input that fails validation
var ErrInvalidAccount = errors.New("invalid account")

// Repository is the durable account storage
type Repository interface {
	Create(account *models.Account) error
	GetByID(id int64) (*models.Account, error)
	List() ([]*models.Account, error)
	UpdateBaseURL(id int64, baseURL string) error
}

// Auditor records account changes
type Auditor interface {
	Create(log *models.AuditLog) error
}

// CreateRequest describes a new account
type CreateRequest struct {
	Name     string `json:"name" binding:"required"`
	BaseURL  string `json:"base_url" binding:"required"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Service manages accounts
type Service struct {
	repo    Repository
	sealer  *auth.Sealer
	auditor Auditor

	mu        sync.RWMutex
	listeners []func(accountID int64)

	logger *zap.SugaredLogger
}

// NewService creates a new account service
func NewService(repo Repository, sealer *auth.Sealer, auditor Auditor, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = logger.Nop()
	}

	return &Service{
		repo:    repo,
		sealer:  sealer,
		auditor: auditor,
		logger:  log,
	}
}

// OnBaseURLChange registers fn to run after an account's base URL changed
func (s *Service) OnBaseURLChange(fn func(accountID int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Create validates and stores a new account
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Account, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidAccount)
	}

	baseURL, err := apiclient.NormalizeBaseURL(req.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}

	if req.Password != "" && req.Username == "" {
		return nil, fmt.Errorf("%w: password given without username", ErrInvalidAccount)
	}

	account := &models.Account{
		Name:     name,
		BaseURL:  baseURL,
		Username: req.Username,
	}

	if req.Password != "" {
		if s.sealer == nil {
			return nil, fmt.Errorf("%w: no encryption key configured for credentials", ErrInvalidAccount)
		}
		account.Credential, err = s.sealer.Seal(name, []byte(req.Password))
		if err != nil {
			return nil, fmt.Errorf("failed to seal credential: %w", err)
		}
	}

	if err := s.repo.Create(account); err != nil {
		s.audit(models.ActionAccountCreate, 0, false, err, name)
		return nil, err
	}

	s.audit(models.ActionAccountCreate, account.ID, true, nil, name)
	s.logger.Infow("Account created", "account_id", account.ID, "name", name, "base_url", baseURL)

	return account, nil
}

// Get returns one account
func (s *Service) Get(ctx context.Context, id int64) (*models.Account, error) {
	return s.repo.GetByID(id)
}

// List returns every account
func (s *Service) List(ctx context.Context) ([]*models.Account, error) {
	return s.repo.List()
}

// SetBaseURL points an account at a new server root and notifies listeners
func (s *Service) SetBaseURL(ctx context.Context, id int64, raw string) (*models.Account, error) {
	baseURL, err := apiclient.NormalizeBaseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}

	if err := s.repo.UpdateBaseURL(id, baseURL); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.audit(models.ActionAccountURLChanged, id, false, err, baseURL)
		}
		return nil, err
	}

	s.audit(models.ActionAccountURLChanged, id, true, nil, baseURL)
	s.logger.Infow("Account base URL changed", "account_id", id, "base_url", baseURL)

	s.mu.RLock()
	listeners := append([]func(int64){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}

	return s.repo.GetByID(id)
}

// BaseURLOf returns the base URL of an account; found is false for
// unknown accounts.
func (s *Service) BaseURLOf(ctx context.Context, id int64) (string, bool, error) {
	account, err := s.repo.GetByID(id)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return account.BaseURL, true, nil
}

// Credentials returns the login of an account and the base URL it belongs
// to. Unknown accounts are anonymous.
func (s *Service) Credentials(ctx context.Context, id int64) (apiclient.Credentials, error) {
	account, err := s.repo.GetByID(id)
	if errors.Is(err, repository.ErrNotFound) {
		return apiclient.Credentials{}, nil
	}
	if err != nil {
		return apiclient.Credentials{}, err
	}

	creds := apiclient.Credentials{Username: account.Username, BaseURL: account.BaseURL}
	if account.Username == "" || len(account.Credential) == 0 {
		return creds, nil
	}
	if s.sealer == nil {
		return apiclient.Credentials{}, errors.New("no encryption key configured for credentials")
	}

	password, err := s.sealer.Open(account.Name, account.Credential)
	if err != nil {
		return apiclient.Credentials{}, fmt.Errorf("failed to open credential of account %d: %w", id, err)
	}
	creds.Password = string(password)

	return creds, nil
}

func (s *Service) audit(action string, accountID int64, success bool, cause error, details string) {
	if s.auditor == nil {
		return
	}

	entry := &models.AuditLog{
		Timestamp: time.Now(),
		Action:    action,
		AccountID: accountID,
		Success:   success,
		Details:   details,
	}
	if cause != nil {
		entry.ErrorMsg = cause.Error()
	}

	if err := s.auditor.Create(entry); err != nil {
		s.logger.Warnw("Failed to write audit log", "action", action, "error", err)
	}
}
