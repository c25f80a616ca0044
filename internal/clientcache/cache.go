// Package clientcache hands out one API client per account and rebuilds it
// when the account's server URL changes.
package clientcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/apiclient"
	"github.com/adamscao/trustgate/internal/logger"
	"github.com/adamscao/trustgate/internal/metrics"
	"github.com/adamscao/trustgate/pkg/ctxutil/ctxmutex"
)

// ErrAccountUnresolved means the account store does not know the account
var ErrAccountUnresolved = errors.New("account could not be resolved")

// UnresolvedError names the account that could not be resolved
type UnresolvedError struct {
	AccountID int64
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("account %d could not be resolved", e.AccountID)
}

func (e *UnresolvedError) Unwrap() error {
	return ErrAccountUnresolved
}

// Resolver reports the current base URL of an account. found is false for
// unknown accounts.
type Resolver interface {
	BaseURLOf(ctx context.Context, accountID int64) (baseURL string, found bool, err error)
}

// Builder creates a client for an account and base URL
type Builder func(ctx context.Context, accountID int64, baseURL string) (*apiclient.Client, error)

type entry struct {
	key        string
	generation uint64
	client     *apiclient.Client
}

type slot struct {
	mu         *ctxmutex.CtxMutex
	current    atomic.Pointer[entry]
	generation uint64 // guarded by mu
}

// Cache keeps at most one client per account. Lookups for different accounts
// never wait on each other; lookups for the same account are serialized so a
// client is built once.
type Cache struct {
	resolver Resolver
	build    Builder

	mu    sync.Mutex
	slots map[int64]*slot

	logger *zap.SugaredLogger
}

// New creates an empty cache
func New(resolver Resolver, build Builder, log *zap.SugaredLogger) *Cache {
	if log == nil {
		log = logger.Nop()
	}

	return &Cache{
		resolver: resolver,
		build:    build,
		slots:    make(map[int64]*slot),
		logger:   log,
	}
}

// ClientFor returns the client for accountID. A non-empty overrideBaseURL
// yields a fresh client for that URL and leaves the cache untouched.
func (c *Cache) ClientFor(ctx context.Context, accountID int64, overrideBaseURL string) (*apiclient.Client, error) {
	if overrideBaseURL != "" {
		metrics.IncClientLookup("override")
		return c.build(ctx, accountID, overrideBaseURL)
	}

	baseURL, found, err := c.resolver.BaseURLOf(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %d: %w", accountID, err)
	}
	if !found {
		return nil, &UnresolvedError{AccountID: accountID}
	}

	key, err := apiclient.NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("account %d: %w", accountID, err)
	}

	s := c.slot(accountID)

	if e := s.current.Load(); e != nil && e.key == key {
		metrics.IncClientLookup("hit")
		return e.client, nil
	}

	if err := s.mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	// another lookup may have built it while we waited
	if e := s.current.Load(); e != nil && e.key == key {
		metrics.IncClientLookup("hit")
		return e.client, nil
	}

	client, err := c.build(ctx, accountID, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for account %d: %w", accountID, err)
	}

	s.generation++
	old := s.current.Swap(&entry{key: key, generation: s.generation, client: client})
	if old != nil {
		old.client.Close()
	}

	metrics.IncClientLookup("build")
	c.logger.Infow("API client built",
		"account_id", accountID,
		"base_url", key,
		"generation", s.generation,
		"replaced", old != nil)

	return client, nil
}

// Invalidate drops the cached client of an account
func (c *Cache) Invalidate(accountID int64) {
	c.mu.Lock()
	s, ok := c.slots[accountID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if old := s.current.Swap(nil); old != nil {
		old.client.Close()
		c.logger.Infow("API client invalidated", "account_id", accountID, "generation", old.generation)
	}
}

// Generation returns the generation of the account's cached client, or zero
// when none is cached. Generations keep counting across invalidations.
func (c *Cache) Generation(accountID int64) uint64 {
	c.mu.Lock()
	s, ok := c.slots[accountID]
	c.mu.Unlock()
	if !ok {
		return 0
	}

	if e := s.current.Load(); e != nil {
		return e.generation
	}
	return 0
}

func (c *Cache) slot(accountID int64) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[accountID]
	if !ok {
		s = &slot{mu: ctxmutex.New()}
		c.slots[accountID] = s
	}
	return s
}
