package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/profitelligence/mcp-server/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore implements the Store interface with in-memory maps.
// This implementation is thread-safe and suitable for single-instance
// deployments; multi-instance deployments need a shared backend.
//
// Consume operations hold the write lock for the whole check-and-delete,
// so a key can be redeemed at most once no matter how many goroutines
// race for it. Expired entries are rejected on access and additionally
// swept by a background janitor so abandoned flows do not accumulate.
type MemoryStore struct {
	mu sync.RWMutex

	// pendingAuthorizations maps internal state -> authorization request
	// awaiting the upstream IDP callback.
	pendingAuthorizations map[string]*timedEntry[*PendingAuthorization]

	// authCodes maps code value -> minted authorization code. Codes are
	// one-time-use and removed on consumption.
	authCodes map[string]*timedEntry[*AuthorizationCode]

	// issuedTokens maps SHA-256 token digest -> issuance record, enabling
	// O(1) lookup when validating bearer tokens without storing the token.
	issuedTokens map[string]*timedEntry[*IssuedToken]

	pendingTTL      time.Duration
	codeTTL         time.Duration
	cleanupInterval time.Duration

	// stopCleanup signals the janitor goroutine to stop;
	// cleanupDone is closed when it has fully stopped.
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithPendingAuthorizationTTL sets the TTL for pending authorizations.
func WithPendingAuthorizationTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.pendingTTL = ttl
	}
}

// WithAuthorizationCodeTTL sets the TTL for authorization codes.
func WithAuthorizationCodeTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.codeTTL = ttl
	}
}

// WithCleanupInterval sets a custom janitor interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore with initialized maps and starts
// the background janitor goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		pendingAuthorizations: make(map[string]*timedEntry[*PendingAuthorization]),
		authCodes:             make(map[string]*timedEntry[*AuthorizationCode]),
		issuedTokens:          make(map[string]*timedEntry[*IssuedToken]),
		pendingTTL:            DefaultPendingAuthorizationTTL,
		codeTTL:               DefaultAuthorizationCodeTTL,
		cleanupInterval:       DefaultCleanupInterval,
		stopCleanup:           make(chan struct{}),
		cleanupDone:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the background janitor goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries from storage.
// Uses collect-then-delete: expired keys are gathered under the read lock,
// then removed under the write lock to minimize write lock hold time.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()

	var expiredPending []string
	for k, v := range s.pendingAuthorizations {
		if now.After(v.expiresAt) {
			expiredPending = append(expiredPending, k)
		}
	}

	var expiredCodes []string
	for k, v := range s.authCodes {
		if now.After(v.expiresAt) {
			expiredCodes = append(expiredCodes, k)
		}
	}

	var expiredTokens []string
	for k, v := range s.issuedTokens {
		if now.After(v.expiresAt) {
			expiredTokens = append(expiredTokens, k)
		}
	}

	s.mu.RUnlock()

	if len(expiredPending) == 0 && len(expiredCodes) == 0 && len(expiredTokens) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range expiredPending {
		delete(s.pendingAuthorizations, k)
	}
	for _, k := range expiredCodes {
		delete(s.authCodes, k)
	}
	for _, k := range expiredTokens {
		delete(s.issuedTokens, k)
	}

	logger.Debugw("swept expired storage entries",
		"pending", len(expiredPending),
		"codes", len(expiredCodes),
		"tokens", len(expiredTokens))
}

// copyPending makes a defensive copy to prevent aliasing issues.
func copyPending(p *PendingAuthorization) *PendingAuthorization {
	cp := *p
	cp.Scopes = slices.Clone(p.Scopes)
	return &cp
}

func copyCode(c *AuthorizationCode) *AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

func copyToken(t *IssuedToken) *IssuedToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// -----------------------
// Pending authorizations
// -----------------------

// StorePendingAuthorization stores a pending authorization request keyed
// by the internal state used to correlate the upstream IDP callback.
func (s *MemoryStore) StorePendingAuthorization(_ context.Context, internalState string, pending *PendingAuthorization) error {
	if internalState == "" {
		return ErrInvalidKey
	}
	if pending == nil {
		return ErrNilEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pendingAuthorizations[internalState] = &timedEntry[*PendingAuthorization]{
		value:     copyPending(pending),
		createdAt: now,
		expiresAt: now.Add(s.pendingTTL),
	}
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes the pending
// authorization for the given internal state. A second call with the same
// state returns ErrNotFound, which is what defeats callback replay.
func (s *MemoryStore) ConsumePendingAuthorization(_ context.Context, internalState string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pendingAuthorizations[internalState]
	if !ok {
		logger.Debugw("pending authorization not found")
		return nil, ErrNotFound
	}

	// Single-use either way: expired entries are removed too.
	delete(s.pendingAuthorizations, internalState)

	if time.Now().After(entry.expiresAt) {
		logger.Debugw("pending authorization expired")
		return nil, ErrExpired
	}

	return copyPending(entry.value), nil
}

// -----------------------
// Authorization codes
// -----------------------

// StoreAuthorizationCode stores a minted authorization code.
func (s *MemoryStore) StoreAuthorizationCode(_ context.Context, code string, entry *AuthorizationCode) error {
	if code == "" {
		return ErrInvalidKey
	}
	if entry == nil {
		return ErrNilEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.authCodes[code] = &timedEntry[*AuthorizationCode]{
		value:     copyCode(entry),
		createdAt: now,
		expiresAt: now.Add(s.codeTTL),
	}
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes the
// authorization code. Codes are strictly one-time-use.
func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[code]
	if !ok {
		logger.Debugw("authorization code not found")
		return nil, ErrNotFound
	}

	delete(s.authCodes, code)

	if time.Now().After(entry.expiresAt) {
		logger.Debugw("authorization code expired")
		return nil, ErrExpired
	}

	return copyCode(entry.value), nil
}

// -----------------------
// Issued tokens
// -----------------------

// StoreIssuedToken records an issued token keyed by its SHA-256 digest.
// The entry expires with the token itself.
func (s *MemoryStore) StoreIssuedToken(_ context.Context, tokenHash string, token *IssuedToken) error {
	if tokenHash == "" {
		return ErrInvalidKey
	}
	if token == nil {
		return ErrNilEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.issuedTokens[tokenHash] = &timedEntry[*IssuedToken]{
		value:     copyToken(token),
		createdAt: time.Now(),
		expiresAt: token.ExpiresAt,
	}
	return nil
}

// GetIssuedToken retrieves an issued token record by digest.
func (s *MemoryStore) GetIssuedToken(_ context.Context, tokenHash string) (*IssuedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.issuedTokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(entry.expiresAt) {
		return nil, ErrExpired
	}
	return copyToken(entry.value), nil
}

// -----------------------
// Metrics/Stats (for testing and monitoring)
// -----------------------

// Stats contains statistics about the storage contents.
type Stats struct {
	PendingAuthorizations int
	AuthorizationCodes    int
	IssuedTokens          int
}

// Stats returns current statistics about storage contents.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		PendingAuthorizations: len(s.pendingAuthorizations),
		AuthorizationCodes:    len(s.authCodes),
		IssuedTokens:          len(s.issuedTokens),
	}
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
