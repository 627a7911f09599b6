// Package storage provides storage interfaces and implementations for the
// OAuth authorization server.
package storage

import (
	"context"
	"errors"
	"time"
)

// Default TTLs for stored entries.
const (
	// DefaultPendingAuthorizationTTL bounds how long a client has to
	// complete the upstream login after hitting /authorize.
	DefaultPendingAuthorizationTTL = 15 * time.Minute

	// DefaultAuthorizationCodeTTL bounds the lifetime of authorization
	// codes minted at the upstream callback.
	DefaultAuthorizationCodeTTL = 10 * time.Minute

	// DefaultCleanupInterval is how often the background janitor runs.
	DefaultCleanupInterval = 1 * time.Minute
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates the requested entry does not exist, was
	// already consumed, or was evicted.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired indicates the entry exists but its TTL has elapsed.
	ErrExpired = errors.New("storage: entry expired")

	// ErrInvalidKey indicates an empty key was passed to a store operation.
	ErrInvalidKey = errors.New("storage: key cannot be empty")

	// ErrNilEntry indicates a nil value was passed to a store operation.
	ErrNilEntry = errors.New("storage: entry cannot be nil")
)

// PendingAuthorization tracks a client's authorization request while they
// authenticate with the upstream IDP. Entries are keyed by InternalState
// and are single-use: the callback handler consumes them atomically.
type PendingAuthorization struct {
	// ClientID is the ID of the OAuth client making the authorization request.
	ClientID string

	// RedirectURI is the client's callback URL where we redirect after authentication.
	RedirectURI string

	// State is the client's original state parameter for CSRF protection.
	State string

	// PKCEChallenge is the client's PKCE code challenge.
	PKCEChallenge string

	// PKCEMethod is the PKCE challenge method (must be "S256").
	PKCEMethod string

	// Scopes are the OAuth scopes requested by the client.
	Scopes []string

	// InternalState is our randomly generated state forwarded to the
	// upstream IDP and used to correlate its callback.
	InternalState string

	// UpstreamPKCEVerifier is the verifier for the PKCE challenge we sent
	// upstream, distinct from the client's challenge above.
	UpstreamPKCEVerifier string

	// UpstreamNonce is the OIDC nonce sent upstream for ID token replay
	// protection.
	UpstreamNonce string

	// CreatedAt is when the pending authorization was created.
	CreatedAt time.Time
}

// AuthorizationCode is the one-time code minted at the upstream callback
// and redeemed by the client at the token endpoint. It carries the
// upstream identity proof needed for the Firebase exchange.
type AuthorizationCode struct {
	// Code is the opaque code value handed to the client.
	Code string

	// ClientID and RedirectURI bind the code to the original request.
	ClientID    string
	RedirectURI string

	// PKCEChallenge and PKCEMethod are carried over from the pending
	// authorization so the token endpoint can verify code_verifier.
	PKCEChallenge string
	PKCEMethod    string

	// Scopes are the granted scopes.
	Scopes []string

	// UpstreamIDToken is the ID token obtained from the upstream IDP,
	// exchanged for a backend token when the code is redeemed.
	UpstreamIDToken string

	// Subject and Email identify the authenticated user per the upstream IDP.
	Subject string
	Email   string

	// CreatedAt is when the code was minted.
	CreatedAt time.Time
}

// IssuedToken records a token minted by this server so that bearer
// validation can recognize it later. Entries are keyed by the SHA-256
// digest of the token value; the token itself is never stored.
type IssuedToken struct {
	// Subject and Email identify the user the token was issued to.
	Subject string
	Email   string

	// Scopes are the scopes granted at issuance.
	Scopes []string

	// ExpiresAt is when the token expires.
	ExpiresAt time.Time
}

// Store is the persistence interface for the OAuth flow. Pending
// authorizations and authorization codes are single-use: Consume methods
// perform an atomic check-and-delete so that concurrent redemption of the
// same key succeeds at most once.
type Store interface {
	// StorePendingAuthorization stores a pending authorization keyed by
	// its internal state.
	StorePendingAuthorization(ctx context.Context, internalState string, pending *PendingAuthorization) error

	// ConsumePendingAuthorization atomically retrieves and deletes the
	// pending authorization for the given internal state. Returns
	// ErrNotFound if absent or already consumed, ErrExpired if the TTL
	// elapsed before consumption.
	ConsumePendingAuthorization(ctx context.Context, internalState string) (*PendingAuthorization, error)

	// StoreAuthorizationCode stores a minted authorization code.
	StoreAuthorizationCode(ctx context.Context, code string, entry *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes the
	// authorization code. Same error contract as ConsumePendingAuthorization.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// StoreIssuedToken records an issued token keyed by its SHA-256 digest.
	StoreIssuedToken(ctx context.Context, tokenHash string, token *IssuedToken) error

	// GetIssuedToken retrieves an issued token record by digest without
	// consuming it. Returns ErrNotFound or ErrExpired as appropriate.
	GetIssuedToken(ctx context.Context, tokenHash string) (*IssuedToken, error)

	// Health reports whether the store is reachable.
	Health(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
