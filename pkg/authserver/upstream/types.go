// Package upstream implements the client side of the proxied OAuth flow:
// building authorization URLs for the upstream identity provider and
// exchanging its authorization codes for a verified user identity.
package upstream

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by providers.
var (
	// ErrIdentityResolutionFailed indicates the code exchange succeeded at
	// the transport level but no verified identity could be derived.
	ErrIdentityResolutionFailed = errors.New("failed to resolve identity from upstream provider")

	// ErrNonceMismatch is returned when the nonce claim in the ID token does
	// not match the expected nonce from the authorization request.
	ErrNonceMismatch = errors.New("ID token nonce does not match expected value")

	// ErrNonceMissing is returned when the ID token does not contain a nonce
	// claim but one was expected.
	ErrNonceMissing = errors.New("ID token missing nonce claim when nonce was expected")
)

// Tokens holds the token material returned by the upstream IDP.
type Tokens struct {
	// AccessToken is the upstream access token.
	AccessToken string

	// RefreshToken is the upstream refresh token, if granted.
	RefreshToken string

	// IDToken is the raw OIDC ID token.
	IDToken string

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time
}

// Identity is the verified result of an upstream code exchange. The
// upstream tokens are embedded so callers read them directly.
type Identity struct {
	Tokens

	// Subject is the stable user identifier from the validated ID token.
	Subject string

	// Email is the user's email claim, when present.
	Email string

	// EmailVerified reports whether the IDP marked the email as verified.
	EmailVerified bool
}

// Provider abstracts the upstream identity provider.
type Provider interface {
	// AuthorizationURL builds the URL to redirect the user to the upstream
	// IDP. The state correlates the callback; codeChallenge is the S256
	// PKCE challenge sent upstream; nonce binds the resulting ID token.
	AuthorizationURL(state, codeChallenge, nonce string) (string, error)

	// ExchangeCodeForIdentity exchanges an authorization code for tokens
	// and validates the ID token, including the nonce, in one operation.
	ExchangeCodeForIdentity(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error)
}
