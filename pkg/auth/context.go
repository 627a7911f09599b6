package auth

import (
	"context"
	"time"
)

// Method is the authentication method that produced an AuthContext.
type Method string

// Authentication methods.
const (
	// MethodAPIKey means the request authenticated with a Profitelligence API key.
	MethodAPIKey Method = "api_key"
	// MethodOAuth means the request presented a token minted by this server.
	MethodOAuth Method = "oauth"
	// MethodFirebaseJWT means the request presented a Firebase ID token directly.
	MethodFirebaseJWT Method = "firebase_jwt"
	// MethodAnonymous means no credential was presented and the deployment
	// permits unauthenticated pass-through.
	MethodAnonymous Method = "anonymous"
)

// AuthContext is the normalized, request-scoped identity outcome consumed
// by downstream request handling.
type AuthContext struct {
	// Method is the authentication method that succeeded.
	Method Method

	// APIKey is the key to forward to the backend (api_key method only).
	APIKey string

	// Token is the bearer credential to forward (oauth and firebase_jwt).
	Token string

	// Subject identifies the user when known.
	Subject string

	// Email is the user's email when known.
	Email string

	// ExpiresAt is when the presented credential expires, zero if unknown.
	ExpiresAt time.Time
}

// Anonymous reports whether the context carries no subject.
func (a *AuthContext) Anonymous() bool {
	return a.Method == MethodAnonymous
}

// authContextKey is the context key for the AuthContext.
type authContextKey struct{}

// WithAuthContext returns a context carrying the given AuthContext.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext extracts the AuthContext from a context, if present.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return ac, ok
}
