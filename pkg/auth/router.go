package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/profitelligence/mcp-server/pkg/authserver/storage"
	"github.com/profitelligence/mcp-server/pkg/config"
)

// IssuedTokenStore is the subset of the token store the router needs to
// recognize tokens minted by this server's own OAuth flow.
type IssuedTokenStore interface {
	GetIssuedToken(ctx context.Context, tokenHash string) (*storage.IssuedToken, error)
}

// HashToken returns the hex SHA-256 digest of a token. Issued tokens are
// stored and looked up by digest so the credential itself is never kept.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Router dispatches an extracted credential to the acceptance rules of
// the configured auth method and produces an AuthContext.
type Router struct {
	method config.AuthMethod

	// store recognizes self-minted tokens in oauth mode.
	store IssuedTokenStore

	// validator optionally accepts externally signed Firebase ID tokens
	// in oauth mode when the store does not recognize the bearer token.
	validator *TokenValidator

	// serverAPIKey is the deployment-wide key used when the request
	// carries none.
	serverAPIKey string

	// serverFirebaseToken is the statically configured ID token for the
	// legacy firebase_jwt method.
	serverFirebaseToken string

	// allowAnonymous permits unauthenticated pass-through: requests with
	// no credential yield an AuthContext without a subject.
	allowAnonymous bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithIssuedTokenStore sets the store used to recognize self-minted tokens.
func WithIssuedTokenStore(store IssuedTokenStore) RouterOption {
	return func(r *Router) {
		r.store = store
	}
}

// WithValidator sets a JWKS validator as a fallback for bearer tokens the
// issued-token store does not recognize.
func WithValidator(v *TokenValidator) RouterOption {
	return func(r *Router) {
		r.validator = v
	}
}

// WithServerAPIKey sets the deployment-wide API key fallback.
func WithServerAPIKey(key string) RouterOption {
	return func(r *Router) {
		r.serverAPIKey = key
	}
}

// WithServerFirebaseToken sets the static ID token for the firebase_jwt method.
func WithServerFirebaseToken(token string) RouterOption {
	return func(r *Router) {
		r.serverFirebaseToken = token
	}
}

// WithAllowAnonymous permits unauthenticated pass-through.
func WithAllowAnonymous(allow bool) RouterOption {
	return func(r *Router) {
		r.allowAnonymous = allow
	}
}

// NewRouter creates a Router for the given auth method.
func NewRouter(method config.AuthMethod, opts ...RouterOption) *Router {
	r := &Router{method: method}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route produces an AuthContext from the extracted credentials, or fails
// with an authentication Error from this package's taxonomy.
func (r *Router) Route(ctx context.Context, creds RequestCredentials) (*AuthContext, error) {
	switch r.method {
	case config.AuthMethodAPIKey:
		return r.routeAPIKey(creds)
	case config.AuthMethodOAuth:
		return r.routeOAuth(ctx, creds)
	case config.AuthMethodFirebaseJWT:
		return r.routeFirebaseJWT(creds)
	case config.AuthMethodBoth:
		return r.routeBoth(ctx, creds)
	default:
		return nil, NewUnsupportedMethodError(fmt.Sprintf("unknown auth method %q", r.method), nil)
	}
}

func (r *Router) routeAPIKey(creds RequestCredentials) (*AuthContext, error) {
	key := creds.APIKey
	if key == "" {
		key = r.serverAPIKey
	}
	if key == "" {
		if r.allowAnonymous {
			return &AuthContext{Method: MethodAnonymous}, nil
		}
		return nil, NewMissingCredentialError(
			"no API key provided; set the X-API-Key header or apiKey query parameter", nil)
	}
	// Key prefixes are a format contract; cryptographic verification is
	// delegated to the backend on first use.
	if !config.ValidAPIKey(key) {
		return nil, NewMalformedCredentialError(
			"API key must start with pk_live_ or pk_test_", nil)
	}
	return &AuthContext{Method: MethodAPIKey, APIKey: key}, nil
}

func (r *Router) routeOAuth(ctx context.Context, creds RequestCredentials) (*AuthContext, error) {
	token := creds.Bearer
	if token == "" {
		if r.allowAnonymous {
			return &AuthContext{Method: MethodAnonymous}, nil
		}
		return nil, NewMissingCredentialError(
			"OAuth mode requires an Authorization: Bearer header", nil)
	}

	if r.store != nil {
		issued, err := r.store.GetIssuedToken(ctx, HashToken(token))
		switch {
		case err == nil:
			return &AuthContext{
				Method:    MethodOAuth,
				Token:     token,
				Subject:   issued.Subject,
				Email:     issued.Email,
				ExpiresAt: issued.ExpiresAt,
			}, nil
		case errors.Is(err, storage.ErrExpired):
			return nil, NewExpiredAuthorizationError("token has expired", err)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, NewError(ErrExchangeTransient, "token store lookup failed", err)
		}
	}

	// Unknown to the store: optionally accept externally signed tokens
	// when a JWKS validator is configured.
	if r.validator != nil {
		claims, err := r.validator.ValidateToken(ctx, token)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				return nil, NewExpiredAuthorizationError("token has expired", err)
			}
			return nil, NewMalformedCredentialError("bearer token failed validation", err)
		}
		ac := &AuthContext{Method: MethodOAuth, Token: token}
		ac.Subject, _ = claims.GetSubject()
		if email, ok := claims["email"].(string); ok {
			ac.Email = email
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			ac.ExpiresAt = exp.Time
		}
		return ac, nil
	}

	return nil, NewMalformedCredentialError("bearer token was not issued by this server", nil)
}

func (r *Router) routeFirebaseJWT(creds RequestCredentials) (*AuthContext, error) {
	token := creds.Bearer
	if token == "" {
		token = r.serverFirebaseToken
	}
	if token == "" {
		if r.allowAnonymous {
			return &AuthContext{Method: MethodAnonymous}, nil
		}
		return nil, NewMissingCredentialError(
			"no Firebase token provided; set PROF_FIREBASE_ID_TOKEN or an Authorization: Bearer header", nil)
	}

	claims, err := DecodeFirebaseToken(token)
	if err != nil {
		return nil, err
	}
	return &AuthContext{
		Method:    MethodFirebaseJWT,
		Token:     token,
		Subject:   claims.Subject,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// routeBoth tries the API key first, then falls back to the bearer
// acceptance rules: self-minted OAuth tokens, then Firebase JWTs.
func (r *Router) routeBoth(ctx context.Context, creds RequestCredentials) (*AuthContext, error) {
	if creds.APIKey != "" || (creds.Bearer == "" && r.serverAPIKey != "") {
		return r.routeAPIKey(creds)
	}

	if creds.Bearer != "" {
		ac, err := r.routeOAuth(ctx, creds)
		if err == nil {
			return ac, nil
		}
		// A token the OAuth path cannot place may still be a Firebase JWT.
		if IsType(err, ErrMalformedCredential) {
			if ac, fbErr := r.routeFirebaseJWT(creds); fbErr == nil {
				return ac, nil
			}
		}
		return nil, err
	}

	if r.allowAnonymous {
		return &AuthContext{Method: MethodAnonymous}, nil
	}
	return nil, NewMissingCredentialError(
		"no credentials provided; use Authorization: Bearer for OAuth or X-API-Key for API key auth", nil)
}
