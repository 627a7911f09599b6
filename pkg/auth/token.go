package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Validation errors.
var (
	// ErrInvalidToken is returned when a token fails signature validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidIssuer is returned when the iss claim does not match.
	ErrInvalidIssuer = errors.New("invalid issuer")
	// ErrInvalidAudience is returned when the aud claim does not match.
	ErrInvalidAudience = errors.New("invalid audience")
	// ErrTokenExpired is returned when the exp claim is missing or in the past.
	ErrTokenExpired = errors.New("token expired")
)

// TokenValidator validates JWT bearer tokens against a JWKS endpoint with
// issuer and audience checks. It is used for externally signed tokens
// (Google or Firebase ID tokens); self-minted tokens are recognized by
// the issued-token store instead.
type TokenValidator struct {
	issuer   string
	audience string
	jwksURL  string

	jwksClient *jwk.Cache

	// jwksRegistered tracks lazy registration of the JWKS URL with the
	// cache so startup never blocks on a network fetch.
	jwksRegistrationMu  sync.Mutex
	jwksRegistered      bool
	jwksRegistrationErr error
}

// TokenValidatorConfig configures a TokenValidator.
type TokenValidatorConfig struct {
	// Issuer is the expected iss claim. Empty disables the check.
	Issuer string

	// Audience is the expected aud claim. Empty disables the check.
	Audience string

	// JWKSURL is the JWKS endpoint for signature keys.
	JWKSURL string

	// HTTPClient is used for JWKS fetches. Nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// NewTokenValidator creates a TokenValidator with an auto-refreshing JWKS
// cache. JWKS registration happens lazily on first validation.
func NewTokenValidator(ctx context.Context, config TokenValidatorConfig) (*TokenValidator, error) {
	if config.JWKSURL == "" {
		return nil, errors.New("JWKS URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// In jwx v3, NewCache requires an httprc.Client.
	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &TokenValidator{
		issuer:     config.Issuer,
		audience:   config.Audience,
		jwksURL:    config.JWKSURL,
		jwksClient: cache,
	}, nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first use.
func (v *TokenValidator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksClient.Register(registrationCtx, v.jwksURL); err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// getKeyFromJWKS resolves the signing key for a token from the JWKS.
func (v *TokenValidator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	// In jwx v3, Get is replaced with Lookup.
	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	// In jwx v3, the Raw method is replaced with the Export function.
	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	return rawKey, nil
}

// validateClaims validates the issuer, audience and expiry claims.
func (v *TokenValidator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimSpace(issuerClaim) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// ValidateToken validates a JWT bearer token and returns its claims.
func (v *TokenValidator) ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to get claims from token")
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return claims, nil
}
