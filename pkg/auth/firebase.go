package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FirebaseClaims is the structural content of a Firebase ID token.
// The decode extracts identity and expiry for the request context; the
// backend remains the authority for signature validity.
type FirebaseClaims struct {
	// Subject is the Firebase UID ("sub" claim).
	Subject string

	// Email is the "email" claim, when present.
	Email string

	// ExpiresAt is the "exp" claim. Zero when absent.
	ExpiresAt time.Time
}

// DecodeFirebaseToken structurally decodes a Firebase ID token without
// verifying its signature. Returns a MalformedCredential error when the
// token is not a parseable JWT or lacks a subject, and an
// ExpiredAuthorization error when the token has already expired.
func DecodeFirebaseToken(tokenString string) (*FirebaseClaims, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, NewMalformedCredentialError("bearer token is not a valid JWT", err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, NewMalformedCredentialError("token missing sub claim", err)
	}

	fc := &FirebaseClaims{Subject: subject}

	if email, ok := claims["email"].(string); ok {
		fc.Email = email
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		fc.ExpiresAt = exp.Time
		if exp.Before(time.Now()) {
			return nil, NewExpiredAuthorizationError("token has expired", nil)
		}
	}

	return fc, nil
}
