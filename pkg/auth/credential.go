// Package auth implements request authentication for the Profitelligence
// MCP server: credential extraction from HTTP requests, method routing
// (API key, OAuth bearer, Firebase JWT), and the resulting request-scoped
// identity context.
package auth

import (
	"net/http"
	"strings"
)

// CredentialKind tags the credential union.
type CredentialKind string

// Credential kinds.
const (
	// CredentialNone means no credential was found in the request.
	CredentialNone CredentialKind = "none"
	// CredentialAPIKey is a Profitelligence API key (pk_live_/pk_test_).
	CredentialAPIKey CredentialKind = "api_key"
	// CredentialBearer is a token from an Authorization: Bearer header.
	CredentialBearer CredentialKind = "bearer"
)

// Credential is one extracted credential with its kind tag.
type Credential struct {
	Kind  CredentialKind
	Value string
}

// RequestCredentials holds everything the extractor found in a request.
// A request may carry both an API key and a bearer token; the router
// decides precedence based on the configured auth method.
type RequestCredentials struct {
	// APIKey is the API key found via the Authorization header, the
	// X-API-Key header or a query param, empty if none.
	APIKey string

	// Bearer is the token from an Authorization: Bearer header, empty if none.
	Bearer string
}

// Empty reports whether no credential of any kind was found.
func (c RequestCredentials) Empty() bool {
	return c.APIKey == "" && c.Bearer == ""
}

// ExtractCredentials pulls credentials out of an HTTP request.
//
// API keys are searched in order, first match wins:
//  1. the Authorization header, either "ApiKey <key>" or a bare Bearer
//     token that carries an API key prefix
//  2. the X-API-Key header
//  3. query parameters apiKey or api_key
//
// A bearer token is taken from "Authorization: Bearer <token>" unless the
// token is API-key-shaped, in which case it counts as an API key only.
// Extraction never fails: absence is reported by empty fields and judged
// by the router, which knows which method is configured.
func ExtractCredentials(r *http.Request) RequestCredentials {
	var creds RequestCredentials

	authHeader := r.Header.Get("Authorization")
	switch {
	case authHeader == "":
	case strings.HasPrefix(authHeader, "ApiKey "):
		creds.APIKey = strings.TrimPrefix(authHeader, "ApiKey ")
	case strings.HasPrefix(authHeader, "Bearer "):
		token := strings.TrimPrefix(authHeader, "Bearer ")
		// Some clients only let users set a bearer token, so an API key
		// may arrive this way.
		if isAPIKeyShaped(token) {
			creds.APIKey = token
		} else {
			creds.Bearer = token
		}
	}

	if creds.APIKey == "" {
		if key := r.Header.Get("X-API-Key"); key != "" {
			creds.APIKey = key
		}
	}

	if creds.APIKey == "" {
		q := r.URL.Query()
		if key := q.Get("apiKey"); key != "" {
			creds.APIKey = key
		} else if key := q.Get("api_key"); key != "" {
			creds.APIKey = key
		}
	}

	return creds
}

// isAPIKeyShaped reports whether value carries a Profitelligence API key prefix.
func isAPIKeyShaped(value string) bool {
	return strings.HasPrefix(value, "pk_live_") || strings.HasPrefix(value, "pk_test_")
}
