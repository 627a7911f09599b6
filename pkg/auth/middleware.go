package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/profitelligence/mcp-server/pkg/logger"
)

// EscapeQuotes escapes backslashes and double quotes for use inside a
// quoted-string header parameter.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// MiddlewareConfig configures the authentication middleware.
type MiddlewareConfig struct {
	// Router performs the credential dispatch.
	Router *Router

	// Realm is advertised in the WWW-Authenticate header (RFC 6750).
	Realm string

	// ResourceMetadataURL is the RFC 9728 protected resource metadata URL
	// advertised on 401 responses so OAuth-capable clients can discover
	// the authorization server.
	ResourceMetadataURL string
}

// buildWWWAuthenticate builds an RFC 6750 / RFC 9728 compliant value for
// the WWW-Authenticate header.
func (c *MiddlewareConfig) buildWWWAuthenticate(includeError bool, errDescription string) string {
	var parts []string

	if c.Realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, EscapeQuotes(c.Realm)))
	}
	if c.ResourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, EscapeQuotes(c.ResourceMetadataURL)))
	}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(errDescription)))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// errorStatus maps an authentication error type to an HTTP status code.
func errorStatus(err error) int {
	switch TypeOf(err) {
	case ErrMissingCredential, ErrMalformedCredential, ErrExpiredAuthorization, ErrInvalidState:
		return http.StatusUnauthorized
	case ErrUnsupportedMethod:
		return http.StatusBadRequest
	case ErrExchangeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// Middleware authenticates requests and injects the AuthContext.
// Failures produce a 401 with a WWW-Authenticate header carrying the
// resource metadata URL, which is how MCP clients bootstrap the OAuth
// flow. Credentials are never logged.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := ExtractCredentials(r)

			ac, err := cfg.Router.Route(r.Context(), creds)
			if err != nil {
				status := errorStatus(err)
				logger.Debugw("request authentication failed",
					"path", r.URL.Path,
					"error_type", TypeOf(err),
					"status", status)

				includeErr := !creds.Empty()
				w.Header().Set("WWW-Authenticate", cfg.buildWWWAuthenticate(includeErr, TypeOf(err)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":             "authentication_required",
					"error_description": err.Error(),
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
		})
	}
}
