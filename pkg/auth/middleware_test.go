package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profitelligence/mcp-server/pkg/config"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	newHandler := func(router *Router) (http.Handler, *AuthContext) {
		captured := &AuthContext{}
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := FromContext(r.Context())
			require.True(t, ok)
			*captured = *ac
			w.WriteHeader(http.StatusOK)
		})
		mw := Middleware(MiddlewareConfig{
			Router:              router,
			Realm:               "profitelligence-mcp",
			ResourceMetadataURL: "https://mcp.example.com/.well-known/oauth-protected-resource",
		})
		return mw(inner), captured
	}

	t.Run("authenticated request passes through", func(t *testing.T) {
		t.Parallel()

		handler, captured := newHandler(NewRouter(config.AuthMethodAPIKey))

		req := httptest.NewRequest("POST", "/mcp", nil)
		req.Header.Set("X-API-Key", "pk_live_abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, MethodAPIKey, captured.Method)
		assert.Equal(t, "pk_live_abc", captured.APIKey)
	})

	t.Run("missing credential returns 401 with metadata pointer", func(t *testing.T) {
		t.Parallel()

		handler, _ := newHandler(NewRouter(config.AuthMethodAPIKey))

		req := httptest.NewRequest("POST", "/mcp", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		challenge := rec.Header().Get("WWW-Authenticate")
		assert.Contains(t, challenge, `realm="profitelligence-mcp"`)
		assert.Contains(t, challenge, `resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`)
		// No credential was presented, so no error attribute per RFC 6750.
		assert.NotContains(t, challenge, "invalid_token")
		assert.Contains(t, rec.Body.String(), "authentication_required")
	})

	t.Run("malformed credential returns 401 with error attribute", func(t *testing.T) {
		t.Parallel()

		handler, _ := newHandler(NewRouter(config.AuthMethodAPIKey))

		req := httptest.NewRequest("POST", "/mcp", nil)
		req.Header.Set("X-API-Key", "sk_live_wrong")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		challenge := rec.Header().Get("WWW-Authenticate")
		assert.Contains(t, challenge, `error="invalid_token"`)
		assert.Contains(t, challenge, "malformed_credential")
	})

	t.Run("anonymous pass-through injects subjectless context", func(t *testing.T) {
		t.Parallel()

		handler, captured := newHandler(NewRouter(config.AuthMethodAPIKey, WithAllowAnonymous(true)))

		req := httptest.NewRequest("POST", "/mcp", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, MethodAnonymous, captured.Method)
		assert.Empty(t, captured.Subject)
	})
}

func TestEscapeQuotes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `plain`, EscapeQuotes(`plain`))
	assert.Equal(t, `say \"hi\"`, EscapeQuotes(`say "hi"`))
	assert.Equal(t, `back\\slash`, EscapeQuotes(`back\slash`))
}
