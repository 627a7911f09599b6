package authserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profitelligence/mcp-server/pkg/authserver/crypto"
	"github.com/profitelligence/mcp-server/pkg/authserver/upstream"
)

func newTestServer(t *testing.T, up upstream.Provider) *httptest.Server {
	t.Helper()

	flow, _ := newTestFlow(t, up)
	handler := NewHandler(flow, NewClientRegistry(),
		"https://auth.example.com", "https://mcp.example.com/mcp")

	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

// noRedirectClient returns the server's client with redirects disabled so
// tests can inspect 302 responses.
func noRedirectClient(srv *httptest.Server) *http.Client {
	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

func TestAuthorizeEndpoint(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	srv := newTestServer(t, up)
	client := noRedirectClient(srv)

	authorizeURL := func(params map[string]string) string {
		q := url.Values{}
		q.Set("response_type", "code")
		q.Set("client_id", "client-1")
		q.Set("redirect_uri", "http://127.0.0.1:8123/cb")
		q.Set("state", "client-state")
		q.Set("code_challenge", crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier()))
		q.Set("code_challenge_method", "S256")
		for k, v := range params {
			q.Set(k, v)
		}
		return srv.URL + "/authorize?" + q.Encode()
	}

	t.Run("redirects to upstream", func(t *testing.T) {
		resp, err := client.Get(authorizeURL(nil))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusFound, resp.StatusCode)
		location := resp.Header.Get("Location")
		assert.True(t, strings.HasPrefix(location, "https://idp.example.com/auth"))
	})

	t.Run("missing PKCE redirects error to client", func(t *testing.T) {
		resp, err := client.Get(authorizeURL(map[string]string{"code_challenge": ""}))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusFound, resp.StatusCode)
		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:8123", loc.Host)
		assert.Equal(t, "invalid_request", loc.Query().Get("error"))
		assert.Equal(t, "client-state", loc.Query().Get("state"))
	})

	t.Run("wrong response_type", func(t *testing.T) {
		resp, err := client.Get(authorizeURL(map[string]string{"response_type": "token"}))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusFound, resp.StatusCode)
		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "unsupported_response_type", loc.Query().Get("error"))
	})

	t.Run("unusable redirect_uri gets plain error", func(t *testing.T) {
		resp, err := client.Get(authorizeURL(map[string]string{
			"redirect_uri":   "http://evil.example.com/cb",
			"code_challenge": "",
		}))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestFullAuthorizationFlowOverHTTP(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{identities: map[string]*upstream.Identity{
		"upstream-code": {
			Tokens:  upstream.Tokens{IDToken: "google-token"},
			Subject: "google-sub",
			Email:   "jane@example.com",
		},
	}}
	srv := newTestServer(t, up)
	client := noRedirectClient(srv)

	verifier := crypto.GeneratePKCEVerifier()

	// Step 1: authorize redirects to the upstream IDP.
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "client-1")
	q.Set("redirect_uri", "http://localhost:9999/cb")
	q.Set("state", "client-state")
	q.Set("code_challenge", crypto.ComputePKCEChallenge(verifier))
	q.Set("code_challenge_method", "S256")
	q.Set("scope", "openid email")

	resp, err := client.Get(srv.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	upstreamURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	internalState := upstreamURL.Query().Get("state")
	require.NotEmpty(t, internalState)
	assert.NotEqual(t, "client-state", internalState)

	// Step 2: upstream callback mints our code and redirects to the client.
	cbQ := url.Values{}
	cbQ.Set("code", "upstream-code")
	cbQ.Set("state", internalState)

	resp, err = client.Get(srv.URL + "/oauth/callback?" + cbQ.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	clientCB, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:9999", clientCB.Host)
	assert.Equal(t, "client-state", clientCB.Query().Get("state"))
	code := clientCB.Query().Get("code")
	require.NotEmpty(t, code)

	// Step 3: redeem the code at the token endpoint.
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("client_id", "client-1")
	form.Set("redirect_uri", "http://localhost:9999/cb")

	resp, err = client.PostForm(srv.URL+"/oauth/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var tokenResp TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokenResp))
	assert.Equal(t, "fb-google-token", tokenResp.AccessToken)
	assert.Equal(t, "Bearer", tokenResp.TokenType)
	assert.InDelta(t, 3600, tokenResp.ExpiresIn, 5)

	// Step 4: the code is single use.
	resp, err = client.PostForm(srv.URL+"/oauth/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "invalid_grant", errResp["error"])

	// Step 5: the callback state is single use too.
	resp, err = client.Get(srv.URL + "/oauth/callback?" + cbQ.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenEndpointErrors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeUpstream{})

	t.Run("wrong grant type", func(t *testing.T) {
		t.Parallel()

		form := url.Values{}
		form.Set("grant_type", "client_credentials")

		resp, err := srv.Client().PostForm(srv.URL+"/oauth/token", form)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var errResp map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
		assert.Equal(t, "unsupported_grant_type", errResp["error"])
	})

	t.Run("unknown code", func(t *testing.T) {
		t.Parallel()

		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", "nope")
		form.Set("code_verifier", crypto.GeneratePKCEVerifier())

		resp, err := srv.Client().PostForm(srv.URL+"/oauth/token", form)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var errResp map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
		assert.Equal(t, "invalid_grant", errResp["error"])
	})
}

func TestCallbackUpstreamError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeUpstream{})

	resp, err := srv.Client().Get(srv.URL + "/oauth/callback?error=access_denied&error_description=user+cancelled")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRegisterEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeUpstream{})

	t.Run("registers public client", func(t *testing.T) {
		t.Parallel()

		body := `{"redirect_uris":["http://127.0.0.1:33418/callback"],"client_name":"test-client"}`
		resp, err := srv.Client().Post(srv.URL+"/register", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var dcr DCRResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&dcr))
		assert.NotEmpty(t, dcr.ClientID)
		assert.Equal(t, "test-client", dcr.ClientName)
		assert.Equal(t, "none", dcr.TokenEndpointAuthMethod)
		assert.Equal(t, []string{"authorization_code"}, dcr.GrantTypes)
	})

	t.Run("rejects missing redirect URIs", func(t *testing.T) {
		t.Parallel()

		resp, err := srv.Client().Post(srv.URL+"/register", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var dcrErr DCRError
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&dcrErr))
		assert.Equal(t, DCRErrorInvalidRedirectURI, dcrErr.Error)
	})

	t.Run("rejects wrong content type", func(t *testing.T) {
		t.Parallel()

		resp, err := srv.Client().Post(srv.URL+"/register", "text/plain", strings.NewReader(`{}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDiscoveryEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeUpstream{})

	t.Run("authorization server metadata", func(t *testing.T) {
		t.Parallel()

		resp, err := srv.Client().Get(srv.URL + "/.well-known/oauth-authorization-server")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		var meta AuthorizationServerMetadata
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
		assert.Equal(t, "https://auth.example.com", meta.Issuer)
		assert.Equal(t, "https://auth.example.com/authorize", meta.AuthorizationEndpoint)
		assert.Equal(t, "https://auth.example.com/oauth/token", meta.TokenEndpoint)
		assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
		assert.Equal(t, []string{"code"}, meta.ResponseTypesSupported)
	})

	t.Run("protected resource metadata", func(t *testing.T) {
		t.Parallel()

		resp, err := srv.Client().Get(srv.URL + "/.well-known/oauth-protected-resource")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		var meta ProtectedResourceMetadata
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
		assert.Equal(t, "https://mcp.example.com/mcp", meta.Resource)
		assert.Equal(t, []string{"https://auth.example.com"}, meta.AuthorizationServers)
	})

	t.Run("CORS preflight", func(t *testing.T) {
		t.Parallel()

		req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions,
			srv.URL+"/.well-known/oauth-authorization-server", nil)
		require.NoError(t, err)

		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}
