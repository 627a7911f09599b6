package authserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profitelligence/mcp-server/pkg/auth"
	"github.com/profitelligence/mcp-server/pkg/authserver/crypto"
	"github.com/profitelligence/mcp-server/pkg/authserver/exchange"
	"github.com/profitelligence/mcp-server/pkg/authserver/storage"
	"github.com/profitelligence/mcp-server/pkg/authserver/upstream"
)

// fakeUpstream is an upstream.Provider double that records the secrets
// sent upstream and maps codes to identities.
type fakeUpstream struct {
	identities map[string]*upstream.Identity
	err        error

	mu            sync.Mutex
	lastState     string
	lastChallenge string
	lastNonce     string
	lastVerifier  string
}

func (f *fakeUpstream) AuthorizationURL(state, codeChallenge, nonce string) (string, error) {
	f.mu.Lock()
	f.lastState = state
	f.lastChallenge = codeChallenge
	f.lastNonce = nonce
	f.mu.Unlock()
	return "https://idp.example.com/auth?state=" + url.QueryEscape(state), nil
}

func (f *fakeUpstream) ExchangeCodeForIdentity(_ context.Context, code, codeVerifier, _ string) (*upstream.Identity, error) {
	f.mu.Lock()
	f.lastVerifier = codeVerifier
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	identity, ok := f.identities[code]
	if !ok {
		return nil, upstream.ErrIdentityResolutionFailed
	}
	return identity, nil
}

// newFirebaseStub stands in for the identitytoolkit endpoint. It derives
// the minted token from the subject token so concurrent flows stay
// distinguishable.
func newFirebaseStub(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PostBody string `json:"postBody"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		values, err := url.ParseQuery(body.PostBody)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"idToken":   "fb-" + values.Get("id_token"),
			"expiresIn": "3600",
			"localId":   "firebase-uid",
			"email":     "jane@example.com",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestFlow(t *testing.T, up upstream.Provider) (*FlowController, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	stub := newFirebaseStub(t)
	svc, err := exchange.NewService(&exchange.Config{
		WebAPIKey:  "test-api-key",
		Endpoint:   stub.URL,
		HTTPClient: stub.Client(),
	})
	require.NoError(t, err)

	flow, err := NewFlowController(store, up, svc)
	require.NoError(t, err)
	return flow, store
}

// beginFlow runs Begin with a fresh PKCE pair and returns the verifier
// alongside the result.
func beginFlow(t *testing.T, flow *FlowController, clientID, redirectURI, clientState string) (*BeginResult, string) {
	t.Helper()

	verifier := crypto.GeneratePKCEVerifier()
	result, err := flow.Begin(t.Context(), &BeginRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               clientState,
		CodeChallenge:       crypto.ComputePKCEChallenge(verifier),
		CodeChallengeMethod: crypto.PKCEChallengeMethodS256,
		Scopes:              []string{"openid", "email"},
	})
	require.NoError(t, err)
	return result, verifier
}

func TestFlowBegin(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	flow, store := newTestFlow(t, up)

	t.Run("stores pending and redirects upstream", func(t *testing.T) {
		result, _ := beginFlow(t, flow, "client-1", "http://127.0.0.1:8123/callback", "client-state")

		assert.Equal(t, FlowStateAuthorizing, result.State)
		assert.True(t, strings.HasPrefix(result.UpstreamURL, "https://idp.example.com/auth"))
		assert.NotEqual(t, "client-state", result.InternalState)

		pending, err := store.ConsumePendingAuthorization(t.Context(), result.InternalState)
		require.NoError(t, err)
		assert.Equal(t, "client-1", pending.ClientID)
		assert.Equal(t, "client-state", pending.State)
		// The upstream leg uses its own PKCE pair, not the client's.
		assert.NotEqual(t, pending.PKCEChallenge, up.lastChallenge)
		assert.Equal(t, crypto.ComputePKCEChallenge(pending.UpstreamPKCEVerifier), up.lastChallenge)
		assert.Equal(t, pending.UpstreamNonce, up.lastNonce)
	})

	t.Run("validation failures", func(t *testing.T) {
		tests := []struct {
			name     string
			req      *BeginRequest
			wantType string
		}{
			{
				name: "missing client_id",
				req: &BeginRequest{
					RedirectURI:         "https://app.example.com/cb",
					CodeChallenge:       "x",
					CodeChallengeMethod: "S256",
				},
				wantType: auth.ErrInvalidState,
			},
			{
				name: "missing code_challenge",
				req: &BeginRequest{
					ClientID:            "c",
					RedirectURI:         "https://app.example.com/cb",
					CodeChallengeMethod: "S256",
				},
				wantType: auth.ErrPKCEVerificationFailed,
			},
			{
				name: "plain challenge method",
				req: &BeginRequest{
					ClientID:            "c",
					RedirectURI:         "https://app.example.com/cb",
					CodeChallenge:       "x",
					CodeChallengeMethod: "plain",
				},
				wantType: auth.ErrPKCEVerificationFailed,
			},
			{
				name: "non-loopback http redirect",
				req: &BeginRequest{
					ClientID:            "c",
					RedirectURI:         "http://evil.example.com/cb",
					CodeChallenge:       "x",
					CodeChallengeMethod: "S256",
				},
				wantType: auth.ErrInvalidState,
			},
		}
		for _, tt := range tests {
			_, err := flow.Begin(t.Context(), tt.req)
			require.Error(t, err, tt.name)
			assert.True(t, auth.IsType(err, tt.wantType), tt.name)
		}
	})
}

func TestFlowEndToEnd(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{
		identities: map[string]*upstream.Identity{
			"upstream-code": {
				Tokens:  upstream.Tokens{IDToken: "google-token"},
				Subject: "google-sub",
				Email:   "jane@example.com",
			},
		},
	}
	flow, store := newTestFlow(t, up)

	begin, verifier := beginFlow(t, flow, "client-1", "http://localhost:9999/cb", "s1")

	cb, err := flow.HandleCallback(t.Context(), &CallbackRequest{
		Code:  "upstream-code",
		State: begin.InternalState,
	})
	require.NoError(t, err)
	assert.Equal(t, FlowStateCallbackPending, cb.State)
	assert.Equal(t, "http://localhost:9999/cb", cb.RedirectURI)
	assert.Equal(t, "s1", cb.ClientState)
	assert.NotEmpty(t, cb.Code)
	// The upstream exchange used the stored verifier.
	assert.NotEmpty(t, up.lastVerifier)

	resp, err := flow.ExchangeToken(t.Context(), &TokenRequest{
		Code:         cb.Code,
		CodeVerifier: verifier,
		ClientID:     "client-1",
		RedirectURI:  "http://localhost:9999/cb",
	})
	require.NoError(t, err)
	assert.Equal(t, "fb-google-token", resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.InDelta(t, 3600, resp.ExpiresIn, 5)

	issued, err := store.GetIssuedToken(t.Context(), auth.HashToken(resp.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, "google-sub", issued.Subject)
	assert.Equal(t, "jane@example.com", issued.Email)
}

func TestFlowCallbackFailures(t *testing.T) {
	t.Parallel()

	t.Run("unknown state", func(t *testing.T) {
		t.Parallel()

		flow, _ := newTestFlow(t, &fakeUpstream{})
		_, err := flow.HandleCallback(t.Context(), &CallbackRequest{Code: "c", State: "never-stored"})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrInvalidState))
	})

	t.Run("state replay loses", func(t *testing.T) {
		t.Parallel()

		up := &fakeUpstream{identities: map[string]*upstream.Identity{
			"code": {Tokens: upstream.Tokens{IDToken: "tok"}, Subject: "sub"},
		}}
		flow, _ := newTestFlow(t, up)
		begin, _ := beginFlow(t, flow, "c", "http://localhost:1/cb", "s")

		_, err := flow.HandleCallback(t.Context(), &CallbackRequest{Code: "code", State: begin.InternalState})
		require.NoError(t, err)

		_, err = flow.HandleCallback(t.Context(), &CallbackRequest{Code: "code", State: begin.InternalState})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrInvalidState))
	})

	t.Run("missing parameters", func(t *testing.T) {
		t.Parallel()

		flow, _ := newTestFlow(t, &fakeUpstream{})
		_, err := flow.HandleCallback(t.Context(), &CallbackRequest{Code: "c"})
		assert.True(t, auth.IsType(err, auth.ErrInvalidState))
		_, err = flow.HandleCallback(t.Context(), &CallbackRequest{State: "s"})
		assert.True(t, auth.IsType(err, auth.ErrInvalidState))
	})

	t.Run("upstream exchange failure is transient", func(t *testing.T) {
		t.Parallel()

		up := &fakeUpstream{err: upstream.ErrIdentityResolutionFailed}
		flow, _ := newTestFlow(t, up)
		begin, _ := beginFlow(t, flow, "c", "http://localhost:1/cb", "s")

		_, err := flow.HandleCallback(t.Context(), &CallbackRequest{Code: "code", State: begin.InternalState})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrExchangeTransient))
	})

	t.Run("nonce mismatch is rejected", func(t *testing.T) {
		t.Parallel()

		up := &fakeUpstream{err: upstream.ErrNonceMismatch}
		flow, _ := newTestFlow(t, up)
		begin, _ := beginFlow(t, flow, "c", "http://localhost:1/cb", "s")

		_, err := flow.HandleCallback(t.Context(), &CallbackRequest{Code: "code", State: begin.InternalState})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrExchangeRejected))
	})
}

func TestFlowExchangeToken(t *testing.T) {
	t.Parallel()

	newReadyFlow := func(t *testing.T) (*FlowController, *CallbackResult, string) {
		t.Helper()
		up := &fakeUpstream{identities: map[string]*upstream.Identity{
			"code": {Tokens: upstream.Tokens{IDToken: "tok"}, Subject: "sub", Email: "e@example.com"},
		}}
		flow, _ := newTestFlow(t, up)
		begin, verifier := beginFlow(t, flow, "client-1", "http://localhost:1/cb", "s")
		cb, err := flow.HandleCallback(t.Context(), &CallbackRequest{Code: "code", State: begin.InternalState})
		require.NoError(t, err)
		return flow, cb, verifier
	}

	t.Run("wrong verifier", func(t *testing.T) {
		t.Parallel()

		flow, cb, _ := newReadyFlow(t)
		_, err := flow.ExchangeToken(t.Context(), &TokenRequest{
			Code:         cb.Code,
			CodeVerifier: crypto.GeneratePKCEVerifier(),
		})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrPKCEVerificationFailed))
	})

	t.Run("code is single use", func(t *testing.T) {
		t.Parallel()

		flow, cb, verifier := newReadyFlow(t)
		_, err := flow.ExchangeToken(t.Context(), &TokenRequest{Code: cb.Code, CodeVerifier: verifier})
		require.NoError(t, err)

		_, err = flow.ExchangeToken(t.Context(), &TokenRequest{Code: cb.Code, CodeVerifier: verifier})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrInvalidState))
	})

	t.Run("failed verification does not consume a second chance", func(t *testing.T) {
		t.Parallel()

		// A wrong verifier burns the code entirely: retrying with the
		// right one must not succeed.
		flow, cb, verifier := newReadyFlow(t)
		_, err := flow.ExchangeToken(t.Context(), &TokenRequest{
			Code:         cb.Code,
			CodeVerifier: crypto.GeneratePKCEVerifier(),
		})
		require.Error(t, err)

		_, err = flow.ExchangeToken(t.Context(), &TokenRequest{Code: cb.Code, CodeVerifier: verifier})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrInvalidState))
	})

	t.Run("client binding", func(t *testing.T) {
		t.Parallel()

		flow, cb, verifier := newReadyFlow(t)
		_, err := flow.ExchangeToken(t.Context(), &TokenRequest{
			Code:         cb.Code,
			CodeVerifier: verifier,
			ClientID:     "someone-else",
		})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrInvalidState))
	})

	t.Run("redirect binding", func(t *testing.T) {
		t.Parallel()

		flow, cb, verifier := newReadyFlow(t)
		_, err := flow.ExchangeToken(t.Context(), &TokenRequest{
			Code:         cb.Code,
			CodeVerifier: verifier,
			RedirectURI:  "http://localhost:2/other",
		})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrInvalidState))
	})

	t.Run("unknown code", func(t *testing.T) {
		t.Parallel()

		flow, _, _ := newReadyFlow(t)
		_, err := flow.ExchangeToken(t.Context(), &TokenRequest{
			Code:         "never-minted",
			CodeVerifier: crypto.GeneratePKCEVerifier(),
		})
		require.Error(t, err)
		assert.True(t, auth.IsType(err, auth.ErrInvalidState))
	})
}

func TestFlowConcurrentFlowsStayIsolated(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{identities: map[string]*upstream.Identity{
		"code-a": {Tokens: upstream.Tokens{IDToken: "token-a"}, Subject: "user-a"},
		"code-b": {Tokens: upstream.Tokens{IDToken: "token-b"}, Subject: "user-b"},
	}}
	flow, store := newTestFlow(t, up)

	beginA, verifierA := beginFlow(t, flow, "client-a", "http://localhost:1/a", "state-a")
	beginB, verifierB := beginFlow(t, flow, "client-b", "http://localhost:2/b", "state-b")

	// Deliver both callbacks concurrently; each must consume only its
	// own pending authorization.
	var cbA, cbB *CallbackResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		var err error
		cbA, err = flow.HandleCallback(context.Background(), &CallbackRequest{Code: "code-a", State: beginA.InternalState})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		var err error
		cbB, err = flow.HandleCallback(context.Background(), &CallbackRequest{Code: "code-b", State: beginB.InternalState})
		assert.NoError(t, err)
	}()
	wg.Wait()
	require.NotNil(t, cbA)
	require.NotNil(t, cbB)

	assert.Equal(t, "state-a", cbA.ClientState)
	assert.Equal(t, "state-b", cbB.ClientState)
	assert.NotEqual(t, cbA.Code, cbB.Code)

	respA, err := flow.ExchangeToken(t.Context(), &TokenRequest{Code: cbA.Code, CodeVerifier: verifierA})
	require.NoError(t, err)
	respB, err := flow.ExchangeToken(t.Context(), &TokenRequest{Code: cbB.Code, CodeVerifier: verifierB})
	require.NoError(t, err)

	assert.Equal(t, "fb-token-a", respA.AccessToken)
	assert.Equal(t, "fb-token-b", respB.AccessToken)

	issuedA, err := store.GetIssuedToken(t.Context(), auth.HashToken(respA.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, "user-a", issuedA.Subject)
	issuedB, err := store.GetIssuedToken(t.Context(), auth.HashToken(respB.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, "user-b", issuedB.Subject)
}
