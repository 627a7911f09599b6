package authserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/profitelligence/mcp-server/pkg/auth"
	"github.com/profitelligence/mcp-server/pkg/logger"
)

// maxDCRBodySize caps DCR request bodies. Generous for legitimate
// requests with many redirect URIs.
const maxDCRBodySize = 64 * 1024

// Handler serves the OAuth authorization server HTTP endpoints.
type Handler struct {
	flow    *FlowController
	clients *ClientRegistry

	// issuer is the external base URL of this server, without a trailing slash.
	issuer string

	// resource is the MCP resource URL advertised in the RFC 9728
	// protected resource metadata.
	resource string
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(flow *FlowController, clients *ClientRegistry, issuer, resource string) *Handler {
	return &Handler{
		flow:     flow,
		clients:  clients,
		issuer:   strings.TrimSuffix(issuer, "/"),
		resource: resource,
	}
}

// Routes returns a router with all OAuth endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(CORS)
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the OAuth endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/authorize", h.AuthorizeHandler)
	r.Post("/authorize", h.AuthorizeHandler)
	r.Get("/oauth/callback", h.CallbackHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Post("/register", h.RegisterClientHandler)
}

// WellKnownRoutes registers the discovery endpoints on the provided router.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
	r.Get("/.well-known/oauth-protected-resource", h.ProtectedResourceHandler)
}

// CORS allows browser-based MCP clients to hit the OAuth and
// discovery endpoints cross-origin. It must run before routing so
// preflight requests short-circuit to 204.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, mcp-protocol-version")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// AuthorizeHandler handles GET and POST /authorize requests. It validates
// the client's authorization request and redirects to the upstream IDP.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "malformed authorization request", http.StatusBadRequest)
		return
	}
	q := req.Form

	beginReq := &BeginRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if scope := q.Get("scope"); scope != "" {
		beginReq.Scopes = strings.Fields(scope)
	}

	// Errors before the redirect URI is validated cannot be sent to the
	// client callback.
	if responseType := q.Get("response_type"); responseType != "code" {
		h.authorizeError(w, req, beginReq, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	if !h.clients.AllowsRedirect(beginReq.ClientID, beginReq.RedirectURI) {
		http.Error(w, "redirect_uri is not registered for this client", http.StatusBadRequest)
		return
	}

	result, err := h.flow.Begin(req.Context(), beginReq)
	if err != nil {
		logger.Warnw("authorization request rejected", "error", err.Error())
		switch auth.TypeOf(err) {
		case auth.ErrPKCEVerificationFailed:
			h.authorizeError(w, req, beginReq, "invalid_request", "PKCE with S256 is required")
		case auth.ErrInvalidState:
			http.Error(w, "invalid authorization request", http.StatusBadRequest)
		default:
			h.authorizeError(w, req, beginReq, "server_error", "failed to start authorization")
		}
		return
	}

	http.Redirect(w, req, result.UpstreamURL, http.StatusFound)
}

// authorizeError redirects an authorization error back to the client per
// RFC 6749 Section 4.1.2.1, falling back to a plain error response when
// the redirect URI itself is unusable.
func (h *Handler) authorizeError(w http.ResponseWriter, req *http.Request, beginReq *BeginRequest, code, description string) {
	if validateRedirectURI(beginReq.RedirectURI) != nil {
		http.Error(w, description, http.StatusBadRequest)
		return
	}
	redirectWithError(w, req, beginReq.RedirectURI, beginReq.State, code, description)
}

// redirectWithError sends an OAuth error to the client's redirect URI.
func redirectWithError(w http.ResponseWriter, req *http.Request, redirectURI, state, code, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, description, http.StatusBadRequest)
		return
	}
	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, req, u.String(), http.StatusFound)
}

// CallbackHandler handles GET /oauth/callback requests from the upstream
// IDP. It redeems the upstream code and redirects back to the client with
// our own single-use authorization code.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()

	if errorParam := q.Get("error"); errorParam != "" {
		logger.Warnw("upstream IDP returned error",
			"error", errorParam,
			"error_description", q.Get("error_description"),
		)
		// The pending authorization is consumed so the client cannot be
		// located; show the error directly.
		http.Error(w, "upstream authentication failed: "+errorParam, http.StatusBadGateway)
		return
	}

	result, err := h.flow.HandleCallback(req.Context(), &CallbackRequest{
		Code:  q.Get("code"),
		State: q.Get("state"),
	})
	if err != nil {
		switch auth.TypeOf(err) {
		case auth.ErrInvalidState:
			http.Error(w, "authorization request not found or already used", http.StatusBadRequest)
		case auth.ErrExpiredAuthorization:
			http.Error(w, "authorization request expired, please retry", http.StatusBadRequest)
		case auth.ErrExchangeRejected:
			http.Error(w, "upstream identity could not be verified", http.StatusBadGateway)
		default:
			http.Error(w, "failed to complete upstream authentication", http.StatusBadGateway)
		}
		return
	}

	u, err := url.Parse(result.RedirectURI)
	if err != nil {
		http.Error(w, "stored redirect URI is invalid", http.StatusInternalServerError)
		return
	}
	cq := u.Query()
	cq.Set("code", result.Code)
	if result.ClientState != "" {
		cq.Set("state", result.ClientState)
	}
	u.RawQuery = cq.Encode()

	http.Redirect(w, req, u.String(), http.StatusFound)
}

// TokenHandler handles POST /oauth/token requests. It redeems the
// authorization code for a backend access token.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	if grantType := req.PostFormValue("grant_type"); grantType != "authorization_code" {
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type",
			"only grant_type=authorization_code is supported")
		return
	}

	resp, err := h.flow.ExchangeToken(req.Context(), &TokenRequest{
		Code:         req.PostFormValue("code"),
		CodeVerifier: req.PostFormValue("code_verifier"),
		ClientID:     req.PostFormValue("client_id"),
		RedirectURI:  req.PostFormValue("redirect_uri"),
	})
	if err != nil {
		code, status := tokenErrorFor(err)
		writeTokenError(w, status, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorw("failed to encode token response", "error", err.Error())
	}
}

// tokenErrorFor maps a flow error to an RFC 6749 token error code and
// HTTP status.
func tokenErrorFor(err error) (string, int) {
	switch auth.TypeOf(err) {
	case auth.ErrInvalidState, auth.ErrExpiredAuthorization,
		auth.ErrPKCEVerificationFailed, auth.ErrExchangeRejected:
		return "invalid_grant", http.StatusBadRequest
	case auth.ErrExchangeTransient:
		return "temporarily_unavailable", http.StatusServiceUnavailable
	default:
		return "server_error", http.StatusInternalServerError
	}
}

// writeTokenError writes an RFC 6749 Section 5.2 error response.
func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// RegisterClientHandler handles POST /register requests per RFC 7591.
// Only public clients are supported.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxDCRBodySize)

	if ct := req.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeDCRError(w, http.StatusBadRequest, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "Content-Type must be application/json",
		})
		return
	}

	var dcrReq DCRRequest
	if err := json.NewDecoder(req.Body).Decode(&dcrReq); err != nil {
		writeDCRError(w, http.StatusBadRequest, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "invalid JSON request body",
		})
		return
	}

	client, dcrErr := h.clients.Register(&dcrReq)
	if dcrErr != nil {
		writeDCRError(w, http.StatusBadRequest, dcrErr)
		return
	}

	logger.Debugw("registered new DCR client",
		"client_id", client.ID,
		"client_name", client.Name,
	)

	response := DCRResponse{
		ClientID:                client.ID,
		ClientIDIssuedAt:        client.RegisteredAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.Name,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorw("failed to encode DCR response", "error", err.Error())
	}
}

// writeDCRError writes a DCR error response per RFC 7591 Section 3.2.2.
func writeDCRError(w http.ResponseWriter, statusCode int, dcrErr *DCRError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(dcrErr); err != nil {
		logger.Debugw("failed to encode DCR error response", "error", err.Error())
	}
}
