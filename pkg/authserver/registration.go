package authserver

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DCR error codes per RFC 7591 Section 3.2.2.
const (
	// DCRErrorInvalidClientMetadata indicates invalid registration metadata.
	DCRErrorInvalidClientMetadata = "invalid_client_metadata"

	// DCRErrorInvalidRedirectURI indicates an invalid redirect URI.
	DCRErrorInvalidRedirectURI = "invalid_redirect_uri"
)

// DCRRequest is an RFC 7591 Dynamic Client Registration request.
type DCRRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// DCRResponse is an RFC 7591 Dynamic Client Registration response.
type DCRResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// DCRError is an RFC 7591 registration error response.
type DCRError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RegisteredClient is a dynamically registered public client.
type RegisteredClient struct {
	ID           string
	Name         string
	RedirectURIs []string
	RegisteredAt time.Time
}

// ClientRegistry holds dynamically registered clients in memory.
// MCP clients register fresh on each session, so like the rest of the
// server state this does not survive a restart.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*RegisteredClient
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*RegisteredClient)}
}

// Register validates a DCR request and registers a new public client.
func (r *ClientRegistry) Register(req *DCRRequest) (*RegisteredClient, *DCRError) {
	if len(req.RedirectURIs) == 0 {
		return nil, &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "redirect_uris is required",
		}
	}
	for _, raw := range req.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return nil, &DCRError{
				Error:            DCRErrorInvalidRedirectURI,
				ErrorDescription: fmt.Sprintf("invalid redirect URI %q: %v", raw, err),
			}
		}
	}
	// Only public clients without a secret are supported.
	if req.TokenEndpointAuthMethod != "" && req.TokenEndpointAuthMethod != "none" {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "only token_endpoint_auth_method \"none\" is supported",
		}
	}
	for _, gt := range req.GrantTypes {
		if gt != "authorization_code" {
			return nil, &DCRError{
				Error:            DCRErrorInvalidClientMetadata,
				ErrorDescription: fmt.Sprintf("unsupported grant type %q", gt),
			}
		}
	}

	client := &RegisteredClient{
		ID:           uuid.NewString(),
		Name:         req.ClientName,
		RedirectURIs: append([]string(nil), req.RedirectURIs...),
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()

	return client, nil
}

// Get returns a registered client by ID.
func (r *ClientRegistry) Get(clientID string) (*RegisteredClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

// AllowsRedirect reports whether a client may use the given redirect URI.
// Unregistered clients are allowed through with any valid URI: MCP clients
// commonly skip registration, and the PKCE binding is what actually
// protects the flow.
func (r *ClientRegistry) AllowsRedirect(clientID, redirectURI string) bool {
	client, ok := r.Get(clientID)
	if !ok {
		return true
	}
	for _, allowed := range client.RedirectURIs {
		if redirectURIMatch(allowed, redirectURI) {
			return true
		}
	}
	return false
}

// redirectURIMatch compares redirect URIs, ignoring the port for loopback
// addresses per RFC 8252 Section 7.3.
func redirectURIMatch(registered, presented string) bool {
	if registered == presented {
		return true
	}
	ru, err1 := url.Parse(registered)
	pu, err2 := url.Parse(presented)
	if err1 != nil || err2 != nil {
		return false
	}
	if ru.Scheme != "http" || pu.Scheme != "http" {
		return false
	}
	if !isLoopbackHost(ru.Hostname()) || !isLoopbackHost(pu.Hostname()) {
		return false
	}
	return ru.Hostname() == pu.Hostname() && ru.Path == pu.Path
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
