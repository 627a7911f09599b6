package authserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/profitelligence/mcp-server/pkg/authserver/crypto"
	"github.com/profitelligence/mcp-server/pkg/logger"
)

// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for discovery
// endpoints (1 hour), aligned with Google's OIDC discovery cache policy.
const DefaultDiscoveryCacheMaxAge = 3600

// AuthorizationServerMetadata is the OAuth 2.0 Authorization Server
// Metadata document per RFC 8414.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// ProtectedResourceMetadata is the OAuth 2.0 Protected Resource Metadata
// document per RFC 9728.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// buildOAuthMetadata constructs the RFC 8414 metadata for this server.
func (h *Handler) buildOAuthMetadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            h.issuer,
		AuthorizationEndpoint:             h.issuer + "/authorize",
		TokenEndpoint:                     h.issuer + "/oauth/token",
		RegistrationEndpoint:              h.issuer + "/register",
		ScopesSupported:                   []string{"openid", "profile", "email"},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{crypto.PKCEChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server
// requests per RFC 8414.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	writeDiscovery(w, h.buildOAuthMetadata())
}

// ProtectedResourceHandler handles GET /.well-known/oauth-protected-resource
// requests per RFC 9728. MCP clients hit this endpoint after a 401 to
// discover the authorization server.
func (h *Handler) ProtectedResourceHandler(w http.ResponseWriter, _ *http.Request) {
	resource := h.resource
	if resource == "" {
		resource = h.issuer
	}
	writeDiscovery(w, ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{h.issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        []string{"openid", "profile", "email"},
	})
}

func writeDiscovery(w http.ResponseWriter, doc any) {
	data, err := json.Marshal(doc)
	if err != nil {
		logger.Errorw("failed to encode discovery document", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
