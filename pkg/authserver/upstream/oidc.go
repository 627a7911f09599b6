package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/profitelligence/mcp-server/pkg/logger"
)

// OIDCConfig configures an OIDCProvider.
type OIDCConfig struct {
	// Issuer is the URL of the upstream OIDC provider
	// (e.g. https://accounts.google.com). Endpoints are fetched from
	// {Issuer}/.well-known/openid-configuration.
	Issuer string

	// ClientID and ClientSecret identify us to the upstream IDP.
	// ClientSecret may be empty for public clients.
	ClientID     string
	ClientSecret string

	// RedirectURI is our callback URL registered with the IDP.
	RedirectURI string

	// Scopes requested upstream. Defaults to openid, profile, email.
	// The openid scope is mandatory.
	Scopes []string

	// AuthorizationEndpoint and TokenEndpoint override the discovered
	// endpoints when set. Both must be set together.
	AuthorizationEndpoint string
	TokenEndpoint         string
}

// Validate checks that OIDCConfig has all required fields.
func (c *OIDCConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required for OIDC providers")
	}
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect URI is required")
	}
	if (c.AuthorizationEndpoint == "") != (c.TokenEndpoint == "") {
		return errors.New("authorization and token endpoint overrides must be set together")
	}
	return nil
}

// OIDCProvider implements Provider for OIDC-compliant identity providers.
// It uses go-oidc for discovery and ID token validation and
// golang.org/x/oauth2 for the code exchange itself.
type OIDCProvider struct {
	config       *OIDCConfig
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	httpClient   *http.Client
}

// OIDCProviderOption configures an OIDCProvider.
type OIDCProviderOption func(*OIDCProvider)

// WithHTTPClient sets a custom HTTP client for the provider.
func WithHTTPClient(client *http.Client) OIDCProviderOption {
	return func(p *OIDCProvider) {
		p.httpClient = client
	}
}

// NewOIDCProvider creates a new OIDC provider. It performs OIDC discovery
// against the issuer and constructs the OAuth2 configuration from the
// discovered endpoints, unless explicit endpoint overrides are configured.
func NewOIDCProvider(ctx context.Context, config *OIDCConfig, opts ...OIDCProviderOption) (*OIDCProvider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger.Debugw("creating OIDC provider",
		"issuer", config.Issuer,
		"client_id", config.ClientID,
	)

	p := &OIDCProvider{
		config:     config,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}

	// Inject our HTTP client into go-oidc via context.
	ctx = oidc.ClientContext(ctx, p.httpClient)
	oidcProvider, err := oidc.NewProvider(ctx, config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	// Without openid the IDP will not return an ID token, and identity
	// resolution depends on one.
	if !slices.Contains(scopes, oidc.ScopeOpenID) {
		return nil, errors.New("openid scope is required for OIDC provider")
	}

	endpoint := oidcProvider.Endpoint()
	if config.AuthorizationEndpoint != "" {
		endpoint.AuthURL = config.AuthorizationEndpoint
		endpoint.TokenURL = config.TokenEndpoint
	}
	if err := validateEndpointOrigins(config.Issuer, endpoint.AuthURL, endpoint.TokenURL); err != nil {
		return nil, err
	}

	// AuthStyleInParams sends client credentials in the request body for
	// consistent behavior across IDP implementations.
	p.oauth2Config = &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  config.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoint.AuthURL,
			TokenURL:  endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	p.verifier = oidcProvider.Verifier(&oidc.Config{
		ClientID: config.ClientID,
	})

	logger.Debugw("oidc provider created successfully",
		"issuer", config.Issuer,
		"auth_url", endpoint.AuthURL,
	)

	return p, nil
}

// AuthorizationURL builds the URL to redirect the user to the upstream IDP.
// Offline access is requested so the upstream grants a refresh token.
func (p *OIDCProvider) AuthorizationURL(state, codeChallenge, nonce string) (string, error) {
	if state == "" {
		return "", errors.New("state is required")
	}
	if codeChallenge == "" {
		return "", errors.New("code challenge is required")
	}

	authOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.AccessTypeOffline,
	}
	if nonce != "" {
		authOpts = append(authOpts, oidc.Nonce(nonce))
	}
	return p.oauth2Config.AuthCodeURL(state, authOpts...), nil
}

// ExchangeCodeForIdentity exchanges an authorization code for tokens and
// validates the ID token (including nonce) in a single operation.
// Per OIDC Core Section 3.1.3.3, the ID token MUST be present.
func (p *OIDCProvider) ExchangeCodeForIdentity(
	ctx context.Context, code, codeVerifier, nonce string,
) (*Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: ID token required for OIDC provider", ErrIdentityResolutionFailed)
	}

	idToken, err := p.validateIDToken(ctx, rawIDToken, nonce)
	if err != nil {
		logger.Debugw("id token validation failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse ID token claims: %w", ErrIdentityResolutionFailed, err)
	}

	logger.Debugw("authorization code exchange successful",
		"has_refresh_token", token.RefreshToken != "",
		"expires_at", token.Expiry.Format(time.RFC3339),
	)

	return &Identity{
		Tokens: Tokens{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			IDToken:      rawIDToken,
			ExpiresAt:    token.Expiry,
		},
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// validateIDToken validates an ID token and its nonce binding.
func (p *OIDCProvider) validateIDToken(ctx context.Context, rawIDToken, nonce string) (*oidc.IDToken, error) {
	token, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	if nonce != "" {
		if token.Nonce == "" {
			return nil, ErrNonceMissing
		}
		if token.Nonce != nonce {
			return nil, ErrNonceMismatch
		}
	}
	return token, nil
}

// validateEndpointOrigins enforces HTTPS on the OAuth endpoints for
// non-localhost issuers. Host matching is intentionally not enforced:
// major providers serve their endpoints from different hosts than the
// issuer (Google uses accounts.google.com and oauth2.googleapis.com).
func validateEndpointOrigins(issuer string, endpoints ...string) error {
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if isLocalhost(issuerURL.Hostname()) {
		return nil
	}
	for _, endpoint := range endpoints {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid endpoint URL %q: %w", endpoint, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("endpoint %q must use HTTPS for non-localhost issuers", endpoint)
		}
	}
	return nil
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
