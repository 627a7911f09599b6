// Package config loads and validates the server configuration from
// environment variables and optional credential files.
//
// All settings are read through viper with the PROF_ prefix, so
// PROF_AUTH_METHOD maps to the "auth_method" key, PROF_API_KEY to
// "api_key", and so on. Defaults are suitable for local stdio use;
// HTTP deployments are expected to set at least PROF_MCP_MODE=http
// and the OAuth client credentials.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/profitelligence/mcp-server/pkg/logger"
)

// AuthMethod selects how incoming requests are authenticated.
type AuthMethod string

// Supported authentication methods.
const (
	// AuthMethodAPIKey authenticates requests with a Profitelligence API key.
	AuthMethodAPIKey AuthMethod = "api_key"
	// AuthMethodOAuth authenticates requests with OAuth 2.1 bearer tokens.
	AuthMethodOAuth AuthMethod = "oauth"
	// AuthMethodFirebaseJWT authenticates requests with a raw Firebase ID token.
	AuthMethodFirebaseJWT AuthMethod = "firebase_jwt"
	// AuthMethodBoth accepts API keys and OAuth bearer tokens, preferring API keys.
	AuthMethodBoth AuthMethod = "both"
)

// Transport modes for the MCP server.
const (
	ModeStdio = "stdio"
	ModeHTTP  = "http"
)

// Prefixes accepted for Profitelligence API keys.
const (
	APIKeyLivePrefix = "pk_live_"
	APIKeyTestPrefix = "pk_test_"
)

// Config holds the fully resolved server configuration.
// All values are plain data; file-based credentials are loaded during Load.
type Config struct {
	// AuthMethod selects the credential types accepted by the server.
	AuthMethod AuthMethod `mapstructure:"auth_method"`

	// APIKey is a server-wide Profitelligence API key. Optional: in
	// multi-tenant deployments clients supply keys per request instead.
	APIKey string `mapstructure:"api_key"`

	// OAuth contains the OAuth 2.1 authorization server settings.
	OAuth OAuthConfig `mapstructure:",squash"`

	// Firebase contains the token exchange settings.
	Firebase FirebaseConfig `mapstructure:",squash"`

	// AllowAnonymous permits requests with no credential to pass through
	// with a subjectless identity. Off unless explicitly enabled.
	AllowAnonymous bool `mapstructure:"allow_anonymous"`

	// APIBaseURL is the base URL of the Profitelligence backend API.
	APIBaseURL string `mapstructure:"api_base_url"`

	// MCPServerURL is the public URL of this server's MCP endpoint,
	// advertised in OAuth protected resource metadata.
	MCPServerURL string `mapstructure:"mcp_server_url"`

	// Mode is the transport mode, "stdio" or "http".
	Mode string `mapstructure:"mcp_mode"`

	// Host and Port configure the HTTP listener when Mode is "http".
	Host string `mapstructure:"mcp_host"`
	Port int    `mapstructure:"mcp_port"`
}

// OAuthConfig configures the proxied OAuth 2.1 flow against the upstream
// identity provider (Google by default).
type OAuthConfig struct {
	// Enabled reports whether the OAuth endpoints are mounted.
	// Auto-enabled when AuthMethod is "oauth" or "both".
	Enabled bool `mapstructure:"oauth_enabled"`

	// ClientID and ClientSecret identify this server to the upstream IDP.
	// The secret may be empty for public clients relying on PKCE.
	ClientID     string `mapstructure:"oauth_client_id"`
	ClientSecret string `mapstructure:"oauth_client_secret"`

	// ClientConfigPath optionally points at a Google-style OAuth client
	// JSON file from which ClientID/ClientSecret are loaded when unset.
	ClientConfigPath string `mapstructure:"oauth_client_config_path"`

	// Issuer is the upstream authorization server issuer URL.
	Issuer string `mapstructure:"oauth_issuer"`

	// Audience is the expected audience of validated tokens.
	Audience string `mapstructure:"oauth_audience"`

	// JWKSURI overrides the JWKS endpoint discovered from the issuer.
	JWKSURI string `mapstructure:"oauth_jwks_uri"`

	// AuthorizeURL and TokenURL are the upstream OAuth endpoints.
	AuthorizeURL string `mapstructure:"oauth_auth_url"`
	TokenURL     string `mapstructure:"oauth_token_url"`

	// StateTTL bounds how long a pending authorization may wait for its
	// callback; CodeTTL bounds the lifetime of minted authorization codes.
	StateTTL time.Duration `mapstructure:"oauth_state_ttl"`
	CodeTTL  time.Duration `mapstructure:"oauth_code_ttl"`
}

// FirebaseConfig configures the Google-to-Firebase token exchange.
type FirebaseConfig struct {
	// WebAPIKey authorizes calls to the identitytoolkit signInWithIdp
	// endpoint. Required when OAuth is enabled.
	WebAPIKey string `mapstructure:"firebase_web_api_key"`

	// IDToken and RefreshToken support the legacy firebase_jwt method
	// where a pre-issued token is supplied directly.
	IDToken      string `mapstructure:"firebase_id_token"`
	RefreshToken string `mapstructure:"firebase_refresh_token"`
}

// setDefaults registers defaults on the given viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("auth_method", string(AuthMethodAPIKey))
	v.SetDefault("allow_anonymous", false)
	v.SetDefault("oauth_enabled", false)
	v.SetDefault("oauth_issuer", "https://accounts.google.com")
	v.SetDefault("oauth_audience", "profitelligence")
	v.SetDefault("oauth_jwks_uri", "https://www.googleapis.com/oauth2/v3/certs")
	v.SetDefault("oauth_auth_url", "https://accounts.google.com/o/oauth2/v2/auth")
	v.SetDefault("oauth_token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("oauth_state_ttl", 15*time.Minute)
	v.SetDefault("oauth_code_ttl", 10*time.Minute)
	v.SetDefault("api_base_url", "https://apollo.profitelligence.com")
	v.SetDefault("mcp_server_url", "https://mcp-dev.profitelligence.com/mcp")
	v.SetDefault("mcp_mode", ModeStdio)
	v.SetDefault("mcp_host", "0.0.0.0")
	v.SetDefault("mcp_port", 3000)
}

// Load reads the configuration from the environment, resolves any
// file-based credentials and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROF")
	v.AutomaticEnv()
	setDefaults(v)

	// AutomaticEnv alone does not surface env vars through Unmarshal,
	// so bind each key explicitly.
	for _, key := range []string{
		"auth_method", "api_key", "allow_anonymous",
		"oauth_enabled", "oauth_client_id", "oauth_client_secret",
		"oauth_client_config_path", "oauth_issuer", "oauth_audience",
		"oauth_jwks_uri", "oauth_auth_url", "oauth_token_url",
		"oauth_state_ttl", "oauth_code_ttl",
		"firebase_web_api_key", "firebase_id_token", "firebase_refresh_token",
		"api_base_url", "mcp_server_url",
		"mcp_mode", "mcp_host", "mcp_port",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	// The Firebase web API key historically lived under an unprefixed
	// env var as well.
	if cfg.Firebase.WebAPIKey == "" {
		cfg.Firebase.WebAPIKey = os.Getenv("FIREBASE_WEB_API_KEY")
	}

	if err := cfg.resolveOAuthClientFile(); err != nil {
		return nil, err
	}

	if cfg.AuthMethod == AuthMethodOAuth || cfg.AuthMethod == AuthMethodBoth {
		cfg.OAuth.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// oauthClientFile matches the Google OAuth client JSON download format,
// which nests the credentials under a "web" key, as well as a flat layout.
type oauthClientFile struct {
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// resolveOAuthClientFile fills in ClientID/ClientSecret from the client
// config file when they were not supplied via environment variables.
func (c *Config) resolveOAuthClientFile() error {
	if c.OAuth.ClientConfigPath == "" {
		return nil
	}
	if c.OAuth.ClientID != "" && c.OAuth.ClientSecret != "" {
		logger.Debug("OAuth credentials already provided via env vars, skipping file load")
		return nil
	}

	data, err := os.ReadFile(c.OAuth.ClientConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("OAuth client config file not found: %s", c.OAuth.ClientConfigPath)
			return nil
		}
		return fmt.Errorf("failed to read OAuth client config from %s: %w", c.OAuth.ClientConfigPath, err)
	}

	var file oauthClientFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse OAuth client config from %s: %w", c.OAuth.ClientConfigPath, err)
	}

	clientID, clientSecret := file.Web.ClientID, file.Web.ClientSecret
	if clientID == "" && clientSecret == "" {
		clientID, clientSecret = file.ClientID, file.ClientSecret
	}

	if c.OAuth.ClientID == "" && clientID != "" {
		c.OAuth.ClientID = clientID
		logger.Infof("Loaded oauth_client_id from %s", c.OAuth.ClientConfigPath)
	}
	if c.OAuth.ClientSecret == "" && clientSecret != "" {
		c.OAuth.ClientSecret = clientSecret
		logger.Infof("Loaded oauth_client_secret from %s", c.OAuth.ClientConfigPath)
	}
	return nil
}

// ValidAPIKey reports whether key carries a recognized API key prefix.
func ValidAPIKey(key string) bool {
	return strings.HasPrefix(key, APIKeyLivePrefix) || strings.HasPrefix(key, APIKeyTestPrefix)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.AuthMethod {
	case AuthMethodAPIKey, AuthMethodOAuth, AuthMethodFirebaseJWT, AuthMethodBoth:
	default:
		return fmt.Errorf("auth_method must be %q, %q, %q or %q, got %q",
			AuthMethodAPIKey, AuthMethodOAuth, AuthMethodBoth, AuthMethodFirebaseJWT, c.AuthMethod)
	}

	// The server-wide API key is optional, but must look like one when set.
	if c.APIKey != "" && !ValidAPIKey(c.APIKey) {
		return fmt.Errorf("api_key must start with %q or %q", APIKeyLivePrefix, APIKeyTestPrefix)
	}

	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("api_base_url must start with http:// or https://, got %q", c.APIBaseURL)
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")

	if c.Mode != ModeStdio && c.Mode != ModeHTTP {
		return fmt.Errorf("mcp_mode must be %q or %q, got %q", ModeStdio, ModeHTTP, c.Mode)
	}

	if c.AuthMethod == AuthMethodFirebaseJWT && c.Firebase.IDToken == "" && c.Firebase.RefreshToken == "" {
		return fmt.Errorf("either firebase_id_token or firebase_refresh_token is required when auth_method is %q",
			AuthMethodFirebaseJWT)
	}

	if c.OAuth.Enabled {
		if c.OAuth.ClientID == "" {
			return fmt.Errorf("oauth_client_id is required when OAuth is enabled")
		}
		if c.Firebase.WebAPIKey == "" {
			return fmt.Errorf("firebase_web_api_key is required when OAuth is enabled")
		}
	}
	return nil
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL derives the server's external base URL from MCPServerURL by
// stripping the MCP endpoint path. OAuth endpoints and discovery
// documents are advertised relative to this URL.
func (c *Config) BaseURL() string {
	base := strings.TrimRight(c.MCPServerURL, "/")
	return strings.TrimSuffix(base, "/mcp")
}
