// Package exchange converts upstream identity proofs into backend
// credentials. The Profitelligence backend authenticates users with
// Firebase ID tokens, so the OAuth flow ends with a Google-to-Firebase
// exchange against the identitytoolkit signInWithIdp endpoint.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/profitelligence/mcp-server/pkg/logger"
)

const (
	// defaultEndpoint is the Firebase Auth REST API endpoint for federated sign-in.
	defaultEndpoint = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithIdp"

	// providerID identifies Google as the federated identity provider.
	providerID = "google.com"

	// requestURI is required by signInWithIdp but unused for token-based sign-in.
	requestURI = "http://localhost"

	// defaultHTTPTimeout is the timeout for HTTP requests.
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB).
	maxResponseBodySize = 1 << 20
)

// ErrTransient indicates the exchange failed for a reason that may clear
// on retry: network errors, timeouts, or 5xx responses from the backend.
var ErrTransient = errors.New("token exchange failed transiently")

// ErrRejected indicates the backend refused the exchange. Retrying with
// the same subject token will not succeed.
var ErrRejected = errors.New("token exchange rejected")

// defaultHTTPClient is the default HTTP client used for exchange requests.
var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// FirebaseTokens is the result of a successful exchange.
type FirebaseTokens struct {
	// IDToken is the Firebase ID token, used as the bearer credential
	// against the backend API.
	IDToken string

	// RefreshToken allows minting a new ID token when this one expires.
	RefreshToken string

	// ExpiresAt is when the ID token expires.
	ExpiresAt time.Time

	// LocalID is the Firebase UID of the signed-in user.
	LocalID string

	// Email is the user's email per the federated provider.
	Email string

	// EmailVerified reports whether the provider verified the email.
	EmailVerified bool

	// FederatedID is the provider-scoped identity URL.
	FederatedID string
}

// ExpiresIn returns the remaining token lifetime, floored at zero.
func (t *FirebaseTokens) ExpiresIn() time.Duration {
	d := time.Until(t.ExpiresAt)
	if d < 0 {
		return 0
	}
	return d
}

// Config holds the configuration for the Firebase exchange service.
type Config struct {
	// WebAPIKey is the Firebase Web API key authorizing the request.
	WebAPIKey string

	// Endpoint overrides the signInWithIdp URL, for testing.
	Endpoint string

	// HTTPClient is the HTTP client for exchange requests.
	// If nil, a default client with a 30 second timeout is used.
	HTTPClient *http.Client
}

// Validate checks if the Config contains all required fields.
func (c *Config) Validate() error {
	if c.WebAPIKey == "" {
		return fmt.Errorf("WebAPIKey is required")
	}
	if c.Endpoint != "" {
		if _, err := url.Parse(c.Endpoint); err != nil {
			return fmt.Errorf("Endpoint is not a valid URL: %w", err)
		}
	}
	return nil
}

// Service performs Google-to-Firebase token exchanges.
type Service struct {
	config     *Config
	endpoint   string
	httpClient *http.Client
}

// NewService creates a Service from the given config.
func NewService(config *Config) (*Service, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{
		config:     config,
		endpoint:   config.Endpoint,
		httpClient: config.HTTPClient,
	}
	if s.endpoint == "" {
		s.endpoint = defaultEndpoint
	}
	if s.httpClient == nil {
		s.httpClient = defaultHTTPClient
	}
	return s, nil
}

// signInWithIdpRequest is the request body for the signInWithIdp endpoint.
type signInWithIdpRequest struct {
	PostBody            string `json:"postBody"`
	RequestURI          string `json:"requestUri"`
	ReturnSecureToken   bool   `json:"returnSecureToken"`
	ReturnIdpCredential bool   `json:"returnIdpCredential"`
}

// signInWithIdpResponse is the subset of the response we consume.
// The identitytoolkit API returns expiresIn as a decimal string.
type signInWithIdpResponse struct {
	IDToken       string `json:"idToken"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresIn     string `json:"expiresIn"`
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	FederatedID   string `json:"federatedId"`
}

// apiError is the Google API error envelope.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Exchange trades a Google ID token for Firebase tokens. Each call makes
// exactly one request: the subject token is typically single-use, so a
// transient failure ends the flow and the caller restarts authorization.
// Transient failures wrap ErrTransient; rejections wrap ErrRejected.
func (s *Service) Exchange(ctx context.Context, googleIDToken string) (*FirebaseTokens, error) {
	if googleIDToken == "" {
		return nil, fmt.Errorf("%w: subject token is empty", ErrRejected)
	}

	tokens, err := s.exchangeOnce(ctx, googleIDToken)
	if err != nil {
		logger.Warnw("firebase exchange failed", "error", err)
		return nil, err
	}

	logger.Infow("firebase exchange succeeded",
		"local_id", tokens.LocalID,
		"expires_in", tokens.ExpiresIn().String())
	return tokens, nil
}

// exchangeOnce performs a single signInWithIdp request.
func (s *Service) exchangeOnce(ctx context.Context, googleIDToken string) (*FirebaseTokens, error) {
	reqBody := signInWithIdpRequest{
		PostBody:            fmt.Sprintf("id_token=%s&providerId=%s", googleIDToken, providerID),
		RequestURI:          requestURI,
		ReturnSecureToken:   true,
		ReturnIdpCredential: true,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exchange request: %w", err)
	}

	endpoint := s.endpoint + "?key=" + url.QueryEscape(s.config.WebAPIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// Network-level failure: DNS, connect, timeout. Worth retrying.
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := parseAPIError(body)
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}

	var parsed signInWithIdpResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", ErrRejected, err)
	}
	if parsed.IDToken == "" {
		return nil, fmt.Errorf("%w: response missing idToken", ErrRejected)
	}

	expiresIn, err := strconv.Atoi(parsed.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}

	return &FirebaseTokens{
		IDToken:       parsed.IDToken,
		RefreshToken:  parsed.RefreshToken,
		ExpiresAt:     time.Now().Add(time.Duration(expiresIn) * time.Second),
		LocalID:       parsed.LocalID,
		Email:         parsed.Email,
		EmailVerified: parsed.EmailVerified,
		FederatedID:   parsed.FederatedID,
	}, nil
}

// parseAPIError extracts the message from a Google API error envelope,
// falling back to the raw body.
func parseAPIError(body []byte) string {
	var envelope apiError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}
