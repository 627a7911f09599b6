// Package client provides the authenticated HTTP client for the
// Profitelligence API. Clients are request-scoped: each one is built from
// the AuthContext of the MCP request it serves, so credentials never leak
// between users.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/profitelligence/mcp-server/pkg/auth"
	"github.com/profitelligence/mcp-server/pkg/config"
	"github.com/profitelligence/mcp-server/pkg/logger"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxTries     = 3
	maxResponseBodySize = 10 << 20 // 10 MiB

	userAgent = "Profitelligence-MCP/0.1.0"
)

// APIError is a failed Profitelligence API response.
type APIError struct {
	// StatusCode is the HTTP status, 0 for transport-level failures.
	StatusCode int

	// Message summarizes the failure, including any error and message
	// fields from the response body.
	Message string

	// Body is the raw response body, truncated for storage.
	Body string
}

// Error returns the error message.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return "API request failed: " + e.Message
}

// Retryable reports whether the request may be retried.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// AuthFailure reports whether the API rejected the caller's credential.
// Callers use this to tell "re-authenticate" apart from a bad request.
func (e *APIError) AuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client is an authenticated Profitelligence API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authHeader string
	maxTries   uint
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxTries caps retry attempts for idempotent requests.
func WithMaxTries(tries uint) Option {
	return func(c *Client) {
		c.maxTries = tries
	}
}

// New creates a client bound to the credentials in the AuthContext.
// API keys are sent as "Authorization: ApiKey <key>"; OAuth and Firebase
// tokens as "Authorization: Bearer <token>". An anonymous context yields
// a client without an Authorization header.
func New(cfg *config.Config, ac *auth.AuthContext, opts ...Option) (*Client, error) {
	if ac == nil {
		return nil, errors.New("auth context is required")
	}

	var authHeader string
	switch ac.Method {
	case auth.MethodAPIKey:
		if ac.APIKey == "" {
			return nil, errors.New("API key is required for api_key authentication")
		}
		if !config.ValidAPIKey(ac.APIKey) {
			return nil, errors.New("API key must start with pk_live_ or pk_test_")
		}
		authHeader = "ApiKey " + ac.APIKey
	case auth.MethodOAuth, auth.MethodFirebaseJWT:
		if ac.Token == "" {
			return nil, fmt.Errorf("bearer token is required for %s authentication", ac.Method)
		}
		authHeader = "Bearer " + ac.Token
	case auth.MethodAnonymous:
		// Unauthenticated pass-through: the backend decides what an
		// anonymous caller may see.
	default:
		return nil, fmt.Errorf("unsupported auth method %q", ac.Method)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimSuffix(cfg.APIBaseURL, "/"),
		authHeader: authHeader,
		maxTries:   defaultMaxTries,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		return nil, errors.New("API base URL is required")
	}
	return c, nil
}

// Get performs a GET request and returns the raw response body.
// Transport errors and 5xx responses are retried with exponential backoff;
// GETs against the API are idempotent.
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	operation := func() ([]byte, error) {
		body, err := c.do(ctx, http.MethodGet, path, params, nil)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return body, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.maxTries),
	)
}

// GetJSON performs a GET request and decodes the JSON response into v.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, v any) error {
	body, err := c.Get(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode API response: %w", err)
	}
	return nil
}

// Post performs a POST request with a JSON body and returns the raw
// response body. POSTs are not retried.
func (c *Client) Post(ctx context.Context, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, nil, body)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.Debugw("API request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &APIError{Message: "failed to read response body: " + err.Error()}
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(data),
			Body:       string(data),
		}
		logger.Warnw("API request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
		)
		return nil, apiErr
	}

	return data, nil
}

// extractErrorMessage pulls error and message fields out of a JSON error
// body when present.
func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return strings.TrimSpace(string(body))
	}
	switch {
	case envelope.Error != "" && envelope.Message != "":
		return envelope.Error + " - " + envelope.Message
	case envelope.Error != "":
		return envelope.Error
	case envelope.Message != "":
		return envelope.Message
	default:
		return strings.TrimSpace(string(body))
	}
}
