// Package authserver implements the OAuth 2.1 authorization server that
// fronts the Google sign-in and Firebase token exchange: clients authorize
// with PKCE, the server brokers the upstream login, and the token endpoint
// redeems single-use codes for backend-scoped access tokens.
package authserver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/profitelligence/mcp-server/pkg/auth"
	"github.com/profitelligence/mcp-server/pkg/authserver/crypto"
	"github.com/profitelligence/mcp-server/pkg/authserver/exchange"
	"github.com/profitelligence/mcp-server/pkg/authserver/storage"
	"github.com/profitelligence/mcp-server/pkg/authserver/upstream"
	"github.com/profitelligence/mcp-server/pkg/logger"
)

// FlowController drives the authorization flow: it stores pending
// authorizations, consumes the upstream callback, mints single-use codes
// and redeems them for backend tokens. All flow-level failures are
// reported as auth package errors so handlers can map them to OAuth
// error responses uniformly.
type FlowController struct {
	store     storage.Store
	upstream  upstream.Provider
	exchanger *exchange.Service
}

// NewFlowController creates a FlowController from its dependencies.
func NewFlowController(store storage.Store, up upstream.Provider, exchanger *exchange.Service) (*FlowController, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if up == nil {
		return nil, errors.New("upstream provider is required")
	}
	if exchanger == nil {
		return nil, errors.New("exchange service is required")
	}
	return &FlowController{store: store, upstream: up, exchanger: exchanger}, nil
}

// BeginRequest is a client's parsed /authorize request.
type BeginRequest struct {
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
}

// BeginResult tells the handler where to send the user.
type BeginResult struct {
	// UpstreamURL is the upstream IDP authorization URL to redirect to.
	UpstreamURL string

	// InternalState correlates the upstream callback with this flow.
	InternalState string

	// State is the flow state after the redirect is issued.
	State FlowState
}

// Begin validates an authorization request, stores the pending
// authorization and returns the upstream redirect. The flow moves
// INIT -> AUTHORIZING.
func (f *FlowController) Begin(ctx context.Context, req *BeginRequest) (*BeginResult, error) {
	if req.ClientID == "" {
		return nil, auth.NewInvalidStateError("client_id is required", nil)
	}
	if err := validateRedirectURI(req.RedirectURI); err != nil {
		return nil, auth.NewInvalidStateError("invalid redirect_uri", err)
	}
	if req.CodeChallenge == "" {
		return nil, auth.NewPKCEVerificationFailedError("code_challenge is required", nil)
	}
	if req.CodeChallengeMethod != crypto.PKCEChallengeMethodS256 {
		return nil, auth.NewPKCEVerificationFailedError(
			fmt.Sprintf("code_challenge_method must be %s", crypto.PKCEChallengeMethodS256), nil)
	}

	// Separate secrets for the upstream leg: our own state, PKCE pair
	// and nonce, never the client's.
	internalState := rand.Text()
	upstreamVerifier := crypto.GeneratePKCEVerifier()
	nonce := rand.Text()

	pending := &storage.PendingAuthorization{
		ClientID:             req.ClientID,
		RedirectURI:          req.RedirectURI,
		State:                req.State,
		PKCEChallenge:        req.CodeChallenge,
		PKCEMethod:           req.CodeChallengeMethod,
		Scopes:               req.Scopes,
		InternalState:        internalState,
		UpstreamPKCEVerifier: upstreamVerifier,
		UpstreamNonce:        nonce,
		CreatedAt:            time.Now(),
	}

	if err := f.store.StorePendingAuthorization(ctx, internalState, pending); err != nil {
		return nil, fmt.Errorf("failed to store pending authorization: %w", err)
	}

	upstreamURL, err := f.upstream.AuthorizationURL(internalState, crypto.ComputePKCEChallenge(upstreamVerifier), nonce)
	if err != nil {
		_, _ = f.store.ConsumePendingAuthorization(ctx, internalState)
		return nil, fmt.Errorf("failed to build upstream authorization URL: %w", err)
	}

	state, err := transition(FlowStateInit, FlowStateAuthorizing)
	if err != nil {
		return nil, err
	}

	logger.Infow("redirecting to upstream IDP",
		"client_id", req.ClientID,
		"scope_count", len(req.Scopes),
	)

	return &BeginResult{
		UpstreamURL:   upstreamURL,
		InternalState: internalState,
		State:         state,
	}, nil
}

// CallbackRequest is the parsed upstream IDP callback.
type CallbackRequest struct {
	Code  string
	State string
}

// CallbackResult tells the handler how to redirect back to the client.
type CallbackResult struct {
	// RedirectURI is the client's original callback URL.
	RedirectURI string

	// ClientState is the client's original state parameter.
	ClientState string

	// Code is the single-use authorization code minted for the client.
	Code string

	// State is the flow state after the code is minted.
	State FlowState
}

// HandleCallback consumes the pending authorization atomically, exchanges
// the upstream code for an identity and mints a single-use authorization
// code for the client. The flow moves AUTHORIZING -> CALLBACK_PENDING.
// A replayed or unknown state wins nothing: the stored record is consumed
// exactly once.
func (f *FlowController) HandleCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error) {
	state := FlowStateAuthorizing

	if req.State == "" {
		return nil, auth.NewInvalidStateError("missing state parameter", nil)
	}
	if req.Code == "" {
		return nil, auth.NewInvalidStateError("missing code parameter", nil)
	}

	pending, err := f.store.ConsumePendingAuthorization(ctx, req.State)
	switch {
	case errors.Is(err, storage.ErrExpired):
		state, _ = transition(state, FlowStateExpired)
		logger.Warnw("authorization expired before callback", "flow_state", state)
		return nil, auth.NewExpiredAuthorizationError("authorization request expired", err)
	case errors.Is(err, storage.ErrNotFound):
		state, _ = transition(state, FlowStateInvalidState)
		logger.Warnw("callback with unknown or replayed state", "flow_state", state)
		return nil, auth.NewInvalidStateError("authorization request not found or already used", err)
	case err != nil:
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	identity, err := f.upstream.ExchangeCodeForIdentity(ctx, req.Code, pending.UpstreamPKCEVerifier, pending.UpstreamNonce)
	if err != nil {
		state, _ = transition(state, FlowStateExchangeFailed)
		logger.Errorw("upstream code exchange failed",
			"client_id", pending.ClientID,
			"flow_state", state,
			"error", err.Error(),
		)
		if errors.Is(err, upstream.ErrNonceMismatch) || errors.Is(err, upstream.ErrNonceMissing) {
			return nil, auth.NewExchangeRejectedError("upstream identity could not be verified", err)
		}
		return nil, auth.NewExchangeTransientError("upstream code exchange failed", err)
	}

	code := rand.Text()
	authzCode := &storage.AuthorizationCode{
		Code:            code,
		ClientID:        pending.ClientID,
		RedirectURI:     pending.RedirectURI,
		PKCEChallenge:   pending.PKCEChallenge,
		PKCEMethod:      pending.PKCEMethod,
		Scopes:          pending.Scopes,
		UpstreamIDToken: identity.IDToken,
		Subject:         identity.Subject,
		Email:           identity.Email,
		CreatedAt:       time.Now(),
	}
	if err := f.store.StoreAuthorizationCode(ctx, code, authzCode); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	state, err = transition(state, FlowStateCallbackPending)
	if err != nil {
		return nil, err
	}

	logger.Infow("authorization code minted",
		"client_id", pending.ClientID,
		"subject", identity.Subject,
	)

	return &CallbackResult{
		RedirectURI: pending.RedirectURI,
		ClientState: pending.State,
		Code:        code,
		State:       state,
	}, nil
}

// TokenRequest is a client's parsed /oauth/token request.
type TokenRequest struct {
	Code         string
	CodeVerifier string
	ClientID     string
	RedirectURI  string
}

// TokenResponse is the OAuth token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExchangeToken redeems a single-use authorization code: it verifies the
// client's PKCE proof, exchanges the upstream identity for a backend
// token and records the issued token. The flow moves
// CALLBACK_PENDING -> TOKEN_EXCHANGED -> COMPLETE.
func (f *FlowController) ExchangeToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	state := FlowStateCallbackPending

	if req.Code == "" {
		return nil, auth.NewInvalidStateError("code is required", nil)
	}
	if req.CodeVerifier == "" {
		return nil, auth.NewPKCEVerificationFailedError("code_verifier is required", nil)
	}

	code, err := f.store.ConsumeAuthorizationCode(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrExpired):
		state, _ = transition(state, FlowStateExpired)
		logger.Warnw("authorization code expired", "flow_state", state)
		return nil, auth.NewExpiredAuthorizationError("authorization code expired", err)
	case errors.Is(err, storage.ErrNotFound):
		state, _ = transition(state, FlowStateInvalidState)
		logger.Warnw("unknown or replayed authorization code", "flow_state", state)
		return nil, auth.NewInvalidStateError("authorization code not found or already redeemed", err)
	case err != nil:
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// The code is bound to the client and redirect URI that started the flow.
	if req.ClientID != "" && req.ClientID != code.ClientID {
		return nil, auth.NewInvalidStateError("code was issued to a different client", nil)
	}
	if req.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		return nil, auth.NewInvalidStateError("redirect_uri does not match the authorization request", nil)
	}

	if err := crypto.ValidatePKCEVerifier(req.CodeVerifier); err != nil {
		return nil, auth.NewPKCEVerificationFailedError("invalid code_verifier", err)
	}
	if !crypto.VerifyPKCEChallenge(req.CodeVerifier, code.PKCEChallenge) {
		logger.Warnw("PKCE verification failed", "client_id", code.ClientID)
		return nil, auth.NewPKCEVerificationFailedError("code_verifier does not match code_challenge", nil)
	}

	tokens, err := f.exchanger.Exchange(ctx, code.UpstreamIDToken)
	if err != nil {
		state, _ = transition(state, FlowStateExchangeFailed)
		logger.Errorw("backend token exchange failed",
			"client_id", code.ClientID,
			"flow_state", state,
			"error", err.Error(),
		)
		if errors.Is(err, exchange.ErrRejected) {
			return nil, auth.NewExchangeRejectedError("identity backend rejected the exchange", err)
		}
		return nil, auth.NewExchangeTransientError("identity backend unavailable", err)
	}

	state, err = transition(state, FlowStateTokenExchanged)
	if err != nil {
		return nil, err
	}

	issued := &storage.IssuedToken{
		Subject:   code.Subject,
		Email:     code.Email,
		Scopes:    code.Scopes,
		ExpiresAt: tokens.ExpiresAt,
	}
	if issued.Subject == "" {
		issued.Subject = tokens.LocalID
	}
	if issued.Email == "" {
		issued.Email = tokens.Email
	}
	if err := f.store.StoreIssuedToken(ctx, auth.HashToken(tokens.IDToken), issued); err != nil {
		return nil, fmt.Errorf("failed to record issued token: %w", err)
	}

	if _, err := transition(state, FlowStateComplete); err != nil {
		return nil, err
	}

	logger.Infow("token issued",
		"client_id", code.ClientID,
		"subject", issued.Subject,
	)

	return &TokenResponse{
		AccessToken: tokens.IDToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tokens.ExpiresIn().Seconds()),
	}, nil
}

// validateRedirectURI enforces OAuth 2.1 redirect URI rules for public
// clients: HTTPS, or plain HTTP for loopback addresses only, and no
// fragment component.
func validateRedirectURI(raw string) error {
	if raw == "" {
		return errors.New("redirect_uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri is not a valid URL: %w", err)
	}
	if u.Fragment != "" {
		return errors.New("redirect_uri must not contain a fragment")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return errors.New("http redirect_uri is only allowed for loopback addresses")
	default:
		return fmt.Errorf("unsupported redirect_uri scheme %q", u.Scheme)
	}
}
