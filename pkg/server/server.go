// Package server assembles the HTTP surface of the MCP server: health
// endpoints, the OAuth authorization server, and the authenticated
// request pipeline the tool layer mounts behind.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"

	"github.com/profitelligence/mcp-server/pkg/auth"
	"github.com/profitelligence/mcp-server/pkg/authserver"
	"github.com/profitelligence/mcp-server/pkg/authserver/exchange"
	"github.com/profitelligence/mcp-server/pkg/authserver/storage"
	"github.com/profitelligence/mcp-server/pkg/authserver/upstream"
	"github.com/profitelligence/mcp-server/pkg/config"
	"github.com/profitelligence/mcp-server/pkg/logger"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	serverIdleTimeout  = 60 * time.Second

	shutdownTimeout = 30 * time.Second
)

// Server is the assembled HTTP server.
type Server struct {
	cfg        *config.Config
	store      *storage.MemoryStore
	router     chi.Router
	httpServer *http.Server
}

// options holds injectable dependencies, primarily for tests.
type options struct {
	upstreamProvider upstream.Provider
	exchangeService  *exchange.Service
	mcpHandler       http.Handler
}

// Option configures optional Server dependencies.
type Option func(*options)

// WithUpstreamProvider overrides the upstream IDP provider. By default
// the provider is built from the OAuth config via OIDC discovery.
func WithUpstreamProvider(p upstream.Provider) Option {
	return func(o *options) {
		o.upstreamProvider = p
	}
}

// WithExchangeService overrides the Firebase token exchange service.
func WithExchangeService(s *exchange.Service) Option {
	return func(o *options) {
		o.exchangeService = s
	}
}

// WithMCPHandler mounts the MCP protocol handler behind the
// authentication middleware at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(o *options) {
		o.mcpHandler = h
	}
}

// New builds the server from the configuration. When OAuth is enabled
// the upstream provider is resolved via OIDC discovery, which requires
// network access to the issuer.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var storeOpts []storage.MemoryStoreOption
	if cfg.OAuth.StateTTL > 0 {
		storeOpts = append(storeOpts, storage.WithPendingAuthorizationTTL(cfg.OAuth.StateTTL))
	}
	if cfg.OAuth.CodeTTL > 0 {
		storeOpts = append(storeOpts, storage.WithAuthorizationCodeTTL(cfg.OAuth.CodeTTL))
	}
	store := storage.NewMemoryStore(storeOpts...)

	s := &Server{cfg: cfg, store: store}

	var authHandler *authserver.Handler
	if cfg.OAuth.Enabled {
		up := o.upstreamProvider
		if up == nil {
			var err error
			up, err = upstream.NewOIDCProvider(ctx, &upstream.OIDCConfig{
				Issuer:                cfg.OAuth.Issuer,
				ClientID:              cfg.OAuth.ClientID,
				ClientSecret:          cfg.OAuth.ClientSecret,
				RedirectURI:           cfg.BaseURL() + "/oauth/callback",
				AuthorizationEndpoint: cfg.OAuth.AuthorizeURL,
				TokenEndpoint:         cfg.OAuth.TokenURL,
			})
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("failed to create upstream provider: %w", err)
			}
		}

		svc := o.exchangeService
		if svc == nil {
			var err error
			svc, err = exchange.NewService(&exchange.Config{WebAPIKey: cfg.Firebase.WebAPIKey})
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("failed to create exchange service: %w", err)
			}
		}

		flow, err := authserver.NewFlowController(store, up, svc)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		authHandler = authserver.NewHandler(flow, authserver.NewClientRegistry(),
			cfg.BaseURL(), cfg.MCPServerURL)
	}

	authRouter := auth.NewRouter(cfg.AuthMethod,
		auth.WithIssuedTokenStore(store),
		auth.WithServerAPIKey(cfg.APIKey),
		auth.WithServerFirebaseToken(cfg.Firebase.IDToken),
		auth.WithAllowAnonymous(cfg.AllowAnonymous),
	)
	authMW := auth.Middleware(auth.MiddlewareConfig{
		Router:              authRouter,
		Realm:               "profitelligence-mcp",
		ResourceMetadataURL: cfg.BaseURL() + "/.well-known/oauth-protected-resource",
	})

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetryMiddleware("profitelligence-mcp", otel.GetTracerProvider(), otel.GetMeterProvider()))
	r.Use(requestLogger)
	r.Use(authserver.CORS)

	// Public surface: health and the OAuth endpoints clients must reach
	// before they hold a credential.
	r.Get("/", s.healthHandler)
	r.Get("/health", s.healthHandler)
	if authHandler != nil {
		authHandler.OAuthRoutes(r)
		authHandler.WellKnownRoutes(r)
	}

	// Authenticated surface.
	r.Group(func(pr chi.Router) {
		pr.Use(authMW)
		pr.Get("/v1/me", meHandler)
		if o.mcpHandler != nil {
			pr.Mount("/mcp", o.mcpHandler)
		}
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      r,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}
	return s, nil
}

// Handler returns the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the HTTP server until it is shut down.
func (s *Server) ListenAndServe() error {
	logger.Infow("server listening",
		"addr", s.cfg.ListenAddr(),
		"auth_method", string(s.cfg.AuthMethod),
		"oauth_enabled", s.cfg.OAuth.Enabled,
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}
