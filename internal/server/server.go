package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/config"
	"github.com/ecell-club/membership/internal/http/handlers"
	"github.com/ecell-club/membership/internal/middleware"
	"github.com/ecell-club/membership/internal/storage"
)

// Server wraps an http.Server serving the membership data API.
type Server struct {
	inner *http.Server
}

// NewHandler builds the routed, middleware-wrapped handler. Stores that
// implement handlers.Pinger are pinged by /health.
func NewHandler(cfg config.Config, store storage.Store) http.Handler {
	mux := http.NewServeMux()

	pinger, _ := store.(handlers.Pinger)
	handlers.NewHealthHandler(time.Now(), cfg.DataBackend, pinger).Register(mux)
	handlers.NewUserHandler(store).Register(mux)

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	handlers.NewAdminHandler(store, tokens).Register(mux)

	return middleware.CORS(cfg.CORSOrigins, middleware.Logging(mux))
}

// New returns a server for cfg. Read and write deadlines follow
// ECELL_REQUEST_TIMEOUT so clients and server agree on how long a call may
// take.
func New(cfg config.Config, store storage.Store) *Server {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{inner: &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           NewHandler(cfg, store),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       120 * time.Second,
	}}
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
