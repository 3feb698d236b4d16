package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tokenbay/marketd/internal/domain"
	"github.com/tokenbay/marketd/internal/server/handler"
	"github.com/tokenbay/marketd/internal/server/middleware"
	"github.com/tokenbay/marketd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Per-client request limiting. Disabled when Limiter is nil or
	// RateLimit is zero.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health       *handler.HealthHandler
	Nonces       *handler.NonceHandler
	Listings     *handler.ListingHandler
	Bids         *handler.BidHandler
	Events       *handler.EventHandler
	Collections  *handler.CollectionHandler
	Transactions *handler.TransactionHandler
}

// Server is the headless HTTP + WebSocket API server for the marketplace.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Nonce allocation endpoints.
	mux.HandleFunc("POST /api/nonces", handlers.Nonces.ReserveNonce)
	mux.HandleFunc("POST /api/nonces/range", handlers.Nonces.ReserveNonceRange)
	mux.HandleFunc("GET /api/nonces/{signer}/{nonce}", handlers.Nonces.NonceStatus)

	// Listing endpoints.
	mux.HandleFunc("GET /api/listings", handlers.Listings.ListListings)
	mux.HandleFunc("POST /api/listings", handlers.Listings.CreateListing)
	mux.HandleFunc("GET /api/listings/{id}", handlers.Listings.GetListing)
	mux.HandleFunc("DELETE /api/listings/{id}", handlers.Listings.CancelListing)

	// Bid endpoints.
	mux.HandleFunc("GET /api/bids", handlers.Bids.ListBids)
	mux.HandleFunc("POST /api/bids", handlers.Bids.PlaceBid)
	mux.HandleFunc("GET /api/bids/{id}", handlers.Bids.GetBid)
	mux.HandleFunc("POST /api/bids/{id}/accept", handlers.Bids.AcceptBid)
	mux.HandleFunc("POST /api/bids/{id}/withdraw", handlers.Bids.WithdrawBid)

	// Event reconciliation endpoint (backfills and operational replays).
	mux.HandleFunc("POST /api/events", handlers.Events.ApplyEvent)

	// Collection statistics.
	mux.HandleFunc("GET /api/collections/{contract}/aggregate", handlers.Collections.GetAggregate)

	// Transaction audit trail.
	mux.HandleFunc("GET /api/transactions", handlers.Transactions.ListTransactions)
	mux.HandleFunc("GET /api/transactions/{tx_hash}", handlers.Transactions.GetTransaction)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting when configured.
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, window)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
