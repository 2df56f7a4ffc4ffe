// Package server is the HTTP and WebSocket API of the exchange.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/server/handler"
	"github.com/alanyoungcy/p2pmatch/internal/server/middleware"
	"github.com/alanyoungcy/p2pmatch/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	OperatorKey string // empty disables operator auth (standalone only)
	JWTSecret   string
	// PublicRateLimit caps public reads per client per second. 0 disables.
	PublicRateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Archives and Custody may be nil.
type Handlers struct {
	Health   *handler.HealthHandler
	Orders   *handler.OrderHandler
	Market   *handler.MarketHandler
	Trades   *handler.TradeHandler
	Matching *handler.MatchingHandler
	Custody  *handler.CustodyHandler
	Archives *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     *slog.Logger
}

// NewServer creates a Server with every route registered. limiter and wsHub
// may be nil.
func NewServer(cfg Config, h Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	r := NewRouter(cfg, h, wsHub, limiter, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, router: r, logger: logger}
}

// NewRouter builds the route tree. It is separate from NewServer so tests
// can drive it with httptest.
func NewRouter(cfg Config, h Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Operator"},
		MaxAge:         300,
	}))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))

	if wsHub != nil {
		r.Get("/ws", wsHub.HandleWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health.HealthCheck)

		// Public market data.
		r.Group(func(r chi.Router) {
			if limiter != nil && cfg.PublicRateLimit > 0 {
				r.Use(middleware.RateLimit(limiter, "public", cfg.PublicRateLimit, time.Second))
			}
			r.Get("/pairs/{pair}/book", h.Market.OrderBook)
			r.Get("/pairs/{pair}/trades", h.Market.RecentTrades)
		})

		// Custodian webhook, authenticated by HMAC inside the handler.
		if h.Custody != nil {
			r.Post("/custody/callbacks", h.Custody.Callback)
		}

		// User endpoints.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate([]byte(cfg.JWTSecret)))

			r.Post("/orders", h.Orders.SubmitOrder)
			r.Get("/orders", h.Orders.ListOrders)
			r.Get("/orders/{id}", h.Orders.GetOrder)
			r.Delete("/orders/{id}", h.Orders.CancelOrder)

			r.Get("/trades/{id}", h.Trades.GetTrade)
			r.Post("/trades/{id}/confirm-payment", h.Trades.ConfirmPayment)
			r.Post("/trades/{id}/disputes", h.Trades.OpenDispute)
			r.Get("/trades/{id}/dispute", h.Trades.GetDispute)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(middleware.RoleArbiter))
				r.Patch("/trades/{id}/dispute", h.Trades.UpdateDisputeStatus)
				r.Post("/trades/{id}/resolve", h.Trades.ResolveDispute)
			})
		})

		// Operator endpoints.
		r.Group(func(r chi.Router) {
			r.Use(middleware.OperatorKey(cfg.OperatorKey))

			r.Post("/matching/trigger", h.Matching.Trigger)
			r.Post("/matching/pairs/{pair}/resume", h.Matching.Resume)
			r.Get("/metrics", h.Matching.Metrics)
			if h.Archives != nil {
				r.Get("/archives/{kind}", h.Archives.ListArchives)
			}
		})
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
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
