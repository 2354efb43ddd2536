package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/alanyoungcy/stakeledger/internal/server/handler"
	"github.com/alanyoungcy/stakeledger/internal/server/middleware"
	"github.com/alanyoungcy/stakeledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per RateWindow per client; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Token is nil
// when custody is not backed by the in-process token.
type Handlers struct {
	Health *handler.HealthHandler
	Pool   *handler.PoolHandler
	Stakes *handler.StakeHandler
	Token  *handler.TokenHandler
}

// Server is the HTTP + WebSocket API of the staking ledger.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/pool", handlers.Pool.GetPool)
	mux.HandleFunc("GET /api/apr", handlers.Pool.GetAPR)

	mux.HandleFunc("POST /api/stakes", handlers.Stakes.CreateStake)
	mux.HandleFunc("GET /api/stakes", handlers.Stakes.ListStakes)
	mux.HandleFunc("GET /api/stakes/{id}", handlers.Stakes.GetStake)
	mux.HandleFunc("POST /api/stakes/{id}/unstake", handlers.Stakes.Unstake)
	mux.HandleFunc("POST /api/stakes/{id}/emergency", handlers.Stakes.EmergencyWithdraw)

	if handlers.Token != nil {
		mux.HandleFunc("GET /api/token", handlers.Token.GetToken)
		mux.HandleFunc("GET /api/token/balances/{address}", handlers.Token.GetBalance)
		mux.HandleFunc("POST /api/token/approve", handlers.Token.Approve)
		// Grants move treasury funds, so they only exist behind an API key.
		if cfg.APIKey != "" {
			mux.HandleFunc("POST /api/token/grant", handlers.Token.Grant)
		}
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	})

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler: h,
		logger:  logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
