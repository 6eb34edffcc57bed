// Package server exposes the observability surface: health, metrics, trader
// and roster views, persisted history, dead-letter replay and the live action
// feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/server/handler"
	"github.com/alanyoungcy/copybot/internal/server/middleware"
	"github.com/alanyoungcy/copybot/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // requests per client per minute; 0 disables
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health        *handler.HealthHandler
	Observability *handler.ObservabilityHandler
	DeadLetters   *handler.DeadLetterHandler
	History       *handler.HistoryHandler
}

// Server is the headless HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. hub and
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/metrics", handlers.Observability.Metrics)
	mux.HandleFunc("GET /api/traders", handlers.Observability.ListTraders)
	mux.HandleFunc("GET /api/traders/{address}", handlers.Observability.GetTrader)
	mux.HandleFunc("GET /api/registry", handlers.Observability.Registry)
	mux.HandleFunc("GET /api/sources", handlers.Observability.Sources)

	if handlers.DeadLetters != nil {
		mux.HandleFunc("GET /api/deadletters", handlers.DeadLetters.List)
		mux.HandleFunc("POST /api/deadletters/{id}/replay", handlers.DeadLetters.Replay)
	}

	if handlers.History != nil {
		mux.HandleFunc("GET /api/traders/{address}/observations", handlers.History.Observations)
		mux.HandleFunc("GET /api/actions", handlers.History.Actions)
		mux.HandleFunc("GET /api/actions/{id}", handlers.History.GetAction)
		mux.HandleFunc("GET /api/audit", handlers.History.Audit)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/health")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(h)
	}
	h = middleware.Logging(logger, "/health")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		handler: h,
		logger:  logger,
	}
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
