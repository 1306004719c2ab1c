// Package server assembles the read API: route registration, middleware, and
// lifecycle of the underlying http.Server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/perpdex/perpindexer/internal/server/handler"
	"github.com/perpdex/perpindexer/internal/server/middleware"
	"github.com/perpdex/perpindexer/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
}

// Handlers aggregates the endpoint handlers the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Assets   *handler.AssetHandler
	Position *handler.PositionHandler
	Buckets  *handler.BucketHandler
	Exposure *handler.ExposureHandler
	Verify   *handler.VerifyHandler
}

// Server is the projection's HTTP + websocket read API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and middleware. wsHub may be nil when no
// signal bus is configured.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /assets", handlers.Assets.ListAssets)
	mux.HandleFunc("GET /assets/{id}", handlers.Assets.GetAsset)

	mux.HandleFunc("GET /position/{id}", handlers.Position.GetPosition)
	mux.HandleFunc("GET /trader/{addr}", handlers.Position.GetTrader)

	mux.HandleFunc("GET /bucket/orders", handlers.Buckets.Orders)
	mux.HandleFunc("GET /bucket/stops", handlers.Buckets.Stops)
	mux.HandleFunc("GET /bucket/orders-range", handlers.Buckets.OrdersRange)
	mux.HandleFunc("GET /bucket/stops-range", handlers.Buckets.StopsRange)
	mux.HandleFunc("GET /bucket/range", handlers.Buckets.Range)

	mux.HandleFunc("GET /exposure", handlers.Exposure.List)
	mux.HandleFunc("GET /exposure/{assetId}", handlers.Exposure.ByAsset)

	mux.HandleFunc("GET /verify/{csvIds}", handlers.Verify.Verify)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start blocks serving requests until the server errors or shuts down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
