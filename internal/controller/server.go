// Package controller wires the HTTP surface of the controller: the producer
// API, the worker websocket endpoint, health checks and metrics.
package controller

import (
	"context"
	"net/http"
	"time"

	"workerhub/internal/controller/handlers"
	"workerhub/internal/controller/middleware"

	"go.uber.org/zap"
)

const defaultWriteTimeout = 10 * time.Second

// Options configure the HTTP server.
type Options struct {
	Addr           string
	APIToken       string
	RateLimit      float64
	RateLimitBurst int
	// WriteTimeout bounds API responses. In rpc mode it must outlive the
	// worker timeout so the 504 can still be written.
	WriteTimeout time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP server for the controller.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// New creates a controller server. ws serves worker and dashboard websockets.
func New(opts Options, h *handlers.Handlers, ws http.Handler, logger *zap.Logger) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	authMW := middleware.RequireAPIToken(opts.APIToken)
	limitMW := middleware.NewRateLimiter(opts.RateLimit, opts.RateLimitBurst).Middleware()
	api := func(fn http.HandlerFunc) http.Handler {
		return authMW(fn)
	}

	mux := http.NewServeMux()

	// Producer API
	mux.Handle("POST /api/tasks", limitMW(api(h.SubmitTask)))
	mux.Handle("GET /api/tasks/{id}", api(h.GetTask))
	mux.Handle("GET /api/stats", api(h.Stats))
	mux.Handle("GET /api/nodes", api(h.Nodes))

	// Workers and dashboards authenticate in the handshake itself.
	mux.Handle("GET /ws", ws)

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      middleware.RequestID(logger)(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: opts.WriteTimeout,
		},
		logger: logger,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("controller listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
