package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"escalation/internal/config"
)

const serverShutdownGrace = 10 * time.Second

// Server runs the API handler on its configured listen address.
// Params: wrapped http.Server and logger.
// Returns: lifecycle handle for the service layer.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the API server around one handler.
// Params: API config, routed handler, and logger.
// Returns: unstarted server.
func NewServer(cfg config.APIConfig, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves requests until shutdown. Blocking; run on its own goroutine.
// Params: none.
// Returns: listener error other than graceful close.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen on %q: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests within the grace period.
// Params: parent context.
// Returns: shutdown error after grace expiry.
func (s *Server) Shutdown(ctx context.Context) error {
	graceCtx, cancel := context.WithTimeout(ctx, serverShutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(graceCtx)
}
