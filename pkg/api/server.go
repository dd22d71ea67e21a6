package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/balloonfs/balloon/internal/logger"
)

// Server wraps the HTTP server hosting the REST API.
//
// The server supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	config       ServerConfig
	shutdownOnce sync.Once
}

// NewServer creates a new API HTTP server in a stopped state. Call Start()
// to begin serving requests.
func NewServer(config ServerConfig, deps Deps) *Server {
	config.applyDefaults()

	router := NewRouter(deps)

	server := &http.Server{
		Addr:         config.Addr,
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return &Server{
		server: server,
		config: config,
	}
}

// Start starts the API HTTP server and blocks until the context is cancelled
// or an error occurs. Cancellation triggers graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", s.config.Addr)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// Don't use the cancelled ctx; it would abort the drain immediately.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times and
// concurrently with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.KeyError, err.Error())
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}
