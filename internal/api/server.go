package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
	"github.com/ignite/cohort-estimator/internal/store"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store          store.Store
	health         *HealthChecker
	allowedOrigins []string
	httpServer     *http.Server
}

// NewServer creates an introspection server over st. health may be nil.
func NewServer(st store.Store, health *HealthChecker, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	return &Server{store: st, health: health, allowedOrigins: allowedOrigins}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("introspection server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

type ctxKey int

const runKey ctxKey = iota

func runFrom(ctx context.Context) domain.Run {
	r, _ := ctx.Value(runKey).(domain.Run)
	return r
}
