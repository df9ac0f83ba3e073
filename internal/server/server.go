// Package server exposes the gateway's observability surface over HTTP:
// liveness, readiness and pool metrics. Query traffic reaches the gateway
// through the transport-agnostic Go API, not through this server.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/txn2/sql-gateway/pkg/gateway"
	"github.com/txn2/sql-gateway/pkg/health"
)

const shutdownTimeout = 10 * time.Second

// Server is the observability HTTP server.
type Server struct {
	gw      *gateway.Gateway
	checker *health.Checker
	logger  *slog.Logger
	httpSrv *http.Server
}

// New creates a server listening on address.
func New(address string, gw *gateway.Gateway, checker *health.Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		gw:      gw,
		checker: checker,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", checker.LivenessHandler())
	mux.HandleFunc("GET /readyz", checker.ReadinessHandler())
	mux.HandleFunc("GET /metrics/pools", s.handlePoolMetrics)

	s.httpSrv = &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe serves until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("observability server listening", "address", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.checker.SetDraining()
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handlePoolMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics := s.gw.Pools().ListMetrics()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(metrics); err != nil {
		s.logger.Warn("writing pool metrics", "error", err)
	}
}
