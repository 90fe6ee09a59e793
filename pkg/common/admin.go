package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrav/tally/pkg/common/logger"
)

const shutdownTimeout = 5 * time.Second

// AdminServer serves the process's operational endpoints: Prometheus
// metrics, liveness and readiness probes, and the statsviz runtime
// dashboard.
type AdminServer struct {
	srv   *http.Server
	ready *atomic.Bool
	log   *logger.Logger
}

// NewAdminServer builds the admin mux on addr. Metrics are gathered from
// gatherer, or from the default registry when gatherer is nil.
func NewAdminServer(addr string, gatherer prometheus.Gatherer, ready *atomic.Bool, log *logger.Logger) (*AdminServer, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, "not ready")
			return
		}
		writeStatus(w, http.StatusOK, "ready")
	})
	if err := statsviz.Register(mux); err != nil {
		return nil, fmt.Errorf("registering statsviz: %w", err)
	}

	log = log.With("component", "admin_server")
	return &AdminServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logger.NewStdLogger(log, logger.LevelWarn),
		},
		ready: ready,
		log:   log,
	}, nil
}

// Handler returns the admin mux.
func (s *AdminServer) Handler() http.Handler { return s.srv.Handler }

// Run listens on the configured address and serves until ctx is done.
func (s *AdminServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("admin server listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *AdminServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	s.log.Info(ctx, "admin server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

type statusResponse struct {
	Status string `json:"status"`
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(statusResponse{Status: status})
}
