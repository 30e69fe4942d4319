package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusSource is implemented by the engine to report the figures
// /health, /ready, and /status need, without the telemetry package
// importing the engine package back.
type StatusSource interface {
	Healthy() bool
	Ready() bool
	ChainLag() map[string]uint64 // network -> (latest - synced)
}

// Server hosts the operational HTTP surface described in spec.md §6.
type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds a server exposing /health, /ready, /status, and
// /metrics on addr. The teacher splits metrics and health onto two
// separate listeners; this generalizes that into one mux since spec.md §6
// names a single HTTP surface.
func NewServer(addr string, source StatusSource, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler(source))
	mux.HandleFunc("/ready", readyHandler(source))
	mux.HandleFunc("/status", statusHandler(source))

	return &Server{
		http:   &http.Server{Addr: addr, Handler: mux},
		logger: logger.With().Str("component", "telemetry").Logger(),
	}
}

// Start runs the server's ListenAndServe loop until Shutdown is called or
// it fails to bind.
func (s *Server) Start() {
	s.logger.Info().Str("address", s.http.Addr).Msg("starting telemetry server")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error().Err(err).Msg("telemetry server error")
	}
}

// Shutdown gracefully stops the server within the given timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func healthHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !source.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "unhealthy")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "healthy")
	}
}

// readyHandler reports StatusOK only once live-view cutover has happened —
// the visibility point spec.md §4.G names.
func readyHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !source.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not ready")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	}
}

func statusHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy":   source.Healthy(),
			"ready":     source.Ready(),
			"chain_lag": source.ChainLag(),
		})
	}
}
