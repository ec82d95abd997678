// Package metrics exposes the Prometheus metrics of the pipeline.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, pipeline) via promauto to keep packages independent.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is where the promauto metrics of every package are registered,
// and Gatherer is what Handler exposes. Both are the Prometheus defaults.
var (
	Registry prometheus.Registerer = prometheus.DefaultRegisterer
	Gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
)

// Metrics Documentation
//
// Governor Metrics (pkg/ratelimit):
//   - portal_rate_governor_wait_seconds{governor} (Histogram): time waited for a request slot
//   - portal_rate_governor_grants_total{governor} (Counter): granted request slots
//
// Cache Metrics (pkg/cache):
//   - portal_cache_hits_total{layer} (Counter): cache hits by layer (memory, redis)
//   - portal_cache_misses_total{layer} (Counter): cache misses by layer
//   - portal_cache_evictions_total{layer} (Counter): LRU evictions
//   - portal_cache_errors_total{operation} (Counter): cache operation errors
//
// Request Metrics (pkg/client):
//   - portal_requests_total{endpoint, status} (Counter): requests by endpoint and HTTP status
//   - portal_request_duration_seconds{endpoint} (Histogram): request duration by endpoint
//   - portal_errors_total{class} (Counter): errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - portal_retries_total{error_class} (Counter): retry attempts by error class
//   - portal_retry_backoff_seconds{error_class} (Histogram): backoff duration by error class
//   - portal_retry_exhausted_total{error_class} (Counter): requests that exhausted max attempts
//
// Pipeline Metrics (pkg/pipeline):
//   - pipeline_runs_total{program, state} (Counter): driver runs by program era and terminal state
//   - pipeline_pages_total{outcome} (Counter): pages by raw append outcome
//   - pipeline_records_total{result} (Counter): processed and skipped records
//   - pipeline_run_duration_seconds{state} (Histogram): run duration
//
// Example Prometheus Queries:
//
//   # Failed runs per hour
//   increase(pipeline_runs_total{state="failed"}[1h])
//
//   # Rate limited responses
//   rate(portal_errors_total{class="rate_limit"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(portal_request_duration_seconds_bucket[5m]))

// Handler returns the mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		Registry,
		promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}),
	))
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Server serves Handler on an address until its context ends.
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// Listen binds addr (e.g. ":9090" or "127.0.0.1:0").
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr()).Msg("Metrics server listening")
		errCh <- s.srv.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("Metrics server stopped")
		return nil
	}
}
