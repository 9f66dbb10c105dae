package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/fogwatch/service/metrics"
	"github.com/brojonat/fogwatch/service/query"
)

// Server is the read-only HTTP API polled by the dashboard.
type Server struct {
	addr     string
	query    *query.Service
	cache    *aggregateCache
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server.
// Aggregates are cached for cacheTTL; zero disables caching.
// gatherer backs /metrics and may be nil, in which case the endpoint is not served.
func New(addr string, svc *query.Service, cacheTTL time.Duration, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		query:    svc,
		cache:    newAggregateCache(cacheTTL, m),
		metrics:  m,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Handler builds the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/nodes", "/api/v1/nodes", handleListNodes(s.query, s.logger))
	route("GET /api/v1/nodes/{node_id}", "/api/v1/nodes/{node_id}", handleGetNode(s.query, s.logger))
	route("GET /api/v1/transactions", "/api/v1/transactions", handleListTransactions(s.query, s.logger))
	route("GET /api/v1/fraud-results", "/api/v1/fraud-results", handleListFraudResults(s.query, s.logger))
	route("GET /api/v1/stats/fraud-rate", "/api/v1/stats/fraud-rate", handleFraudRate(s.query, s.cache, s.logger))
	route("GET /api/v1/stats/volume", "/api/v1/stats/volume", handleVolume(s.query, s.cache, s.logger))
	route("GET /api/v1/stats/summary", "/api/v1/stats/summary", handleSummary(s.query, s.cache, s.logger))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return corsMiddleware(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	defer s.cache.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
