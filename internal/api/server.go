// Package api serves the read-only HTTP surface of scanledger: queue
// progress, outdated requests, latest results, proxies, health, the
// Prometheus metrics endpoint and the Swagger UI.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/anstrom/scanledger/docs" // registers the OpenAPI document

	"github.com/anstrom/scanledger/internal/api/handlers"
	"github.com/anstrom/scanledger/internal/api/middleware"
	"github.com/anstrom/scanledger/internal/auth"
	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
	idleTimeout           = 60 * time.Second
	maxHeaderBytes        = 1 << 20
)

// Deps holds what the server reads from. Database and Gatherer may be nil.
type Deps struct {
	Database handlers.DatabasePinger
	Queue    handlers.QueueReader
	Results  handlers.ResultReader
	Proxies  handlers.ProxyReader
	Gatherer prometheus.Gatherer
	Recorder metrics.Recorder
	Logger   *logging.Logger
	Version  string
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	stream     *handlers.ProgressStream
	logger     *logging.Logger

	mu       sync.Mutex
	running  bool
	listener net.Listener
}

// New creates a new API server instance.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Queue == nil || deps.Results == nil || deps.Proxies == nil {
		return nil, fmt.Errorf("api server needs queue, results and proxies")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("api")

	// Routes under /api/v1 pass through requireKey; it is a no-op when
	// authentication is off.
	requireKey := func(h http.Handler) http.Handler { return h }
	if cfg.API.Auth.Enabled {
		keys, err := auth.NewKeySet(cfg.API.Auth.KeyHashes)
		if err != nil {
			return nil, err
		}
		requireKey = middleware.Authentication(keys, logger)
		logger.Info("API key authentication enabled", "keys", keys.Len())
	}

	scanners := make([]string, 0, len(cfg.Scanners))
	for _, sc := range cfg.Scanners {
		scanners = append(scanners, sc.Name)
	}
	ledger := handlers.NewLedgerHandler(deps.Queue, deps.Results, deps.Proxies,
		scanners, cfg.Queue.PickupTimeout, logger)
	health := handlers.NewHealthHandler(deps.Database, deps.Version, logger)

	s := &Server{
		router: mux.NewRouter(),
		stream: handlers.NewProgressStream(ledger, cfg.API.ProgressPushPeriod, logger),
		logger: logger,
	}

	s.router.Use(
		middleware.Recovery(logger),
		middleware.Logging(logger),
		middleware.Metrics(metrics.OrNop(deps.Recorder)),
		middleware.SecurityHeaders(),
	)

	s.router.HandleFunc("/healthz", health.Health).Methods(http.MethodGet)
	if deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	if cfg.API.Docs {
		s.router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
			httpSwagger.DeepLinking(true),
			httpSwagger.DocExpansion("none"),
		))
		s.router.HandleFunc("/docs", redirectToSwagger).Methods(http.MethodGet)
	}

	// The stream is long lived and stays outside the request timeout.
	s.router.Handle("/api/v1/progress/stream", requireKey(s.stream)).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(requireKey, middleware.RequestTimeout(cfg.API.RequestTimeout))
	v1.HandleFunc("/progress", ledger.Progress).Methods(http.MethodGet)
	v1.HandleFunc("/outdated", ledger.Outdated).Methods(http.MethodGet)
	v1.HandleFunc("/results", ledger.ListResults).Methods(http.MethodGet)
	v1.HandleFunc("/results/latest", ledger.LatestResult).Methods(http.MethodGet)
	v1.HandleFunc("/results/history", ledger.ResultHistory).Methods(http.MethodGet)
	v1.HandleFunc("/proxies", ledger.ListProxies).Methods(http.MethodGet)
	v1.HandleFunc("/proxies/{id:[0-9]+}", ledger.GetProxy).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              cfg.GetAPIAddress(),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
	return s, nil
}

func redirectToSwagger(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/swagger/index.html", http.StatusMovedPermanently)
}

// Handler returns the routed handler with its middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until ctx is done, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server listen failed: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting API server", "address", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping API server")
	s.stream.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// Addr returns the bound address while running, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil && s.running {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
