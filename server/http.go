// Package server provides the HTTP server for the offline cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/offline-cache/governance"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/origin"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/strategy"
	"github.com/wolfeidau/offline-cache/syncer"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the directory holding the local database
	StoragePath string

	// OriginURL is the base URL of the remote content service
	OriginURL string

	// CacheVersion is the cache generation installed on start.
	// Bumping it discards every namespace of older versions.
	CacheVersion int

	// Manifest lists the assets precached on install.
	// Default: intercept.DefaultManifest()
	Manifest *intercept.Manifest

	// Quota overrides the storage quota in bytes.
	// Zero uses the capacity of the filesystem holding the database.
	Quota int64

	// SWRTTL is the stale-while-revalidate freshness window for binary assets.
	// Default: 30 days
	SWRTTL time.Duration

	// NetworkFirstTTL is how long data responses may be served offline.
	// Default: 7 days
	NetworkFirstTTL time.Duration

	// Deduplicate collapses concurrent identical origin fetches.
	Deduplicate bool

	// MaxCards is the number of cards kept by the periodic cleanup.
	// Zero disables the periodic cleanup.
	MaxCards int

	// CleanupInterval is how often the periodic cleanup runs.
	// Default is 1 hour.
	CleanupInterval time.Duration

	// ProbeInterval is how often the origin is probed for connectivity.
	// Default is 30 seconds.
	ProbeInterval time.Duration

	// AuthToken protects every route except /health and /metrics when set.
	AuthToken string

	// HTTPClient is used for origin requests. Default: origin.New's client.
	HTTPClient *http.Client

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the offline cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	db          *localdb.DB
	origin      *origin.Client
	interceptor *intercept.Interceptor
	coordinator *syncer.Coordinator
	governance  *governance.Manager

	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}
	started   atomic.Bool
}

// New creates a new server with the given configuration. The local database
// is opened here; failure to open it is fatal.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.OriginURL == "" {
		return nil, errors.New("origin URL is required")
	}
	if cfg.CacheVersion == 0 {
		cfg.CacheVersion = 1
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 1 * time.Hour
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = syncer.DefaultProbeInterval
	}

	// Initialize local store
	dbOpts := []localdb.Option{localdb.WithLogger(cfg.Logger.With("component", "localdb"))}
	if cfg.Quota > 0 {
		dbOpts = append(dbOpts, localdb.WithQuota(cfg.Quota))
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	db := localdb.New(dbOpts...)
	if err := db.Open(filepath.Join(cfg.StoragePath, "offline-cache.db")); err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	// Initialize origin client
	originOpts := []origin.Option{origin.WithLogger(cfg.Logger.With("component", "origin"))}
	if cfg.HTTPClient != nil {
		originOpts = append(originOpts, origin.WithHTTPClient(cfg.HTTPClient))
	}
	originClient := origin.New(cfg.OriginURL, originOpts...)

	// Initialize interception layer
	strategyOpts := []strategy.Option{strategy.WithLogger(cfg.Logger.With("component", "strategy"))}
	if cfg.SWRTTL > 0 {
		strategyOpts = append(strategyOpts, strategy.WithSWRTTL(cfg.SWRTTL))
	}
	if cfg.NetworkFirstTTL > 0 {
		strategyOpts = append(strategyOpts, strategy.WithNetworkFirstTTL(cfg.NetworkFirstTTL))
	}
	interceptOpts := []intercept.Option{
		intercept.WithLogger(cfg.Logger),
		intercept.WithStrategyOptions(strategyOpts...),
	}
	if cfg.Manifest != nil {
		interceptOpts = append(interceptOpts, intercept.WithManifest(*cfg.Manifest))
	}
	if cfg.Deduplicate {
		interceptOpts = append(interceptOpts, intercept.WithDeduplication())
	}
	interceptor := intercept.New(db, originClient.Fetch, interceptOpts...)

	// Initialize sync coordinator
	coordinator := syncer.New(db, originClient,
		syncer.WithLogger(cfg.Logger),
		syncer.WithProbeInterval(cfg.ProbeInterval),
	)

	// Initialize governance
	govMgr := governance.NewManager(db, coordinator, interceptor, governance.Config{
		MaxCards:      cfg.MaxCards,
		CheckInterval: cfg.CleanupInterval,
		Logger:        cfg.Logger,
	})

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		db:          db,
		origin:      originClient,
		interceptor: interceptor,
		coordinator: coordinator,
		governance:  govMgr,
		runDone:     make(chan struct{}),
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Connectivity and sync
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /reconnect", s.handleReconnect)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("POST /pending", s.handleAddPending)
	mux.HandleFunc("DELETE /pending", s.handleClearPending)

	// Cache governance
	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("DELETE /cache/{collection}", s.handleClearCollection)
	mux.HandleFunc("DELETE /cache", s.handleClearAll)
	mux.HandleFunc("POST /cache/cleanup", s.handleCleanup)

	// Cached entities
	mux.HandleFunc("GET /entities/{collection}", s.handleListEntities)
	mux.HandleFunc("GET /entities/{collection}/{id}", s.handleGetEntity)
	mux.HandleFunc("PUT /entities/{collection}/{id}", s.handlePutEntity)

	// Resources served through the cache strategies
	mux.HandleFunc("GET /r/{class}/{key...}", s.handleResource)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetClass(r, deriveClass(r.URL.Path))

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"class", tags.Class,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if src := wrapped.Header().Get("X-Cache-Source"); src != "" {
			attrs = append(attrs, "cache_source", src)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start installs the cache version, starts background work and serves
// HTTP until Shutdown.
func (s *Server) Start() error {
	ctx := s.runCtx

	if err := s.interceptor.Start(ctx, s.config.CacheVersion); err != nil {
		// Without an installed version requests pass straight through.
		s.logger.Error("cache install failed, serving without cache", "version", s.config.CacheVersion, "error", err)
	}

	if s.config.MaxCards > 0 {
		s.logger.Info("starting governance",
			"max_cards", s.config.MaxCards,
			"check_interval", s.config.CleanupInterval,
		)
		if err := s.governance.Start(ctx); err != nil {
			return fmt.Errorf("starting governance: %w", err)
		}
	}

	s.started.Store(true)
	go func() {
		defer close(s.runDone)
		_ = s.coordinator.Run(ctx)
	}()

	s.logger.Info("starting server", "address", s.config.Address, "origin", s.config.OriginURL)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and closes the local store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.runCancel()
	s.governance.Stop()
	if s.started.Load() {
		<-s.runDone
	}
	_ = s.coordinator.Close()
	_ = s.interceptor.Close()

	return errors.Join(err, s.db.Close())
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveClass extracts the request class used for metrics from the path.
func deriveClass(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/r/"):
		class, _, _ := strings.Cut(strings.TrimPrefix(path, "/r/"), "/")
		if _, err := strategy.ParseClass(class); err == nil {
			return class
		}
		return "unknown"
	case strings.HasPrefix(path, "/entities/"):
		return "entities"
	default:
		return "admin"
	}
}
