// Package server provides the HTTP server for journal media: issue listings,
// image cache control and server-side image rendering.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfeidau/journal-media/articles"
	"github.com/wolfeidau/journal-media/backend"
	"github.com/wolfeidau/journal-media/expiry"
	"github.com/wolfeidau/journal-media/imagecache"
	"github.com/wolfeidau/journal-media/imageurl"
	"github.com/wolfeidau/journal-media/issues"
	"github.com/wolfeidau/journal-media/render"
	"github.com/wolfeidau/journal-media/telemetry"
)

// DefaultRenderTimeout is how long /images/render waits for a load to settle.
const DefaultRenderTimeout = 3 * time.Second

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// BackendURL is the hosted backend project URL used for the REST article
	// source and for storage URLs.
	BackendURL string

	// BackendAPIKey is sent as apikey and bearer token to the backend.
	BackendAPIKey string

	// ArticlesTable is the table holding article rows.
	// Default: "articles"
	ArticlesTable string

	// DatabaseURL, when set, reads articles straight from Postgres instead
	// of the REST interface.
	DatabaseURL string

	// ArticleSource overrides the configured article source.
	ArticleSource articles.Source

	// ImageLoader overrides the HTTP image loader.
	ImageLoader imagecache.Loader

	// ImageHosts are extra hosts images may be fetched from. The BackendURL
	// host is always allowed; any other host is rejected.
	ImageHosts []string

	// BlobPath is the bbolt file for retained image bytes.
	// Empty keeps them in memory.
	BlobPath string

	// CacheMaxEntries bounds the image cache. Default: 200
	CacheMaxEntries int

	// CacheTTL is how long an image cache entry lives. Default: 30 minutes
	CacheTTL time.Duration

	// SweepInterval is how often expired image entries are purged.
	// Default: 5 minutes
	SweepInterval time.Duration

	// LoadTimeout bounds each image load. Default: 30 seconds
	LoadTimeout time.Duration

	// RenderTimeout is how long a render request waits for its image.
	// Default: 3 seconds
	RenderTimeout time.Duration

	// AuthToken guards operator endpoints when set.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for journal media.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	// Components
	blobs      backend.Backend
	bolt       *backend.Bolt
	pool       *pgxpool.Pool
	cache      *imagecache.Cache
	renderer   *render.Renderer
	issues     *issues.Service
	storage    *articles.Storage
	imageHosts *imageurl.Allowlist
	expiryMgr  *expiry.Manager
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = imagecache.DefaultMaxEntries
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = imagecache.DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = expiry.DefaultCheckInterval
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = imagecache.DefaultLoadTimeout
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}

	s := &Server{config: cfg, logger: cfg.Logger}

	// Blob storage for retained image bytes
	var blobs backend.Backend = backend.NewMemory()
	backendName := "memory"
	if cfg.BlobPath != "" {
		b, err := backend.OpenBolt(cfg.BlobPath)
		if err != nil {
			return nil, fmt.Errorf("opening blob store: %w", err)
		}
		s.bolt = b
		blobs = b
		backendName = "bolt"
	}
	s.blobs = backend.NewInstrumentedBackend(blobs, backendName)

	// Image cache and its TTL sweep
	hosts := append([]string(nil), cfg.ImageHosts...)
	if h := imageurl.HostOf(cfg.BackendURL); h != "" {
		hosts = append(hosts, h)
	}
	s.imageHosts = imageurl.NewAllowlist(hosts...)
	if s.imageHosts.Empty() {
		cfg.Logger.Warn("no image hosts configured, image requests will be rejected")
	}
	loader := cfg.ImageLoader
	if loader == nil {
		loader = imagecache.NewHTTPLoader(imagecache.WithAllowedHosts(s.imageHosts))
	}
	s.cache = imagecache.New(loader,
		imagecache.WithBackend(s.blobs),
		imagecache.WithMaxEntries(cfg.CacheMaxEntries),
		imagecache.WithTTL(cfg.CacheTTL),
		imagecache.WithLoadTimeout(cfg.LoadTimeout),
		imagecache.WithLogger(cfg.Logger.With("component", "imagecache")),
	)
	s.expiryMgr = expiry.NewManager(s.cache, expiry.Config{
		TTL:           cfg.CacheTTL,
		CheckInterval: cfg.SweepInterval,
		Logger:        cfg.Logger.With("component", "expiry"),
	})
	s.renderer = render.NewRenderer(s.cache, render.WithLogger(cfg.Logger.With("component", "render")))

	// Article source and issue aggregation
	src, err := s.articleSource(cfg)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	issueOpts := []issues.ServiceOption{issues.WithLogger(cfg.Logger.With("component", "issues"))}
	if cfg.BackendURL != "" {
		s.storage = articles.NewStorage(cfg.BackendURL)
		issueOpts = append(issueOpts, issues.WithStorage(s.storage))
	}
	s.issues = issues.NewService(src, issueOpts...)

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) articleSource(cfg Config) (articles.Source, error) {
	switch {
	case cfg.ArticleSource != nil:
		return cfg.ArticleSource, nil
	case cfg.DatabaseURL != "":
		pool, err := articles.NewPool(context.Background(), cfg.DatabaseURL, cfg.Logger.With("component", "postgres"))
		if err != nil {
			return nil, err
		}
		s.pool = pool
		return articles.NewPostgresSource(pool, cfg.ArticlesTable), nil
	case cfg.BackendURL != "":
		opts := []articles.UpstreamOption{articles.WithBaseURL(cfg.BackendURL)}
		if cfg.BackendAPIKey != "" {
			opts = append(opts, articles.WithAPIKey(cfg.BackendAPIKey))
		}
		if cfg.ArticlesTable != "" {
			opts = append(opts, articles.WithTable(cfg.ArticlesTable))
		}
		return articles.NewUpstream(opts...), nil
	}
	return nil, errors.New("no article source configured: set a backend URL or database URL")
}

// Handler returns the server's root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Cache returns the image cache.
func (s *Server) Cache() *imagecache.Cache {
	return s.cache
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Image cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Issue listings
	mux.HandleFunc("GET /issues/{source}", s.handleIssues)
	mux.HandleFunc("GET /issues/{source}/{id}", s.handleIssue)

	// Image cache
	mux.HandleFunc("GET /images/status", s.handleImageStatus)
	mux.HandleFunc("POST /images/preload", s.handlePreload)
	mux.HandleFunc("DELETE /images/cache", s.handleClear)
	mux.HandleFunc("GET /images/blob", s.handleBlob)

	// Rendering
	mux.HandleFunc("GET /images/render", s.handleRender)
	mux.HandleFunc("GET /images/placeholder.svg", s.handlePlaceholder)
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

		// Handlers fill in endpoint, cache result, source and image state.
		r, tags := telemetry.InjectTags(r, deriveArea(r.URL.Path))

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		attrs = append(attrs, tags.LogAttrs()...)
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the expiry manager and the HTTP listener.
func (s *Server) Start() error {
	s.logger.Info("starting image cache sweeper",
		"ttl", s.config.CacheTTL,
		"max_entries", s.config.CacheMaxEntries,
		"check_interval", s.config.SweepInterval,
	)
	if err := s.expiryMgr.Start(context.Background()); err != nil {
		return fmt.Errorf("starting expiry manager: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.expiryMgr.Stop()
	err := s.httpServer.Shutdown(ctx)
	s.closeStores()
	return err
}

func (s *Server) closeStores() {
	s.cache.Close()
	if s.bolt != nil {
		if err := s.bolt.Close(); err != nil {
			s.logger.Warn("closing blob store", "error", err)
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
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

// deriveArea classifies a request path for logs and metrics.
func deriveArea(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/issues/"):
		return "issues"
	case strings.HasPrefix(path, "/images/"):
		return "images"
	default:
		return "unknown"
	}
}
