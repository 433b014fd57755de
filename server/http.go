// Package server provides the admin HTTP API of the bucketstore.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wolfeidau/bucketstore/retained"
	"github.com/wolfeidau/bucketstore/store/payload"
	"github.com/wolfeidau/bucketstore/telemetry"
	"github.com/wolfeidau/bucketstore/writer"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// ReadToken grants GET and HEAD access only. Ignored without AuthToken.
	ReadToken string

	// MaxBodyBytes limits PUT bodies. Default: payload.MaxPayloadSize.
	MaxBodyBytes int64

	// Logger for the server
	Logger *slog.Logger
}

// PayloadStats reports payload store statistics.
type PayloadStats interface {
	Stats(ctx context.Context) (payload.Stats, error)
}

// Deps are the components the API serves.
type Deps struct {
	Writer   *writer.Writer
	Retained *retained.Persistence
	Cleanup  *retained.CleanupScheduler
	Payloads PayloadStats // optional
}

// Server is the admin HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	writer   *writer.Writer
	retained *retained.Persistence
	cleanup  *retained.CleanupScheduler
	payloads PayloadStats
}

// New creates a new server with the given configuration.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Writer == nil || deps.Retained == nil {
		return nil, errors.New("server: writer and retained persistence are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = payload.MaxPayloadSize
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		writer:   deps.Writer,
		retained: deps.Retained,
		cleanup:  deps.Cleanup,
		payloads: deps.Payloads,
	}
	if s.cleanup == nil {
		s.cleanup = retained.NewCleanupScheduler(deps.Retained, 0, cfg.Logger.With("component", "retained-cleanup"))
	}

	s.handler = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // Long timeout for large exports
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// buildRouter sets up the HTTP routes.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.authMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	r.Method(http.MethodGet, "/metrics", telemetry.PrometheusHandler())

	r.Route("/api/v1/retained", func(r chi.Router) {
		r.Use(storeTag(retained.ProducerName))

		r.Get("/", s.handleRetainedWildcard)
		r.Get("/count", s.handleRetainedCount)
		r.Get("/export", s.handleRetainedExport)
		r.Post("/cleanup", s.handleRetainedCleanup)

		r.Get("/topics/*", s.handleRetainedGet)
		r.Put("/topics/*", s.handleRetainedPut)
		r.Delete("/topics/*", s.handleRetainedDelete)
	})
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.writer.Terminated() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "writer stopped")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Writer   writer.Stats   `json:"writer"`
	Retained int            `json:"retained"`
	Payloads *payload.Stats `json:"payloads,omitempty"`
}

// handleStats reports writer, retained and payload statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Writer: s.writer.Stats()}

	n, err := s.retained.Size().Wait(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	resp.Retained = n

	if s.payloads != nil {
		ps, err := s.payloads.Stats(r.Context())
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		resp.Payloads = &ps
	}
	writeJSON(w, http.StatusOK, resp)
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

		// Inject request tags so handlers can set store, endpoint and lookup result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Store != "" {
			attrs = append(attrs, "store", tags.Store)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Result != telemetry.LookupNA {
			attrs = append(attrs, "result", string(tags.Result))
		}

		level := slog.LevelInfo
		if isInternal(r.URL.Path) {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

func storeTag(store string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			telemetry.SetStore(r, store)
			next.ServeHTTP(w, r)
		})
	}
}

// Start starts the server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
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

func isInternal(path string) bool {
	return path == "/health" || path == "/metrics" || strings.HasPrefix(path, "/stats")
}
