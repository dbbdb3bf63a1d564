// Package gateway exposes the retrieval memory and the enrichment worker
// over a small JSON HTTP API.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/smartpm/internal/observability"
	"github.com/harun/smartpm/internal/tracing"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// Server is the gateway HTTP server
type Server struct {
	options        ServerOptions
	memory         Memory
	enricher       Enricher
	server         *http.Server
	handler        http.Handler
	rateLimiter    *RateLimiter
	logger         zerolog.Logger
	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new gateway server. enricher may be nil, in which case
// the enrichment routes answer 503.
func NewServer(options ServerOptions, memory Memory, enricher Enricher, logger zerolog.Logger) (*Server, error) {
	// Set defaults
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RequestTimeout == 0 {
		options.RequestTimeout = 30 * time.Second
	}
	if options.ShutdownTimeout == 0 {
		options.ShutdownTimeout = 10 * time.Second
	}
	if options.MaxBodyBytes == 0 {
		options.MaxBodyBytes = 1 << 20
	}

	if memory == nil {
		return nil, fmt.Errorf("retrieval memory is required")
	}

	s := &Server{
		options:   options,
		memory:    memory,
		enricher:  enricher,
		logger:    logger.With().Str("component", "gateway").Logger(),
		startTime: time.Now(),
	}
	if options.RateLimitPerMinute > 0 {
		s.rateLimiter = NewRateLimiter(options.RateLimitPerMinute)
	}

	observability.EnsureRegistered()
	s.handler = s.routes()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	s.handle(mux, "POST /rag/index/project", s.handleIndexProject)
	s.handle(mux, "POST /rag/index/task", s.handleIndexTask)
	s.handle(mux, "POST /rag/retrieve", s.handleRetrieve)
	s.handle(mux, "POST /rag/enrich", s.handleEnrich)
	s.handle(mux, "GET /rag/enrich/{jobId}", s.handleEnrichStatus)
	s.handle(mux, "GET /rag/projects/{projectId}/context", s.handleProjectContext)
	s.handle(mux, "GET /rag/projects/{projectId}/tasks", s.handleProjectTasks)
	s.handle(mux, "DELETE /rag/projects/{projectId}/tasks/{taskId}", s.handleDeleteTask)
	s.handle(mux, "DELETE /rag/projects/{projectId}", s.handleDeleteProject)

	return mux
}

// handle registers an API route behind the shutdown, auth, rate limit and
// instrumentation middleware.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	route := pattern[strings.Index(pattern, " ")+1:]
	mux.Handle(pattern, s.instrument(route, h))
}

// Start listens on the configured address and serves until Stop is called
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.options.Host, s.options.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	s.shutdownMu.Lock()
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Msg("Starting gateway server")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, waiting for in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, s.options.ShutdownTimeout)
	defer cancel()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-waitCtx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if srv == nil {
		return nil
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown gateway server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// statusRecorder captures the response code for metrics and logs
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Check if shutting down
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.inFlightReqs.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlightReqs.Done()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx, cancel := context.WithTimeout(tracing.NewRequestContext(r.Context(), requestID), s.options.RequestTimeout)
		defer cancel()
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ip := clientIP(r)

		switch {
		case !s.authorized(r):
			writeError(rec, http.StatusUnauthorized, "unauthorized")
		case s.rateLimiter != nil && !s.rateLimiter.Allow(ip):
			rec.Header().Set("Retry-After", fmt.Sprintf("%d", s.rateLimiter.RetryAfter(ip)))
			writeError(rec, http.StatusTooManyRequests, "rate limit exceeded")
		default:
			r.Body = http.MaxBytesReader(rec, r.Body, s.options.MaxBodyBytes)
			next(rec, r)
		}

		duration := time.Since(start)
		observability.RecordHTTPRequest(route, rec.status, duration)

		logger := tracing.LoggerFromContext(ctx, s.logger)
		event := logger.Info()
		if rec.status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if rec.status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("route", route).
			Str("ip", ip).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("Gateway request completed")
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.options.SharedSecret == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.options.SharedSecret)) == 1
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
