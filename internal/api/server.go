package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/metrics"
	"github.com/JakeFAU/conversion-progress/internal/progress"
	"github.com/JakeFAU/conversion-progress/internal/store"
)

const defaultRequestTimeout = 60 * time.Second

// ProgressSource is the read side of the progress client plus Clear.
type ProgressSource interface {
	State() progress.ConnectionState
	Snapshot() progress.Table
	Get(jobID string) (progress.Snapshot, bool)
	Clear(jobID string)
	Endpoint() string
}

// Server wires HTTP handlers to the progress client and run history.
type Server struct {
	router chi.Router
	source ProgressSource
	logger *zap.Logger
}

// Option customizes a Server.
type Option func(*serverOptions)

type serverOptions struct {
	timeout        time.Duration
	metricsHandler http.Handler
}

// WithRequestTimeout bounds handler execution.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *serverOptions) { o.timeout = d }
}

// WithMetricsHandler replaces the default Prometheus handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *serverOptions) { o.metricsHandler = h }
}

// NewServer constructs a Server with middleware and routes. runs may be nil,
// in which case the /v1/runs routes answer 503.
func NewServer(source ProgressSource, runs store.RunRepository, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := serverOptions{timeout: defaultRequestTimeout, metricsHandler: metrics.Handler()}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.Named("api")
	s := &Server{source: source, logger: logger}
	runsHandler := NewRunsHandler(runs, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(o.timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", o.metricsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/progress", func(r chi.Router) {
			r.Get("/", s.listProgress)
			r.Get("/{job_id}", s.getProgress)
			r.Delete("/{job_id}", s.clearProgress)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runsHandler.ListRuns)
			r.Get("/{job_id}", runsHandler.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := s.source.State()
	if state != progress.Connected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": state.String()})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
