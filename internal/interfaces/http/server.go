// Package http serves the REST and streaming surface over the gated
// market-data API.
package http

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/fanout"
	"github.com/sawpanic/reservoir/internal/metrics"
	"github.com/sawpanic/reservoir/internal/quality"
	"github.com/sawpanic/reservoir/internal/service"
)

type ctxKey int

const requestIDKey ctxKey = iota

// Deps carries the server's collaborators. Registry may be nil, in
// which case /metrics is not mounted.
type Deps struct {
	API      service.MarketData
	Streams  *fanout.Fanout
	Quality  *quality.Monitor
	Registry *metrics.Registry
	Stats    func() service.Stats
}

// Server is the HTTP transport. It owns routing and middleware only;
// every business decision lives behind Deps.
type Server struct {
	cfg     config.ServerConfig
	router  *mux.Router
	server  *http.Server
	deps    Deps
	started time.Time
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		deps:    deps,
		started: time.Now(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  cfg.IdleTimeout(),
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.Use(s.logging)
	s.router.Use(s.timeout)
	s.router.Use(s.cors)

	s.router.HandleFunc("/v1/quotes", s.handleQuotes).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/subscriptions", s.handleSubscribe).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/subscriptions", s.handleUnsubscribe).Methods(http.MethodDelete)
	s.router.HandleFunc("/v1/subscriptions", s.handleSubscribed).Methods(http.MethodGet)

	s.router.HandleFunc("/v1/stream", s.handleStreamWS).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/stream/sse", s.handleStreamSSE).Methods(http.MethodGet)

	s.router.HandleFunc("/v1/quality/score", s.handleQualityScore).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/quality/issues", s.handleQualityIssues).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/quality/offenders", s.handleQualityOffenders).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/quality/breakdown", s.handleQualityBreakdown).Methods(http.MethodGet)

	s.router.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/health/quality", s.handleQualityHealth).Methods(http.MethodGet)

	if s.deps.Registry != nil {
		s.router.Handle("/metrics", s.deps.Registry.Handler()).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// requestID tags each request for log correlation.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request handled")
	})
}

// timeout bounds request handling. Stream endpoints are exempt; they
// live as long as the subscriber.
func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/stream") {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout())
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// cors admits browser callers from local origins only.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if localOrigin(origin) && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func localOrigin(origin string) bool {
	return origin == "" ||
		strings.Contains(origin, "localhost") ||
		strings.Contains(origin, "127.0.0.1")
}

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr()).Msg("HTTP server listening")
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// responseWrapper captures the status code for the request log. It
// forwards Flush and Hijack so the stream endpoints work through it.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
