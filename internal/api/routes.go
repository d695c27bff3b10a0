// Package api provides HTTP handlers and routing for the flowtrack service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/auth"
)

// ServerOptions configures optional middleware.
type ServerOptions struct {
	// Auth enforces bearer tokens on API routes when set.
	Auth *auth.Middleware

	// RateLimiter throttles clients by IP when set.
	RateLimiter *auth.PerIPRateLimiter

	// Tracing wraps the router with otelhttp.
	Tracing bool
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	opts     ServerOptions
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ServerOptions) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		opts:     opts,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	if s.opts.Tracing {
		return otelhttp.NewHandler(s.router, "flowtrack",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Flows
	api.HandleFunc("/flows", s.handlers.RegisterFlow).Methods("POST")
	api.HandleFunc("/flows", s.handlers.ListFlows).Methods("GET")
	api.HandleFunc("/flows/{id}", s.handlers.GetFlow).Methods("GET")

	// Runs
	api.HandleFunc("/runs", s.handlers.CreateRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/start", s.handlers.StartRun).Methods("POST")
	api.HandleFunc("/runs/{id}/finalize", s.handlers.FinalizeRun).Methods("POST")

	// Records
	api.HandleFunc("/runs/{id}/records", s.handlers.AppendRecord).Methods("POST")
	api.HandleFunc("/runs/{id}/records", s.handlers.ListRecords).Methods("GET")
	api.HandleFunc("/runs/{id}/records/stream", s.handlers.StreamRecords).Methods("GET")

	// CORS preflight; answered by CORSMiddleware.
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	// Apply middleware, outermost first
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.CORSMiddleware)
	if s.opts.RateLimiter != nil {
		s.router.Use(s.opts.RateLimiter.Handler)
	}
	if s.opts.Auth != nil {
		s.router.Use(s.opts.Auth.Handler)
	}
}
