// Package api exposes the agent runtime over HTTP.
//
// Routes use Go 1.22+ method patterns on the standard mux, behind a
// hand-built middleware stack (outermost first):
//
//	Recovery → RequestID → Logging → CORS → RateLimit → Routes
//
// Health probes (/health, /ready) bypass the stack via a top-level mux
// so they stay fast and unthrottled.
//
// Run streams are newline-delimited JSON: one event object per line,
// flushed as produced. The HTTP status is decided before the first
// event, so resolution failures map to regular JSON errors (403
// profile not allowed, 404 unknown agent, 409 session busy).
package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/orchestrator"
	"github.com/implementos/agentd/internal/report"
	"github.com/implementos/agentd/internal/runtime"
)

// ServerConfig contains configuration for creating the HTTP server.
type ServerConfig struct {
	Logger       log.Logger
	Orchestrator *orchestrator.Orchestrator // Required
	Runtime      *runtime.Runtime           // Required
	Reporter     *report.Reporter           // Required
	Pool         *pgxpool.Pool              // Optional: nil skips the DB ping in /ready
	TrustProxy   bool                       // Trust X-Real-IP/X-Forwarded-For
	RateBurst    int                        // Rate limiter burst per IP (0 = default 60)
	CORSOrigins  []string                   // Origins allowed cross-origin access (empty = none)
}

// Server is the agent HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil || cfg.Runtime == nil || cfg.Reporter == nil {
		return nil, errors.New("orchestrator, runtime and reporter are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ah := &agentHandler{orch: cfg.Orchestrator, rt: cfg.Runtime, logger: logger}
	rh := &reportHandler{reporter: cfg.Reporter, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /agents", ah.list)
	mux.HandleFunc("POST /agents/{id}/run", ah.run)
	mux.HandleFunc("GET /report/sessions", rh.sessions)
	mux.HandleFunc("GET /report/runs", rh.runs)
	mux.HandleFunc("GET /report/usage", rh.usage)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
