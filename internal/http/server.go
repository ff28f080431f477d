package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	applog "budget/internal/log"
	"budget/internal/middleware/security"
	"budget/internal/middleware/trace"
	"budget/internal/migration"
)

// MigrationStatus exposes the startup migration to the probes.
type MigrationStatus interface {
	State() migration.State
	Done() bool
	LastReport() (migration.Report, bool)
}

// OwnershipAuditor counts rows that still lack an owner.
type OwnershipAuditor interface {
	UnownedCounts(ctx context.Context) (map[string]int64, error)
}

type Server struct {
	http.Server
	mux          *http.ServeMux
	status       MigrationStatus
	audit        OwnershipAuditor
	trace        *trace.Middleware
	log          *applog.Logger
	shutdownOnce sync.Once
}

// NewServer configures the probe routes, returning a ready-to-run
// http.Server. Data routes are mounted by their owners through Handle.
func NewServer(addr string, status MigrationStatus, audit OwnershipAuditor, logger *applog.Logger) *Server {
	if logger == nil {
		logger = applog.Discard()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:    mux,
		status: status,
		audit:  audit,
		trace:  trace.NewMiddleware(clientIP, logger),
		log:    logger.WithComponent(applog.ComponentHTTP),
	}

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /api/migration", s.handleMigration)

	var h http.Handler = mux
	h = applog.RequestIDMiddleware(trace.RequestIDFromRequest)(h)
	h = applog.Middleware(s.log)(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = s.trace.Middleware(h)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handle mounts an additional route behind the same middleware chain.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Metrics returns request counters from the trace middleware.
func (s *Server) Metrics() trace.Metrics {
	return s.trace.GetMetrics()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
