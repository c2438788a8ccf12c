package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/health"
)

// HealthFunc reports whether a dependency is usable. A nil error is healthy;
// an error marked with health.Degraded reports degraded without failing the
// endpoint.
type HealthFunc func() error

// TenantLister provides the /tenants document.
type TenantLister func() any

// Server is the operations HTTP endpoint: Prometheus metrics, liveness and
// the deployed tenant summary.
type Server struct {
	addr     string
	name     string
	registry *MetricsRegistry
	checks   map[string]HealthFunc
	tenants  TenantLister

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealthCheck adds a named check to /healthz.
func WithHealthCheck(name string, fn HealthFunc) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.checks[name] = fn
		}
	}
}

// WithName sets the component name reported on /healthz.
func WithName(name string) ServerOption {
	return func(s *Server) {
		if name != "" {
			s.name = name
		}
	}
}

// WithTenants serves fn's result as JSON on /tenants.
func WithTenants(fn TenantLister) ServerOption {
	return func(s *Server) { s.tenants = fn }
}

// NewServer creates an ops server listening on addr (for example ":9090").
func NewServer(addr string, registry *MetricsRegistry, opts ...ServerOption) *Server {
	if addr == "" {
		addr = ":9090"
	}
	s := &Server{
		addr:     addr,
		name:     "cepbridge",
		registry: registry,
		checks:   make(map[string]HealthFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router serving every ops endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	r.Get("/healthz", s.handleHealth)
	r.Get("/tenants", s.handleTenants)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	subs := make([]health.Status, 0, len(s.checks))
	for name, check := range s.checks {
		subs = append(subs, health.FromError(name, check(), now))
	}

	status := health.Aggregate(s.name, subs, now)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleTenants(w http.ResponseWriter, _ *http.Request) {
	if s.tenants == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.tenants())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}
	if s.registry == nil {
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.listener = ln

	go func() { _ = srv.Serve(ln) }()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shut down HTTP server")
	}
	return nil
}

// Address returns the bound address once started, otherwise the configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
