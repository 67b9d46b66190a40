// Package status serves the node's read-only status document, health
// endpoints and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/canteen/pkg/health"
	"github.com/dd0wney/canteen/pkg/logging"
	"github.com/dd0wney/canteen/pkg/metrics"
	"github.com/dd0wney/canteen/pkg/registry"
	"github.com/dd0wney/canteen/pkg/scheduler"
)

// Cluster is the membership view the document reports
type Cluster interface {
	Host() string
	PeerID() string
	Members() []string
	Connections() int
}

// TransportInfo is implemented by transports that can list connected
// peers and their own listen addresses
type TransportInfo interface {
	Peers() []string
	Addrs() []string
}

// Workload is the scheduler view the document reports
type Workload interface {
	Binding() (scheduler.Binding, bool)
	LastApplied() registry.Assignment
}

// Document is served on / and /cluster
type Document struct {
	Host        string         `json:"host"`
	PeerID      string         `json:"peerId"`
	Members     []string       `json:"members"` // self first
	Connections int            `json:"connections"`
	Peers       []string       `json:"peers"`
	Multiaddrs  []string       `json:"multiaddrs"`
	Workload    *WorkloadState `json:"workload,omitempty"`
}

// WorkloadState reports the applied assignment and current binding
type WorkloadState struct {
	Applied string             `json:"applied"`
	Binding *scheduler.Binding `json:"binding,omitempty"`
}

// Server is the status HTTP server
type Server struct {
	cluster   Cluster
	transport TransportInfo
	workload  Workload
	health    *health.HealthChecker
	metrics   *metrics.Registry
	logger    logging.Logger

	router *mux.Router
	srv    *http.Server
}

// Option configures a Server
type Option func(*Server)

func WithTransport(t TransportInfo) Option { return func(s *Server) { s.transport = t } }
func WithWorkload(w Workload) Option       { return func(s *Server) { s.workload = w } }
func WithHealth(h *health.HealthChecker) Option {
	return func(s *Server) { s.health = h }
}
func WithMetrics(m *metrics.Registry) Option { return func(s *Server) { s.metrics = m } }

// New builds the router. Nothing listens until Start.
func New(cluster Cluster, logger logging.Logger, opts ...Option) *Server {
	s := &Server{
		cluster: cluster,
		logger:  logging.OrNop(logger).With(logging.Component("status")),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/cluster", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)

	if s.health != nil {
		router.HandleFunc("/health", s.health.HTTPHandler()).Methods(http.MethodGet, http.MethodOptions)
		router.HandleFunc("/ready", s.health.ReadinessHandler()).Methods(http.MethodGet, http.MethodOptions)
		router.HandleFunc("/live", s.health.LivenessHandler()).Methods(http.MethodGet, http.MethodOptions)
	}
	if s.metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet, http.MethodOptions)
	}

	router.Use(corsMiddleware)
	router.Use(s.loggingMiddleware)
	s.router = router
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", logging.Error(err))
		}
	}()

	s.logger.Info("status server listening", logging.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops the server, waiting for in-flight requests up to ctx
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Snapshot assembles the status document
func (s *Server) Snapshot() Document {
	doc := Document{
		Host:        s.cluster.Host(),
		PeerID:      s.cluster.PeerID(),
		Members:     append([]string{s.cluster.Host()}, s.cluster.Members()...),
		Connections: s.cluster.Connections(),
		Peers:       []string{},
		Multiaddrs:  []string{},
	}
	if s.transport != nil {
		if p := s.transport.Peers(); p != nil {
			doc.Peers = p
		}
		if a := s.transport.Addrs(); a != nil {
			doc.Multiaddrs = a
		}
	}
	if s.workload != nil {
		state := &WorkloadState{Applied: s.workload.LastApplied().String()}
		if b, ok := s.workload.Binding(); ok {
			state.Binding = &b
		}
		doc.Workload = state
	}
	return doc
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		s.logger.Warn("failed to write status", logging.Error(err))
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start))
		}
		s.logger.Debug("http request",
			logging.String("method", r.Method),
			logging.String("path", path),
			logging.Int("status", rec.status),
			logging.Latency(time.Since(start)))
	})
}
