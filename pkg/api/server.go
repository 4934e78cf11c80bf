// Package api is the thin HTTP ingress of the control plane: heartbeat
// intake, the approval REST surface, registry and fleet queries, and the
// cache status endpoint. Handlers validate, delegate to the owning
// package, and map taxonomy errors onto status codes; no business rules
// live here.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/quorum/pkg/approval"
	"github.com/cuemby/quorum/pkg/broker"
	"github.com/cuemby/quorum/pkg/cache"
	"github.com/cuemby/quorum/pkg/discovery"
	"github.com/cuemby/quorum/pkg/fleet"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/registry"
	"github.com/cuemby/quorum/pkg/resilience"
)

// Deps are the collaborators the ingress delegates to.
type Deps struct {
	Queue          broker.Broker
	HeartbeatTopic string
	Fleet          *fleet.Store
	Approvals      *approval.Service
	Registry       *registry.Registry
	Cache          *cache.Engine
	Balancer       *discovery.LoadBalancer
	Outcomes       *cache.Correlation
	Health         *resilience.HealthRegistry
}

// Server is the HTTP ingress.
type Server struct {
	deps       Deps
	httpServer *http.Server
}

// NewServer builds the ingress listening on addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps}
	mux := http.NewServeMux()

	mux.Handle("POST /api/heartbeat", s.route("heartbeat", s.handleHeartbeat))

	mux.Handle("POST /api/application-services", s.route("service_create", s.handleCreateService))
	mux.Handle("GET /api/application-services", s.route("service_list", s.handleListServices))
	mux.Handle("GET /api/application-services/{id}", s.route("service_get", s.handleGetService))
	mux.Handle("PUT /api/application-services/{id}", s.route("service_update", s.handleUpdateService))
	mux.Handle("GET /api/application-services/{id}/shares", s.route("share_list", s.handleListShares))
	mux.Handle("POST /api/application-services/{id}/shares", s.route("share_grant", s.handleGrantShare))
	mux.Handle("POST /api/application-services/{id}/approval-requests", s.route("approval_create", s.handleCreateApproval))

	mux.Handle("GET /api/approval-requests/{id}", s.route("approval_get", s.handleGetApproval))
	mux.Handle("GET /api/approval-requests/{id}/outcome", s.route("approval_outcome", s.handleOutcome))
	mux.Handle("POST /api/approval-requests/{id}/decisions", s.route("approval_decide", s.handleDecision))
	mux.Handle("POST /api/approval-requests/{id}/cancel", s.route("approval_cancel", s.handleCancel))

	mux.Handle("GET /api/fleet", s.route("fleet_list", s.handleListFleet))
	mux.Handle("GET /api/fleet/{instanceId}", s.route("fleet_get", s.handleGetFleetEntry))

	mux.Handle("GET /api/discovery/{service}", s.route("discovery_pick", s.handleDiscovery))

	mux.Handle("GET /status/cache", s.route("cache_status", s.handleCacheStatus))
	mux.Handle("PUT /status/cache", s.route("cache_swap", s.handleCacheSwap))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           resilience.DeadlineMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// route instruments a handler with the request metrics.
func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Handler exposes the full middleware stack; tests mount it on httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Stop. It returns once the listener is up.
func (s *Server) Start() {
	go func() {
		lg1 := log.WithComponent("api")
		lg1.Info().Str("addr", s.httpServer.Addr).Msg("http ingress listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg2 := log.WithComponent("api")
			lg2.Error().Err(err).Msg("http ingress failed")
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports DOWN while any critical circuit breaker is open.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health != nil && !s.deps.Health.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "down",
			"open":   s.deps.Health.Down(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
