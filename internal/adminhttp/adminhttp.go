// Package adminhttp serves read-only JSON introspection of a running mount
// server plus its Prometheus metrics, adapted from the teacher's
// internal/api/server.go router-plus-CORS-middleware shape (SPEC_FULL.md
// §C.3).
package adminhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pathspace/remote/internal/metrics"
	"github.com/pathspace/remote/internal/middleware"
	"github.com/pathspace/remote/internal/mountserver"
)

// Server exposes a mountserver.Server's internal state over HTTP.
type Server struct {
	mount   *mountserver.Server
	metrics *metrics.Set
	router  *mux.Router
	limiter *middleware.RateLimiter
}

// New builds the admin router. mount and metricsSet may be the same
// instances a cmd/mountd process passed to mountserver.NewServer. The admin
// endpoint is rate-limited per remote address since, unlike the mount
// protocol, it carries no per-session throttle of its own.
func New(mount *mountserver.Server, metricsSet *metrics.Set) *Server {
	s := &Server{
		mount:   mount,
		metrics: metricsSet,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{}),
	}
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(s.limiter.Middleware)

	r.HandleFunc("/admin/exports", s.handleExports).Methods("GET")
	r.HandleFunc("/admin/sessions", s.handleSessions).Methods("GET")
	r.HandleFunc("/admin/subscriptions", s.handleSubscriptions).Methods("GET")
	if metricsSet != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metricsSet.Registry, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
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

// ServeHTTP lets *Server be used directly as an http.Handler, e.g. with
// http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mount.Exports())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mount.Sessions())
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mount.Subscriptions())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("adminhttp: failed to encode response", "error", err)
	}
}
