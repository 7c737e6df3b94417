package gateway

import (
	"net/http"
	"sort"
	"time"

	"github.com/budgetiq/budgetiq-gateway/internal/governance"
)

// AdminHandler serves the operational endpoints on the admin listener.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.AdminMiddleware("metrics", s.metrics.Handler()))
	mux.Handle("/healthz", s.metrics.AdminMiddleware("healthz", http.HandlerFunc(s.handleHealthz)))
	mux.Handle("/readyz", s.metrics.AdminMiddleware("readyz", http.HandlerFunc(s.handleReadyz)))
	mux.Handle("/admin/circuits", s.metrics.AdminMiddleware("circuits", http.HandlerFunc(s.handleCircuits)))
	mux.Handle("/admin/routes", s.metrics.AdminMiddleware("routes", http.HandlerFunc(s.handleRoutes)))
	mux.Handle("/admin/upstreams", s.metrics.AdminMiddleware("upstreams", http.HandlerFunc(s.handleUpstreams)))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	rt := s.Runtime()
	if !s.ready.Load() || rt == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"generation": rt.Generation,
		"loadedAt":   rt.LoadedAt.UTC().Format(time.RFC3339),
	})
}

// handleCircuits lists breaker state. POST resets every breaker to closed.
func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.breakers.Stats())
	case http.MethodPost:
		s.breakers.ResetAll()
		s.logger.Warn("all circuit breakers reset by operator", "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusOK, s.breakers.Stats())
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type routeView struct {
	ID             string   `json:"id"`
	Method         string   `json:"method"`
	Path           string   `json:"path"`
	Upstream       string   `json:"upstream"`
	RequiredClaims []string `json:"requiredClaims,omitempty"`
	Policy         string   `json:"policy,omitempty"`
	StripPrefix    string   `json:"stripPrefix,omitempty"`
	RateLimit      *float64 `json:"rateLimitRps,omitempty"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rt := s.Runtime()
	routes := rt.Routes.Routes()
	views := make([]routeView, 0, len(routes))
	for _, route := range routes {
		view := routeView{
			ID:             route.ID,
			Method:         route.Method,
			Path:           route.Pattern,
			Upstream:       route.Upstream,
			RequiredClaims: route.RequiredClaims.Values(),
			Policy:         route.Policy,
			StripPrefix:    route.StripPrefix,
		}
		if route.RateLimit != nil {
			rps := route.RateLimit.RequestsPerSecond
			view.RateLimit = &rps
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": rt.Generation,
		"routes":     views,
	})
}

type upstreamView struct {
	ID       string                          `json:"id"`
	BaseURL  string                          `json:"baseUrl"`
	Deadline string                          `json:"deadline"`
	Attempts int                             `json:"maxAttempts"`
	Circuit  *governance.CircuitBreakerStats `json:"circuit,omitempty"`
	Health   *governance.HealthStatus        `json:"health,omitempty"`
}

func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rt := s.Runtime()
	circuits := s.breakers.Stats()
	health := s.prober.Status()

	ids := make([]string, 0, len(rt.Upstreams))
	for id := range rt.Upstreams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	views := make([]upstreamView, 0, len(ids))
	for _, id := range ids {
		u := rt.Upstreams[id]
		view := upstreamView{
			ID:       id,
			BaseURL:  u.BaseURL,
			Deadline: u.Deadline(rt.Config.Auth.AuthBudget).String(),
			Attempts: u.Attempts(),
		}
		if st, ok := circuits[id]; ok {
			view.Circuit = &st
		}
		if st, ok := health[id]; ok {
			view.Health = &st
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upstreams":  views,
		"rateLimits": s.limiter.Stats(),
	})
}
