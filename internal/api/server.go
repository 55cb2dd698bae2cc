package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/workshop-mini/internal/metrics"
	"github.com/shehryarbajwa/workshop-mini/internal/proxy"
	"github.com/shehryarbajwa/workshop-mini/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, m *metrics.Collector, isAdmin func(string) bool) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(h.logger))

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")

	// API v1 routes, all identified
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(IdentityMiddleware(isAdmin))

	// Session endpoints (rate limited per owner)
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter, m))

	rateLimitedAPI.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	rateLimitedAPI.HandleFunc("/sessions/{id}/extend", h.ExtendSession).Methods("POST")

	// Terminal proxy (not rate limited, long lived)
	if proxyServer != nil {
		api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
			sessionID := mux.Vars(r)["id"]
			if err := proxyServer.Connect(w, r, CallerFrom(r.Context()), sessionID); err != nil {
				h.writeError(w, r, err)
			}
		}).Methods("GET")
	}

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
