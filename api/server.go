/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     Request logging
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/campaigns/*      Campaign, policy, membership, audit operations
  /api/ideas/*          Idea registration, lifecycle, coin totals
  /api/allocations      Allocate coins
  /api/reallocations    Move coins between ideas
  /api/scenarios/*      Demo data loaders (development only)
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Campaign routes
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Get("/{id}", h.GetCampaign)
			r.Get("/{id}/policy", h.GetPolicy)
			r.Put("/{id}/policy", h.UpdatePolicy)
			r.Post("/{id}/members", h.JoinCampaign)
			r.Post("/{id}/credits", h.AdminCredit)
			r.Get("/{id}/balances", h.ListBalances)
			r.Get("/{id}/balances/{userID}", h.GetBalance)
			r.Get("/{id}/grants", h.ListGrants)
			r.Get("/{id}/stranded", h.ListStranded)
			r.Post("/{id}/audit", h.RunAudit)
			r.Get("/{id}/audits", h.ListAudits)
		})

		// Idea routes
		r.Route("/ideas", func(r chi.Router) {
			r.Post("/", h.SubmitIdea)
			r.Get("/{id}", h.GetIdea)
			r.Put("/{id}/status", h.UpdateIdeaStatus)
			r.Get("/{id}/coins", h.GetIdeaCoins)
			r.Get("/{id}/allocations", h.ListIdeaAllocations)
		})

		// Coin movement routes
		r.Post("/allocations", h.Allocate)
		r.Post("/reallocations", h.Reallocate)

		// Demo scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
