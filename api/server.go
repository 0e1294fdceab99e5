/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests from shop-floor tablets

ROUTE GROUPS:
  /api/orders/*         Orders, punches, capacity, history
  /api/recovery/*       Recovery sweep
  /api/employees/*      Employee master data
  /api/workstations/*   Workstation master data
  /api/fixtures/load    Seed data (dev only, see Handler.EnableFixtures)
  /healthz              Liveness

SECURITY NOTE:
  Punches are attributed through the actor token. With auth.jwt_secret
  set the token is a signed JWT; otherwise any caller can punch as any
  employee number.

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
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/activate", h.ActivateOrder)
			r.Post("/{id}/materials", h.SetMaterials)
			r.Get("/{id}/operations/{index}/capacity", h.GetCapacity)
			r.Post("/{id}/operations/{index}/punches", h.ReportPunch)
			r.Get("/{id}/punches", h.GetHistory)
			r.Get("/{id}/punches.csv", h.ExportHistory)
			r.Post("/{id}/punches/archive", h.ArchiveHistory)
		})

		r.Route("/recovery", func(r chi.Router) {
			r.Get("/pending", h.ListPendingRecovery)
			r.Post("/run", h.RunRecovery)
		})

		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.SaveEmployee)
		})
		r.Put("/workstations/{id}", h.SaveWorkstation)

		r.Post("/fixtures/load", h.LoadFixture)
	})

	return r
}
