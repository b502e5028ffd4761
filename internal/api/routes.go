package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no tenant required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Route("/clients", func(r chi.Router) {
			r.Post("/", h.HandleCreateClient)
			r.Get("/", h.HandleListClients)
			r.Get("/{id}", h.HandleGetClient)
			r.Put("/{id}", h.HandleUpdateClient)
		})

		r.Route("/audiences", func(r chi.Router) {
			r.Post("/", h.HandleUpsertAudience)
			r.Get("/", h.HandleListAudiences)
			r.Get("/{key}", h.HandleGetAudience)
			r.Post("/run", h.HandleRunAudience)
		})
		r.Route("/audience-runs", func(r chi.Router) {
			r.Get("/", h.HandleListAudienceRuns)
			r.Get("/{id}", h.HandleGetAudienceRun)
			r.Get("/{id}/members", h.HandleListAudienceRunMembers)
		})

		r.Route("/rule-sets", func(r chi.Router) {
			r.Post("/", h.HandleUpsertRuleSet)
			r.Get("/", h.HandleListRuleSets)
			r.Get("/active", h.HandleGetActiveRuleSet)
			r.Get("/{id}", h.HandleGetRuleSet)
			r.Post("/{id}/activate", h.HandleActivateRuleSet)
		})
		r.Post("/score", h.HandleScoreClient)
		r.Route("/scoring-runs", func(r chi.Router) {
			r.Get("/", h.HandleListScoringRuns)
			r.Get("/{id}", h.HandleGetScoringRun)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", h.HandleUpsertTemplate)
			r.Get("/", h.HandleListTemplates)
		})
		r.Route("/triggers", func(r chi.Router) {
			r.Post("/", h.HandleUpsertTrigger)
			r.Get("/", h.HandleListTriggers)
		})
		r.Route("/notifications", func(r chi.Router) {
			r.Post("/detect", h.HandleDetect)
			r.Post("/process", h.HandleProcessQueue)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.HandleListJobs)
			r.Get("/{id}", h.HandleGetJob)
		})
	})

	return r
}
