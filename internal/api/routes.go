package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/email-relay/internal/auth"
)

// SetupRoutes configures all HTTP routes. The public send endpoint is
// authenticated by API key inside its handler; the admin surface sits
// behind the OAuth session middleware when authManager is non-nil.
func SetupRoutes(h *Handlers, authManager *auth.Manager) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	// Auth routes (no auth required)
	if authManager != nil {
		r.Get("/auth/login", authManager.HandleLogin)
		r.Get("/auth/callback", authManager.HandleCallback)
		r.Get("/auth/logout", authManager.HandleLogout)
		r.Get("/auth/user", authManager.HandleUserInfo)
	}

	// Public send endpoint, authenticated per-request by API key
	r.Post("/api/email/send", h.SendEmail)

	// Admin surface
	r.Route("/api/email/admin", func(r chi.Router) {
		if authManager != nil {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					if !authManager.IsAuthenticated(req) {
						respondError(w, http.StatusUnauthorized, "unauthorized")
						return
					}
					next.ServeHTTP(w, req)
				})
			})
		}

		r.Get("/stats", h.GetDashboardStats)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Post("/", h.CreateProject)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", h.GetProject)
				r.Put("/", h.UpdateProject)
				r.Delete("/", h.DeleteProject)
				r.Post("/rotate-key", h.RotateProjectKey)
				r.Get("/escalation-contacts", h.ListContacts)
				r.Post("/escalation-contacts", h.CreateContact)
			})
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", h.ListLogs)
			r.Get("/{logID}", h.GetLog)
		})

		r.Route("/escalation-contacts/{contactID}", func(r chi.Router) {
			r.Put("/", h.UpdateContact)
			r.Delete("/", h.DeleteContact)
		})

		r.Route("/escalation-events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/{eventID}/acknowledge", h.AcknowledgeEvent)
		})
	})

	return r
}
