package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ignite/email-relay/internal/apikey"
	"github.com/ignite/email-relay/internal/mailer"
)

// Handlers holds dependencies for all HTTP endpoints
type Handlers struct {
	store     *mailer.Store
	keys      *apikey.Manager
	sender    *mailer.Service
	dashboard *mailer.Dashboard
}

// NewHandlers creates the handler set
func NewHandlers(store *mailer.Store, keys *apikey.Manager, sender *mailer.Service, dashboard *mailer.Dashboard) *Handlers {
	return &Handlers{
		store:     store,
		keys:      keys,
		sender:    sender,
		dashboard: dashboard,
	}
}

// HealthCheck reports service liveness
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
