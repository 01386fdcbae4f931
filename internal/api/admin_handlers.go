package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/email-relay/internal/apikey"
	"github.com/ignite/email-relay/internal/mailer"
)

func urlParamID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// ==========================================
// DASHBOARD
// ==========================================

// GetDashboardStats returns the email service dashboard rollup
func (h *Handlers) GetDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dashboard.Stats(r.Context(), time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ==========================================
// PROJECTS
// ==========================================

// CreateProjectRequest is the admin project-creation payload
type CreateProjectRequest struct {
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	APIKeyExpiresAt    *time.Time `json:"api_key_expires_at,omitempty"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerHour   int        `json:"rate_limit_per_hour,omitempty"`
	CreatedBy          string     `json:"created_by,omitempty"`
}

// CreateProjectResponse carries the raw API key. This is the only
// response that ever contains it.
type CreateProjectResponse struct {
	*mailer.Project
	APIKeyRaw string `json:"api_key_raw"`
}

// ListProjects returns all projects, newest first
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*mailer.Project{}
	}
	respondJSON(w, http.StatusOK, projects)
}

// CreateProject creates a project and returns its raw API key once
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, err := apikey.Generate()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}

	project := &mailer.Project{
		Name:               req.Name,
		Description:        req.Description,
		APIKeyHash:         key.Hash,
		APIKeyPrefix:       key.Prefix,
		APIKeyExpiresAt:    req.APIKeyExpiresAt,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerHour:   req.RateLimitPerHour,
		CreatedBy:          req.CreatedBy,
	}
	if err := h.store.CreateProject(r.Context(), project); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	respondJSON(w, http.StatusCreated, CreateProjectResponse{Project: project, APIKeyRaw: key.Raw})
}

// GetProject returns one project
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "projectID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	project, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}
	respondJSON(w, http.StatusOK, project)
}

// UpdateProjectRequest is a partial project update; absent fields are
// left unchanged.
type UpdateProjectRequest struct {
	Name               *string    `json:"name,omitempty"`
	Description        *string    `json:"description,omitempty"`
	IsActive           *bool      `json:"is_active,omitempty"`
	RateLimitPerMinute *int       `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerHour   *int       `json:"rate_limit_per_hour,omitempty"`
	APIKeyExpiresAt    *time.Time `json:"api_key_expires_at,omitempty"`
}

// UpdateProject applies a partial update
func (h *Handlers) UpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "projectID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	project, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}

	var req UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	upd := mailer.ProjectUpdate{
		Name:               req.Name,
		Description:        req.Description,
		IsActive:           req.IsActive,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerHour:   req.RateLimitPerHour,
		APIKeyExpiresAt:    req.APIKeyExpiresAt,
	}
	if err := h.store.UpdateProject(r.Context(), id, upd); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update project")
		return
	}

	project, err = h.store.GetProject(r.Context(), id)
	if err != nil || project == nil {
		respondError(w, http.StatusInternalServerError, "failed to reload project")
		return
	}
	respondJSON(w, http.StatusOK, project)
}

// DeleteProject removes a project and, via cascade, its ledger rows,
// contacts and events.
func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "projectID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	project, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}

	if err := h.store.DeleteProject(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateKeyResponse carries the replacement raw key, shown once.
type RotateKeyResponse struct {
	APIKeyRaw    string `json:"api_key_raw"`
	APIKeyPrefix string `json:"api_key_prefix"`
}

// RotateProjectKey replaces a project's API key. The old key stops
// validating immediately.
func (h *Handlers) RotateProjectKey(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "projectID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	project, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}

	rawKey, err := h.keys.Rotate(r.Context(), project)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to rotate key")
		return
	}

	respondJSON(w, http.StatusOK, RotateKeyResponse{
		APIKeyRaw:    rawKey,
		APIKeyPrefix: project.APIKeyPrefix,
	})
}

// ==========================================
// EMAIL LOGS
// ==========================================

// ListLogs returns ledger rows with filters and pagination
func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	params := ParsePagination(r, 20, 100)

	filter := mailer.LogFilter{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("search"),
	}
	if v := r.URL.Query().Get("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid project_id")
			return
		}
		filter.ProjectID = id
	}

	logs, total, err := h.store.ListLogs(r.Context(), filter, params.PageSize, params.Offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	if logs == nil {
		logs = []*mailer.EmailLog{}
	}
	respondJSON(w, http.StatusOK, NewPaginatedResponse(logs, params, total))
}

// GetLog returns one ledger row
func (h *Handlers) GetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "logID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid log id")
		return
	}

	entry, err := h.store.GetLog(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load log")
		return
	}
	if entry == nil {
		respondError(w, http.StatusNotFound, "log not found")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// ==========================================
// ESCALATION CONTACTS
// ==========================================

// ContactRequest is the create/update payload for escalation contacts
type ContactRequest struct {
	Name     *string `json:"name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Level    *int    `json:"level,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// ListContacts returns a project's escalation contacts
func (h *Handlers) ListContacts(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "projectID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	contacts, err := h.store.ListContacts(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list contacts")
		return
	}
	if contacts == nil {
		contacts = []*mailer.EscalationContact{}
	}
	respondJSON(w, http.StatusOK, contacts)
}

// CreateContact adds an escalation contact to a project
func (h *Handlers) CreateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "projectID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	project, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if project == nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}

	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == nil || *req.Name == "" || req.Email == nil || *req.Email == "" {
		respondError(w, http.StatusBadRequest, "name and email are required")
		return
	}
	level := mailer.LevelFirstFailure
	if req.Level != nil {
		level = *req.Level
	}
	if level < mailer.LevelFirstFailure || level > mailer.LevelCritical {
		respondError(w, http.StatusBadRequest, "level must be 1, 2 or 3")
		return
	}

	contact := &mailer.EscalationContact{
		ProjectID: id,
		Name:      *req.Name,
		Email:     *req.Email,
		Level:     level,
	}
	if err := h.store.CreateContact(r.Context(), contact); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create contact")
		return
	}
	respondJSON(w, http.StatusCreated, contact)
}

// UpdateContact applies a partial update to a contact
func (h *Handlers) UpdateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "contactID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	contact, err := h.store.GetContact(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load contact")
		return
	}
	if contact == nil {
		respondError(w, http.StatusNotFound, "contact not found")
		return
	}

	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Level != nil && (*req.Level < mailer.LevelFirstFailure || *req.Level > mailer.LevelCritical) {
		respondError(w, http.StatusBadRequest, "level must be 1, 2 or 3")
		return
	}

	upd := mailer.ContactUpdate{
		Name:     req.Name,
		Email:    req.Email,
		Level:    req.Level,
		IsActive: req.IsActive,
	}
	if err := h.store.UpdateContact(r.Context(), id, upd); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update contact")
		return
	}

	contact, err = h.store.GetContact(r.Context(), id)
	if err != nil || contact == nil {
		respondError(w, http.StatusInternalServerError, "failed to reload contact")
		return
	}
	respondJSON(w, http.StatusOK, contact)
}

// DeleteContact removes a contact and its events
func (h *Handlers) DeleteContact(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "contactID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	contact, err := h.store.GetContact(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load contact")
		return
	}
	if contact == nil {
		respondError(w, http.StatusNotFound, "contact not found")
		return
	}

	if err := h.store.DeleteContact(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete contact")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ==========================================
// ESCALATION EVENTS
// ==========================================

// ListEvents returns escalation events, optionally filtered to one
// project, with pagination
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	params := ParsePagination(r, 20, 100)

	var projectID int64
	if v := r.URL.Query().Get("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid project_id")
			return
		}
		projectID = id
	}

	events, total, err := h.store.ListEvents(r.Context(), projectID, params.PageSize, params.Offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*mailer.EscalationEvent{}
	}
	respondJSON(w, http.StatusOK, NewPaginatedResponse(events, params, total))
}

// AcknowledgeEvent marks an event acknowledged. Acknowledging twice is
// a conflict, not a no-op.
func (h *Handlers) AcknowledgeEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamID(r, "eventID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	event, err := h.store.AcknowledgeEvent(r.Context(), id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, mailer.ErrAlreadyAcknowledged) {
			respondError(w, http.StatusConflict, "event already acknowledged")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to acknowledge event")
		return
	}
	if event == nil {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "escalation event acknowledged",
		"acknowledged_at": event.AcknowledgedAt,
	})
}
