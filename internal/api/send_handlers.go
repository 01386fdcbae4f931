package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ignite/email-relay/internal/mailer"
)

func mailerSendRequest(req SendEmailRequest) mailer.SendRequest {
	attachments := make([]mailer.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, mailer.Attachment{Filename: a.Filename, Content: a.Content})
	}
	if len(attachments) == 0 {
		attachments = nil
	}
	return mailer.SendRequest{
		To:          req.To,
		CC:          req.CC,
		BCC:         req.BCC,
		Subject:     req.Subject,
		HTMLContent: req.HTMLContent,
		Attachments: attachments,
	}
}

// SendEmailRequest is the public send payload
type SendEmailRequest struct {
	To          []string            `json:"to"`
	CC          []string            `json:"cc,omitempty"`
	BCC         []string            `json:"bcc,omitempty"`
	Subject     string              `json:"subject"`
	HTMLContent string              `json:"html_content"`
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
}

// AttachmentPayload is a filename plus base64 content
type AttachmentPayload struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// SendEmailResponse is the public send result. LogID is present
// whenever a ledger row was created, on success and on failure alike.
type SendEmailResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	LogID             *int64 `json:"log_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

const maxSubjectLength = 500

func (r *SendEmailRequest) validate() string {
	if len(r.To) == 0 {
		return "at least one recipient is required"
	}
	for _, addr := range r.To {
		if strings.TrimSpace(addr) == "" {
			return "recipient addresses must not be empty"
		}
	}
	if r.Subject == "" {
		return "subject is required"
	}
	if len(r.Subject) > maxSubjectLength {
		return "subject exceeds 500 characters"
	}
	if r.HTMLContent == "" {
		return "html_content is required"
	}
	return ""
}

// SendEmail handles POST /api/email/send. Authentication happens
// before any ledger write: an invalid key produces no send record.
func (h *Handlers) SendEmail(w http.ResponseWriter, r *http.Request) {
	rawKey := r.Header.Get("X-API-Key")
	if rawKey == "" {
		respondError(w, http.StatusUnauthorized, "missing X-API-Key header")
		return
	}

	project, err := h.keys.Validate(r.Context(), rawKey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "key validation failed")
		return
	}
	if project == nil {
		respondError(w, http.StatusUnauthorized, "invalid or expired API key")
		return
	}

	var req SendEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	sendReq := mailerSendRequest(req)
	result, err := h.sender.Send(r.Context(), project, sendReq)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "send pipeline failed")
		return
	}

	if result.RateLimited {
		respondJSON(w, http.StatusTooManyRequests, SendEmailResponse{
			Success: false,
			Message: "Rate limit exceeded for this project",
		})
		return
	}

	if result.Success {
		respondJSON(w, http.StatusOK, SendEmailResponse{
			Success:           true,
			Message:           "Email sent successfully",
			LogID:             &result.LogID,
			ProviderMessageID: result.ProviderMessageID,
		})
		return
	}

	respondJSON(w, http.StatusOK, SendEmailResponse{
		Success: false,
		Message: "Email delivery failed. The error has been logged and escalation triggered.",
		LogID:   &result.LogID,
	})
}
