package mailer

import (
	"context"
	"log"
	"time"
)

// SendResult is what every Send call returns: a definitive outcome and
// a ledger reference. There is no "in flight" state at this boundary.
type SendResult struct {
	Success           bool
	LogID             int64
	ProviderMessageID string
	RateLimited       bool
}

// Service orchestrates the send pipeline: ledger write, transport call,
// terminal ledger update, escalation on failure.
type Service struct {
	store      *Store
	transport  Transport
	escalation *Escalator
	limiter    Limiter
}

// NewService creates the sending service. limiter may be nil, in which
// case the per-project rate limit columns stay advisory.
func NewService(store *Store, transport Transport, escalation *Escalator, limiter Limiter) *Service {
	return &Service{
		store:      store,
		transport:  transport,
		escalation: escalation,
		limiter:    limiter,
	}
}

// SendRequest is the validated inbound envelope plus attachments.
type SendRequest struct {
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	HTMLContent string
	Attachments []Attachment
}

// Send runs one send attempt for a project. The queued ledger row is
// committed before the transport call begins; the transport outcome is
// written in a second commit. Escalation errors are logged, never
// returned: a failure to notify about a failure must not fail the send
// request itself.
func (s *Service) Send(ctx context.Context, project *Project, req SendRequest) (SendResult, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, project)
		if err != nil {
			log.Printf("[mailer] rate limiter error for project %d, allowing send: %v", project.ID, err)
		} else if !allowed {
			return SendResult{RateLimited: true}, nil
		}
	}

	names := make(StringList, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		names = append(names, a.Filename)
	}
	if len(names) == 0 {
		names = nil
	}

	entry := &EmailLog{
		ProjectID:        project.ID,
		ToEmails:         req.To,
		CC:               req.CC,
		BCC:              req.BCC,
		Subject:          req.Subject,
		BodyHTML:         req.HTMLContent,
		AttachmentsCount: len(req.Attachments),
		AttachmentNames:  names,
	}
	if err := s.store.CreateLog(ctx, entry); err != nil {
		return SendResult{}, err
	}

	messageID, sendErr := s.transport.Send(ctx, Envelope{
		To:          req.To,
		CC:          req.CC,
		BCC:         req.BCC,
		Subject:     req.Subject,
		HTML:        req.HTMLContent,
		Attachments: req.Attachments,
	})

	if sendErr == nil {
		if err := s.store.MarkLogSent(ctx, entry.ID, messageID, time.Now().UTC()); err != nil {
			return SendResult{}, err
		}
		return SendResult{Success: true, LogID: entry.ID, ProviderMessageID: messageID}, nil
	}

	if err := s.store.MarkLogFailed(ctx, entry.ID, sendErr.Error()); err != nil {
		return SendResult{}, err
	}
	entry.Status = StatusFailed
	entry.ErrorMessage = sendErr.Error()

	if s.escalation != nil {
		if err := s.escalation.Trigger(ctx, project, entry); err != nil {
			log.Printf("[mailer] escalation failed for project %d log %d: %v", project.ID, entry.ID, err)
		}
	}

	return SendResult{Success: false, LogID: entry.ID}, nil
}
