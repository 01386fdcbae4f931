package mailer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// FailureWindow is the trailing period over which failures are counted
// when deciding how loudly to escalate.
const FailureWindow = time.Hour

// DecideLevel maps a trailing-hour failure count to the highest
// escalation level that qualifies. The count includes the failure that
// triggered the decision, so it is always at least 1.
func DecideLevel(failuresLastHour int) int {
	switch {
	case failuresLastHour >= 10:
		return LevelCritical
	case failuresLastHour >= 3:
		return LevelSustained
	default:
		return LevelFirstFailure
	}
}

// Escalator applies the escalation policy after a failed send: count
// recent failures, fan out events to every active contact at or below
// the qualifying level, and best-effort email each one.
//
// Alert emails go straight to the transport, not through the ledgered
// Send path. Ledgering them would let a broken transport escalate its
// own escalation alerts.
type Escalator struct {
	store     *Store
	transport Transport
}

// NewEscalator creates an escalator
func NewEscalator(store *Store, transport Transport) *Escalator {
	return &Escalator{store: store, transport: transport}
}

// Trigger runs the policy for one failed ledger row. An error is
// returned only when the event records themselves cannot be written;
// undeliverable alert emails are logged and skipped, since the event
// row is the durable signal and the email just a nudge.
func (e *Escalator) Trigger(ctx context.Context, project *Project, failed *EmailLog) error {
	failures, err := e.store.CountRecentFailures(ctx, project.ID, FailureWindow)
	if err != nil {
		return fmt.Errorf("count recent failures: %w", err)
	}
	if failures < 1 {
		// The triggering row is already terminal, so the count should
		// include it; guard against clock skew on created_at.
		failures = 1
	}

	maxLevel := DecideLevel(failures)
	contacts, err := e.store.ListActiveContactsUpToLevel(ctx, project.ID, maxLevel)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}

	for _, contact := range contacts {
		event := &EscalationEvent{
			EmailLogID: failed.ID,
			ContactID:  contact.ID,
			Level:      contact.Level,
		}
		if err := e.store.CreateEvent(ctx, event); err != nil {
			return fmt.Errorf("create event for contact %d: %w", contact.ID, err)
		}

		if err := e.notify(ctx, project, contact, failed, failures); err != nil {
			log.Printf("[mailer] escalation alert to %s failed: %v", contact.Email, err)
		}
	}

	return nil
}

// notify sends the human-readable alert email to one contact.
func (e *Escalator) notify(ctx context.Context, project *Project, contact *EscalationContact, failed *EmailLog, failures int) error {
	subject := fmt.Sprintf("[L%d] Email Service Alert - %s", contact.Level, project.Name)
	_, err := e.transport.Send(ctx, Envelope{
		To:      []string{contact.Email},
		Subject: subject,
		HTML:    alertBody(project, contact, failed, failures),
	})
	return err
}

func alertBody(project *Project, contact *EscalationContact, failed *EmailLog, failures int) string {
	return fmt.Sprintf(`<h2>Email Service Alert - %s</h2>
<p><strong>Level:</strong> L%d</p>
<p><strong>Project:</strong> %s</p>
<p><strong>Failed email subject:</strong> %s</p>
<p><strong>Recipients:</strong> %s</p>
<p><strong>Error:</strong> %s</p>
<p><strong>Failures in last hour:</strong> %d</p>
<p><strong>Time:</strong> %s</p>`,
		project.Name, contact.Level, project.Name, failed.Subject,
		strings.Join(failed.ToEmails, ", "), failed.ErrorMessage,
		failures, time.Now().UTC().Format(time.RFC3339))
}
