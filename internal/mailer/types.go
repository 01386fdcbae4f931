package mailer

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Email log status constants
const (
	StatusQueued = "queued"
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Escalation levels
const (
	LevelFirstFailure = 1
	LevelSustained    = 2
	LevelCritical     = 3
)

// Project is a tenant of the email relay. Only the bcrypt hash and a
// 12-character lookup prefix of its API key are persisted; the raw key
// is returned exactly once at creation or rotation.
type Project struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	APIKeyHash         string     `json:"-"`
	APIKeyPrefix       string     `json:"api_key_prefix"`
	APIKeyExpiresAt    *time.Time `json:"api_key_expires_at,omitempty"`
	IsActive           bool       `json:"is_active"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	RateLimitPerHour   int        `json:"rate_limit_per_hour"`
	CreatedBy          string     `json:"created_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
}

// EmailLog is one row of the send ledger. A row is inserted with status
// queued before the transport call and updated to a terminal status
// after; it never transitions backwards.
type EmailLog struct {
	ID                int64          `json:"id"`
	ProjectID         int64          `json:"project_id"`
	ProjectName       string         `json:"project_name,omitempty"`
	ToEmails          pq.StringArray `json:"to_emails"`
	CC                pq.StringArray `json:"cc,omitempty"`
	BCC               pq.StringArray `json:"bcc,omitempty"`
	Subject           string         `json:"subject"`
	BodyHTML          string         `json:"body_html"`
	AttachmentsCount  int            `json:"attachments_count"`
	AttachmentNames   StringList     `json:"attachment_names,omitempty"`
	Status            string         `json:"status"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// EscalationContact is a human notified when a project's sends fail.
// Level 1 contacts hear about every failure; levels 2 and 3 only under
// sustained and critical failure rates.
type EscalationContact struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Level     int       `json:"level"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// EscalationEvent records one notification of one contact about one
// failed send. Acknowledgment is the only mutation and is irreversible.
type EscalationEvent struct {
	ID             int64      `json:"id"`
	EmailLogID     int64      `json:"email_log_id"`
	ContactID      int64      `json:"contact_id"`
	Level          int        `json:"level"`
	NotifiedAt     time.Time  `json:"notified_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	// Enrichment fields populated by list queries, not stored.
	ContactName  string `json:"contact_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
	ProjectName  string `json:"project_name,omitempty"`
	EmailSubject string `json:"email_subject,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Attachment is an inbound attachment: filename plus base64 content.
// Only the filename is retained in the ledger.
type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// StringList is a []string stored as JSONB.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

// Envelope is the transport-facing shape of one outbound message.
type Envelope struct {
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Transport is the external send-email capability. Implementations
// return the provider-assigned message id on success.
type Transport interface {
	Send(ctx context.Context, env Envelope) (messageID string, err error)
}
