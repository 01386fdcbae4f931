package mailer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAlreadyAcknowledged is returned when acknowledging an event that
// already has an acknowledged_at timestamp.
var ErrAlreadyAcknowledged = errors.New("escalation event already acknowledged")

// Store provides database operations for relay entities
type Store struct {
	db *sql.DB
}

// NewStore creates a new relay store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only aggregation queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ==========================================
// PROJECT OPERATIONS
// ==========================================

// CreateProject inserts a new project row. The caller supplies the
// already-hashed key material; raw keys never reach the store.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	query := `INSERT INTO email_projects (name, description, api_key_hash, api_key_prefix,
		api_key_expires_at, is_active, rate_limit_per_minute, rate_limit_per_hour, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	p.CreatedAt = time.Now().UTC()
	if p.RateLimitPerMinute == 0 {
		p.RateLimitPerMinute = 30
	}
	if p.RateLimitPerHour == 0 {
		p.RateLimitPerHour = 500
	}
	p.IsActive = true

	return s.db.QueryRowContext(ctx, query, p.Name, p.Description, p.APIKeyHash, p.APIKeyPrefix,
		p.APIKeyExpiresAt, p.IsActive, p.RateLimitPerMinute, p.RateLimitPerHour,
		p.CreatedBy, p.CreatedAt).Scan(&p.ID)
}

const projectColumns = `id, name, COALESCE(description, ''), api_key_hash, api_key_prefix,
	api_key_expires_at, is_active, rate_limit_per_minute, rate_limit_per_hour,
	COALESCE(created_by, ''), created_at, updated_at`

func scanProject(row interface{ Scan(...interface{}) error }) (*Project, error) {
	p := &Project{}
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.APIKeyHash, &p.APIKeyPrefix,
		&p.APIKeyExpiresAt, &p.IsActive, &p.RateLimitPerMinute, &p.RateLimitPerHour,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM email_projects WHERE id = $1`
	return scanProject(s.db.QueryRowContext(ctx, query, id))
}

// GetActiveProjectByPrefix retrieves the active project whose stored key
// prefix matches. Inactive projects never match; expiry is checked by
// the credential layer so the failure surface stays uniform.
func (s *Store) GetActiveProjectByPrefix(ctx context.Context, prefix string) (*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM email_projects
		WHERE api_key_prefix = $1 AND is_active = true`
	return scanProject(s.db.QueryRowContext(ctx, query, prefix))
}

// ListProjects retrieves all projects, most recent first
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM email_projects ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ProjectUpdate holds the mutable project fields. Nil pointers leave
// the column untouched.
type ProjectUpdate struct {
	Name               *string
	Description        *string
	IsActive           *bool
	RateLimitPerMinute *int
	RateLimitPerHour   *int
	APIKeyExpiresAt    *time.Time
}

// UpdateProject applies a partial update and bumps updated_at.
func (s *Store) UpdateProject(ctx context.Context, id int64, upd ProjectUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}
	i := 1

	add := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}

	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.IsActive != nil {
		add("is_active", *upd.IsActive)
	}
	if upd.RateLimitPerMinute != nil {
		add("rate_limit_per_minute", *upd.RateLimitPerMinute)
	}
	if upd.RateLimitPerHour != nil {
		add("rate_limit_per_hour", *upd.RateLimitPerHour)
	}
	if upd.APIKeyExpiresAt != nil {
		add("api_key_expires_at", *upd.APIKeyExpiresAt)
	}

	query := fmt.Sprintf("UPDATE email_projects SET %s WHERE id = $%d", strings.Join(sets, ", "), i)
	args = append(args, id)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// UpdateProjectKey atomically replaces a project's credential material.
// The old hash and prefix are gone once this commits.
func (s *Store) UpdateProjectKey(ctx context.Context, id int64, hash, prefix string) error {
	query := `UPDATE email_projects SET api_key_hash = $1, api_key_prefix = $2, updated_at = NOW()
		WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, hash, prefix, id)
	return err
}

// DeleteProject removes a project; send logs, contacts and events go
// with it via the schema's cascade rules.
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM email_projects WHERE id = $1`, id)
	return err
}

// ==========================================
// EMAIL LOG OPERATIONS
// ==========================================

// CreateLog inserts a queued ledger row. Called before the transport
// attempt so a crash mid-send still leaves an observable row.
func (s *Store) CreateLog(ctx context.Context, l *EmailLog) error {
	query := `INSERT INTO email_logs (project_id, to_emails, cc, bcc, subject, body_html,
		attachments_count, attachment_names, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	l.Status = StatusQueued
	l.CreatedAt = time.Now().UTC()

	return s.db.QueryRowContext(ctx, query, l.ProjectID, l.ToEmails,
		l.CC, l.BCC, l.Subject, l.BodyHTML,
		l.AttachmentsCount, l.AttachmentNames, l.Status, l.CreatedAt).Scan(&l.ID)
}

// MarkLogSent transitions a queued row to sent. Rows already in a
// terminal state are left untouched.
func (s *Store) MarkLogSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error {
	query := `UPDATE email_logs SET status = $1, provider_message_id = $2, sent_at = $3
		WHERE id = $4 AND status = $5`
	_, err := s.db.ExecContext(ctx, query, StatusSent, providerMessageID, sentAt, id, StatusQueued)
	return err
}

// MarkLogFailed transitions a queued row to failed, recording the
// transport's error description verbatim. Rows already in a terminal
// state are left untouched.
func (s *Store) MarkLogFailed(ctx context.Context, id int64, errorMessage string) error {
	query := `UPDATE email_logs SET status = $1, error_message = $2
		WHERE id = $3 AND status = $4`
	_, err := s.db.ExecContext(ctx, query, StatusFailed, errorMessage, id, StatusQueued)
	return err
}

const logColumns = `l.id, l.project_id, l.to_emails, l.cc, l.bcc, l.subject, l.body_html,
	l.attachments_count, l.attachment_names, l.status, COALESCE(l.error_message, ''),
	COALESCE(l.provider_message_id, ''), l.sent_at, l.created_at`

func scanLog(row interface{ Scan(...interface{}) error }) (*EmailLog, error) {
	l := &EmailLog{}
	err := row.Scan(&l.ID, &l.ProjectID, &l.ToEmails, &l.CC, &l.BCC, &l.Subject, &l.BodyHTML,
		&l.AttachmentsCount, &l.AttachmentNames, &l.Status, &l.ErrorMessage,
		&l.ProviderMessageID, &l.SentAt, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// GetLog retrieves a single ledger row with its project name
func (s *Store) GetLog(ctx context.Context, id int64) (*EmailLog, error) {
	query := `SELECT ` + logColumns + `, COALESCE(p.name, '')
		FROM email_logs l
		LEFT JOIN email_projects p ON p.id = l.project_id
		WHERE l.id = $1`

	l := &EmailLog{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.ProjectID, &l.ToEmails, &l.CC, &l.BCC, &l.Subject, &l.BodyHTML,
		&l.AttachmentsCount, &l.AttachmentNames, &l.Status, &l.ErrorMessage,
		&l.ProviderMessageID, &l.SentAt, &l.CreatedAt, &l.ProjectName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// LogFilter narrows ListLogs. Zero values mean "no filter".
type LogFilter struct {
	ProjectID int64
	Status    string
	Search    string
}

// ListLogs retrieves ledger rows matching the filter, newest first,
// with the total match count for pagination.
func (s *Store) ListLogs(ctx context.Context, filter LogFilter, limit, offset int) ([]*EmailLog, int64, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	i := 1

	if filter.ProjectID != 0 {
		where = append(where, fmt.Sprintf("l.project_id = $%d", i))
		args = append(args, filter.ProjectID)
		i++
	}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("l.status = $%d", i))
		args = append(args, filter.Status)
		i++
	}
	if filter.Search != "" {
		where = append(where, fmt.Sprintf("(l.subject ILIKE $%d OR l.error_message ILIKE $%d)", i, i))
		args = append(args, "%"+filter.Search+"%")
		i++
	}
	cond := strings.Join(where, " AND ")

	var total int64
	countQuery := "SELECT COUNT(*) FROM email_logs l WHERE " + cond
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+logColumns+`, COALESCE(p.name, '')
		FROM email_logs l
		LEFT JOIN email_projects p ON p.id = l.project_id
		WHERE %s
		ORDER BY l.created_at DESC
		LIMIT $%d OFFSET $%d`, cond, i, i+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*EmailLog
	for rows.Next() {
		l := &EmailLog{}
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.ToEmails, &l.CC, &l.BCC, &l.Subject, &l.BodyHTML,
			&l.AttachmentsCount, &l.AttachmentNames, &l.Status, &l.ErrorMessage,
			&l.ProviderMessageID, &l.SentAt, &l.CreatedAt, &l.ProjectName); err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// CountRecentFailures counts failed ledger rows for a project created
// within the trailing window ending now. Best-effort snapshot; two
// concurrent failures may both read the pre-increment count.
func (s *Store) CountRecentFailures(ctx context.Context, projectID int64, window time.Duration) (int, error) {
	query := `SELECT COUNT(*) FROM email_logs
		WHERE project_id = $1 AND status = $2 AND created_at >= $3`

	var count int
	since := time.Now().UTC().Add(-window)
	err := s.db.QueryRowContext(ctx, query, projectID, StatusFailed, since).Scan(&count)
	return count, err
}

// ==========================================
// ESCALATION CONTACT OPERATIONS
// ==========================================

// CreateContact adds an escalation contact to a project
func (s *Store) CreateContact(ctx context.Context, c *EscalationContact) error {
	query := `INSERT INTO email_escalation_contacts (project_id, name, email, level, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	c.IsActive = true
	c.CreatedAt = time.Now().UTC()
	return s.db.QueryRowContext(ctx, query, c.ProjectID, c.Name, c.Email, c.Level,
		c.IsActive, c.CreatedAt).Scan(&c.ID)
}

const contactColumns = `id, project_id, name, email, level, is_active, created_at`

func scanContact(row interface{ Scan(...interface{}) error }) (*EscalationContact, error) {
	c := &EscalationContact{}
	err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Email, &c.Level, &c.IsActive, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetContact retrieves a contact by ID
func (s *Store) GetContact(ctx context.Context, id int64) (*EscalationContact, error) {
	query := `SELECT ` + contactColumns + ` FROM email_escalation_contacts WHERE id = $1`
	return scanContact(s.db.QueryRowContext(ctx, query, id))
}

// ListContacts retrieves all contacts for a project ordered by level
func (s *Store) ListContacts(ctx context.Context, projectID int64) ([]*EscalationContact, error) {
	query := `SELECT ` + contactColumns + ` FROM email_escalation_contacts
		WHERE project_id = $1 ORDER BY level, name`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*EscalationContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ListActiveContactsUpToLevel retrieves active contacts whose level is
// at or below maxLevel. Escalation fan-out is cumulative: a critical
// failure notifies levels 1, 2 and 3.
func (s *Store) ListActiveContactsUpToLevel(ctx context.Context, projectID int64, maxLevel int) ([]*EscalationContact, error) {
	query := `SELECT ` + contactColumns + ` FROM email_escalation_contacts
		WHERE project_id = $1 AND is_active = true AND level <= $2
		ORDER BY level, name`

	rows, err := s.db.QueryContext(ctx, query, projectID, maxLevel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*EscalationContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ContactUpdate holds the mutable contact fields
type ContactUpdate struct {
	Name     *string
	Email    *string
	Level    *int
	IsActive *bool
}

// UpdateContact applies a partial update to a contact
func (s *Store) UpdateContact(ctx context.Context, id int64, upd ContactUpdate) error {
	sets := []string{}
	args := []interface{}{}
	i := 1

	add := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}

	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.Level != nil {
		add("level", *upd.Level)
	}
	if upd.IsActive != nil {
		add("is_active", *upd.IsActive)
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE email_escalation_contacts SET %s WHERE id = $%d", strings.Join(sets, ", "), i)
	args = append(args, id)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// DeleteContact removes a contact; its events cascade away with it.
func (s *Store) DeleteContact(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM email_escalation_contacts WHERE id = $1`, id)
	return err
}

// ==========================================
// ESCALATION EVENT OPERATIONS
// ==========================================

// CreateEvent records one contact notification for one failed send
func (s *Store) CreateEvent(ctx context.Context, e *EscalationEvent) error {
	query := `INSERT INTO email_escalation_events (email_log_id, contact_id, level, notified_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	e.NotifiedAt = time.Now().UTC()
	return s.db.QueryRowContext(ctx, query, e.EmailLogID, e.ContactID, e.Level, e.NotifiedAt).Scan(&e.ID)
}

// GetEvent retrieves an event by ID
func (s *Store) GetEvent(ctx context.Context, id int64) (*EscalationEvent, error) {
	query := `SELECT id, email_log_id, contact_id, level, notified_at, acknowledged_at
		FROM email_escalation_events WHERE id = $1`

	e := &EscalationEvent{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.EmailLogID, &e.ContactID, &e.Level, &e.NotifiedAt, &e.AcknowledgedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListEvents retrieves events newest first, optionally filtered to one
// project (joined through the ledger), enriched with contact and log
// details for the admin view.
func (s *Store) ListEvents(ctx context.Context, projectID int64, limit, offset int) ([]*EscalationEvent, int64, error) {
	where := "1=1"
	args := []interface{}{}
	i := 1
	if projectID != 0 {
		where = fmt.Sprintf("l.project_id = $%d", i)
		args = append(args, projectID)
		i++
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM email_escalation_events e
		JOIN email_logs l ON l.id = e.email_log_id
		WHERE ` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT e.id, e.email_log_id, e.contact_id, e.level, e.notified_at, e.acknowledged_at,
		COALESCE(c.name, ''), COALESCE(c.email, ''), COALESCE(p.name, ''),
		COALESCE(l.subject, ''), COALESCE(l.error_message, '')
		FROM email_escalation_events e
		JOIN email_logs l ON l.id = e.email_log_id
		LEFT JOIN email_escalation_contacts c ON c.id = e.contact_id
		LEFT JOIN email_projects p ON p.id = l.project_id
		WHERE %s
		ORDER BY e.notified_at DESC
		LIMIT $%d OFFSET $%d`, where, i, i+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*EscalationEvent
	for rows.Next() {
		e := &EscalationEvent{}
		if err := rows.Scan(&e.ID, &e.EmailLogID, &e.ContactID, &e.Level, &e.NotifiedAt, &e.AcknowledgedAt,
			&e.ContactName, &e.ContactEmail, &e.ProjectName, &e.EmailSubject, &e.ErrorMessage); err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// AcknowledgeEvent sets acknowledged_at exactly once. A second attempt
// is a caller error, surfaced as ErrAlreadyAcknowledged rather than
// silently accepted.
func (s *Store) AcknowledgeEvent(ctx context.Context, id int64, at time.Time) (*EscalationEvent, error) {
	event, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, nil
	}
	if event.AcknowledgedAt != nil {
		return nil, ErrAlreadyAcknowledged
	}

	query := `UPDATE email_escalation_events SET acknowledged_at = $1
		WHERE id = $2 AND acknowledged_at IS NULL`
	res, err := s.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Lost a race with another acknowledger.
		return nil, ErrAlreadyAcknowledged
	}

	event.AcknowledgedAt = &at
	return event, nil
}
