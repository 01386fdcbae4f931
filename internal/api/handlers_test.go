package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/email-relay/internal/apikey"
	"github.com/ignite/email-relay/internal/mailer"
)

type stubTransport struct {
	err       error
	messageID string
	calls     int
}

func (t *stubTransport) Send(ctx context.Context, env mailer.Envelope) (string, error) {
	t.calls++
	if t.err != nil {
		return "", t.err
	}
	return t.messageID, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, project *mailer.Project) (bool, error) {
	return false, nil
}

func setupServer(t *testing.T, transport mailer.Transport, limiter mailer.Limiter) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := mailer.NewStore(db)
	keys := apikey.NewManager(store)
	sender := mailer.NewService(store, transport, nil, limiter)
	dashboard := mailer.NewDashboard(store)
	h := NewHandlers(store, keys, sender, dashboard)
	return SetupRoutes(h, nil), mock
}

func projectColumns() []string {
	return []string{"id", "name", "description", "api_key_hash", "api_key_prefix",
		"api_key_expires_at", "is_active", "rate_limit_per_minute", "rate_limit_per_hour",
		"created_by", "created_at", "updated_at"}
}

func projectRow(key apikey.Key) *sqlmock.Rows {
	return sqlmock.NewRows(projectColumns()).
		AddRow(int64(1), "Acme", "", key.Hash, key.Prefix, nil, true, 30, 500, "",
			time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC), nil)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func validSendPayload() SendEmailRequest {
	return SendEmailRequest{
		To:          []string{"user@example.com"},
		Subject:     "Welcome",
		HTMLContent: "<p>Hello</p>",
	}
}

// ==========================================
// SEND ENDPOINT
// ==========================================

func TestSendEmailMissingKey(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/email/send", validSendPayload(), nil)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	// No credential, no database traffic.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestSendEmailUnknownKey(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	key, err := apikey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery("FROM email_projects").
		WithArgs(key.Prefix).
		WillReturnRows(sqlmock.NewRows(projectColumns()))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/send", validSendPayload(),
		map[string]string{"X-API-Key": key.Raw})

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	// A rejected key must never reach the ledger.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestSendEmailMalformedKeySkipsDatabase(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/email/send", validSendPayload(),
		map[string]string{"X-API-Key": "not-a-key"})

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestSendEmailValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload SendEmailRequest
		wantMsg string
	}{
		{
			name:    "no recipients",
			payload: SendEmailRequest{Subject: "s", HTMLContent: "<p>b</p>"},
			wantMsg: "at least one recipient is required",
		},
		{
			name:    "blank recipient",
			payload: SendEmailRequest{To: []string{"  "}, Subject: "s", HTMLContent: "<p>b</p>"},
			wantMsg: "recipient addresses must not be empty",
		},
		{
			name:    "missing subject",
			payload: SendEmailRequest{To: []string{"a@b.co"}, HTMLContent: "<p>b</p>"},
			wantMsg: "subject is required",
		},
		{
			name:    "subject too long",
			payload: SendEmailRequest{To: []string{"a@b.co"}, Subject: strings.Repeat("x", 501), HTMLContent: "<p>b</p>"},
			wantMsg: "subject exceeds 500 characters",
		},
		{
			name:    "missing body",
			payload: SendEmailRequest{To: []string{"a@b.co"}, Subject: "s"},
			wantMsg: "html_content is required",
		},
	}

	transport := &stubTransport{}
	handler, mock := setupServer(t, transport, nil)
	key, err := apikey.Generate()
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectQuery("FROM email_projects").
				WithArgs(key.Prefix).
				WillReturnRows(projectRow(key))

			rec := doJSON(t, handler, http.MethodPost, "/api/email/send", tt.payload,
				map[string]string{"X-API-Key": key.Raw})

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != tt.wantMsg {
				t.Errorf("error = %q, want %q", body["error"], tt.wantMsg)
			}
		})
	}

	if transport.calls != 0 {
		t.Errorf("transport called %d times for invalid payloads", transport.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestSendEmailSuccess(t *testing.T) {
	transport := &stubTransport{messageID: "ses-msg-001"}
	handler, mock := setupServer(t, transport, nil)

	key, err := apikey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery("FROM email_projects").
		WithArgs(key.Prefix).
		WillReturnRows(projectRow(key))
	mock.ExpectQuery("INSERT INTO email_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("UPDATE email_logs").
		WithArgs(mailer.StatusSent, "ses-msg-001", sqlmock.AnyArg(), int64(42), mailer.StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/send", validSendPayload(),
		map[string]string{"X-API-Key": key.Raw})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}

	var resp SendEmailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !resp.Success {
		t.Error("success = false, want true")
	}
	if resp.LogID == nil || *resp.LogID != 42 {
		t.Errorf("log_id = %v, want 42", resp.LogID)
	}
	if resp.ProviderMessageID != "ses-msg-001" {
		t.Errorf("provider_message_id = %q", resp.ProviderMessageID)
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSendEmailDeliveryFailure(t *testing.T) {
	transport := &stubTransport{err: errors.New("mailbox full")}
	handler, mock := setupServer(t, transport, nil)

	key, err := apikey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery("FROM email_projects").
		WithArgs(key.Prefix).
		WillReturnRows(projectRow(key))
	mock.ExpectQuery("INSERT INTO email_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("UPDATE email_logs").
		WithArgs(mailer.StatusFailed, "mailbox full", int64(42), mailer.StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/send", validSendPayload(),
		map[string]string{"X-API-Key": key.Raw})

	// Delivery failure is a recorded outcome, not a request error.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}

	var resp SendEmailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Success {
		t.Error("success = true, want false")
	}
	if resp.LogID == nil || *resp.LogID != 42 {
		t.Errorf("log_id = %v, want 42", resp.LogID)
	}
	if !strings.Contains(resp.Message, "escalation") {
		t.Errorf("message = %q, want escalation notice", resp.Message)
	}
}

func TestSendEmailRateLimited(t *testing.T) {
	transport := &stubTransport{}
	handler, mock := setupServer(t, transport, denyLimiter{})

	key, err := apikey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery("FROM email_projects").
		WithArgs(key.Prefix).
		WillReturnRows(projectRow(key))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/send", validSendPayload(),
		map[string]string{"X-API-Key": key.Raw})

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if transport.calls != 0 {
		t.Error("transport called for a throttled send")
	}
	// A throttled send leaves no ledger row.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

// ==========================================
// ADMIN SURFACE
// ==========================================

func TestHealthCheck(t *testing.T) {
	handler, _ := setupServer(t, &stubTransport{}, nil)

	rec := doJSON(t, handler, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestCreateProjectReturnsRawKeyOnce(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	mock.ExpectQuery("INSERT INTO email_projects").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/admin/projects",
		CreateProjectRequest{Name: "Acme"}, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body: %s", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	raw, _ := body["api_key_raw"].(string)
	if !strings.HasPrefix(raw, apikey.KeyTag) {
		t.Errorf("api_key_raw = %q, want %s prefix", raw, apikey.KeyTag)
	}
	prefix, _ := body["api_key_prefix"].(string)
	if prefix != raw[:apikey.PrefixLength] {
		t.Errorf("api_key_prefix = %q, want %q", prefix, raw[:apikey.PrefixLength])
	}
	if _, leaked := body["api_key_hash"]; leaked {
		t.Error("api_key_hash leaked in the response")
	}
	if body["rate_limit_per_minute"].(float64) != 30 || body["rate_limit_per_hour"].(float64) != 500 {
		t.Errorf("rate limits = %v/%v, want defaults 30/500",
			body["rate_limit_per_minute"], body["rate_limit_per_hour"])
	}
}

func TestCreateProjectRequiresName(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/email/admin/projects",
		CreateProjectRequest{}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	mock.ExpectQuery("FROM email_projects").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(projectColumns()))

	rec := doJSON(t, handler, http.MethodGet, "/api/email/admin/projects/99", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRotateProjectKey(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	key, err := apikey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery("FROM email_projects").
		WithArgs(int64(1)).
		WillReturnRows(projectRow(key))
	mock.ExpectExec("UPDATE email_projects SET api_key_hash").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/admin/projects/1/rotate-key", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}

	var resp RotateKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.HasPrefix(resp.APIKeyRaw, apikey.KeyTag) {
		t.Errorf("api_key_raw = %q, want %s prefix", resp.APIKeyRaw, apikey.KeyTag)
	}
	if resp.APIKeyRaw == key.Raw {
		t.Error("rotation returned the old key")
	}
	if resp.APIKeyPrefix != resp.APIKeyRaw[:apikey.PrefixLength] {
		t.Errorf("api_key_prefix = %q does not match the new key", resp.APIKeyPrefix)
	}
}

func TestCreateContactRejectsBadLevel(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	key, err := apikey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	name, email, level := "Ops", "ops@acme.io", 4
	mock.ExpectQuery("FROM email_projects").
		WithArgs(int64(1)).
		WillReturnRows(projectRow(key))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/admin/projects/1/escalation-contacts",
		ContactRequest{Name: &name, Email: &email, Level: &level}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "level must be 1, 2 or 3" {
		t.Errorf("error = %q", body["error"])
	}
}

func eventRowAPI(ackAt *time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email_log_id", "contact_id", "level", "notified_at", "acknowledged_at"}).
		AddRow(int64(5), int64(9), int64(11), 1, time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC), ackAt)
}

func TestAcknowledgeEvent(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	mock.ExpectQuery("FROM email_escalation_events").
		WithArgs(int64(5)).
		WillReturnRows(eventRowAPI(nil))
	mock.ExpectExec("UPDATE email_escalation_events").
		WithArgs(sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/admin/escalation-events/5/acknowledge", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["acknowledged_at"] == nil {
		t.Error("acknowledged_at missing from response")
	}
}

func TestAcknowledgeEventConflict(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	ackAt := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM email_escalation_events").
		WithArgs(int64(5)).
		WillReturnRows(eventRowAPI(&ackAt))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/admin/escalation-events/5/acknowledge", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "event already acknowledged" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestAcknowledgeEventNotFound(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	mock.ExpectQuery("FROM email_escalation_events").
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email_log_id", "contact_id", "level", "notified_at", "acknowledged_at"}))

	rec := doJSON(t, handler, http.MethodPost, "/api/email/admin/escalation-events/404/acknowledge", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListLogsPagination(t *testing.T) {
	handler, mock := setupServer(t, &stubTransport{}, nil)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))
	mock.ExpectQuery("FROM email_logs").
		WithArgs(5, 5).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "project_id", "to_emails", "cc", "bcc", "subject", "body_html",
			"attachments_count", "attachment_names", "status", "error_message",
			"provider_message_id", "sent_at", "created_at", "name"}))

	rec := doJSON(t, handler, http.MethodGet, "/api/email/admin/logs?page=2&page_size=5", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}

	var resp PaginatedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Total != 12 || resp.Page != 2 || resp.PageSize != 5 {
		t.Errorf("pagination = total %d page %d size %d, want 12/2/5", resp.Total, resp.Page, resp.PageSize)
	}
}
