package ses

import (
	"strings"
	"testing"

	"github.com/ignite/email-relay/internal/mailer"
)

func TestFormatFrom(t *testing.T) {
	tests := []struct {
		name     string
		fromName string
		email    string
		expected string
	}{
		{"name and email", "Acme Relay", "noreply@acme.io", "Acme Relay <noreply@acme.io>"},
		{"email only", "", "noreply@acme.io", "noreply@acme.io"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatFrom(tt.fromName, tt.email); got != tt.expected {
				t.Errorf("formatFrom(%q, %q) = %q, want %q", tt.fromName, tt.email, got, tt.expected)
			}
		})
	}
}

func TestBuildMessage(t *testing.T) {
	env := mailer.Envelope{
		Subject: "Quarterly report",
		HTML:    "<p>attached</p>",
		Attachments: []mailer.Attachment{
			{Filename: "report.pdf", Content: "aGVsbG8="}, // "hello"
		},
	}

	msg, err := buildMessage(env)
	if err != nil {
		t.Fatalf("buildMessage() error: %v", err)
	}

	if *msg.Subject.Data != "Quarterly report" {
		t.Errorf("subject = %q", *msg.Subject.Data)
	}
	if *msg.Subject.Charset != "UTF-8" || *msg.Body.Html.Charset != "UTF-8" {
		t.Error("charset not UTF-8")
	}
	if *msg.Body.Html.Data != "<p>attached</p>" {
		t.Errorf("body = %q", *msg.Body.Html.Data)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(msg.Attachments))
	}
	if *msg.Attachments[0].FileName != "report.pdf" {
		t.Errorf("attachment name = %q", *msg.Attachments[0].FileName)
	}
	if string(msg.Attachments[0].RawContent) != "hello" {
		t.Errorf("attachment content = %q, want decoded base64", msg.Attachments[0].RawContent)
	}
}

func TestBuildMessageNoAttachments(t *testing.T) {
	msg, err := buildMessage(mailer.Envelope{Subject: "s", HTML: "<p>b</p>"})
	if err != nil {
		t.Fatalf("buildMessage() error: %v", err)
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("attachments = %d, want 0", len(msg.Attachments))
	}
}

func TestBuildMessageBadAttachment(t *testing.T) {
	_, err := buildMessage(mailer.Envelope{
		Subject:     "s",
		HTML:        "<p>b</p>",
		Attachments: []mailer.Attachment{{Filename: "x.bin", Content: "not base64!!!"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid base64 content")
	}
	if !strings.Contains(err.Error(), "x.bin") {
		t.Errorf("error %q does not name the attachment", err)
	}
}
