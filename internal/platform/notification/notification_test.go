package notification

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trialcare/trialcare/internal/domain/admin"
	"github.com/trialcare/trialcare/internal/domain/invitation"
	"github.com/trialcare/trialcare/internal/domain/role"
)

// ---------------------------------------------------------------------------
// Mock Sender
// ---------------------------------------------------------------------------

type emailCall struct {
	To      string
	Subject string
	Body    string
}

type mockEmailSender struct {
	mu       sync.Mutex
	calls    []emailCall
	failures int
}

func (m *mockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, emailCall{To: to, Subject: subject, Body: body})
	if m.failures > 0 {
		m.failures--
		return errors.New("smtp unavailable")
	}
	return nil
}

func (m *mockEmailSender) Calls() []emailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]emailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func newTestMailer(sender EmailSender) *Mailer {
	return NewMailer(NewTemplateEngine(), sender, zerolog.Nop(), WithRetry(3, time.Millisecond))
}

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
	})

	subject, body, err := eng.Render("test-tpl", "", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	if _, _, err := eng.Render("nonexistent", "en", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	for _, id := range []string{
		TemplateInvitation, TemplateUserInvitation, TemplateProxyInvitation, TemplateAdminInvitation,
		TemplateRoleUpdate, TemplateProxyLinked, TemplateRoleReassigned, TemplateRolesReassigned,
	} {
		if _, _, err := eng.Render(id, "en", nil); err != nil {
			t.Errorf("built-in template %q not found: %v", id, err)
		}
	}
}

func TestTemplateEngine_LanguageFallback(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: TemplateRoleUpdate, Language: "de", Subject: "Neue Rolle", Body: "Hallo"})
	eng.RegisterTemplate(Template{ID: TemplateRoleUpdate, Language: "ar", Subject: "دور جديد", Body: "مرحبا"})

	tests := []struct {
		language, subject string
	}{
		{"de", "Neue Rolle"},
		{"de-AT", "Neue Rolle"},
		{"fr", "You have a new role"},
		{"", "You have a new role"},
		{"ar", "دور جديد"},
	}
	for _, tt := range tests {
		subject, _, err := eng.Render(TemplateRoleUpdate, tt.language, nil)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.language, err)
		}
		if subject != tt.subject {
			t.Errorf("%s: subject = %q, want %q", tt.language, subject, tt.subject)
		}
	}
}

func TestTemplateEngine_RTLBodiesAreMarked(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: TemplateRoleUpdate, Language: "he", Subject: "s", Body: "שלום"})

	_, body, err := eng.Render(TemplateRoleUpdate, "he", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(body, "\u200f") {
		t.Errorf("expected right-to-left mark, got %q", body)
	}

	// Falling back to English must not mark the body.
	_, body, _ = eng.Render(TemplateRoleUpdate, "fa", nil)
	if strings.HasPrefix(body, "\u200f") {
		t.Errorf("English fallback must not be marked, got %q", body)
	}
}

func TestIsRTL(t *testing.T) {
	for lang, want := range map[string]bool{"ar": true, "AR-sa": true, "fa": true, "he": true, "ur": true, "en": false, "": false} {
		if got := IsRTL(lang); got != want {
			t.Errorf("IsRTL(%q) = %v, want %v", lang, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Mailer Tests
// ---------------------------------------------------------------------------

func TestMailer_SendInvitation(t *testing.T) {
	sender := &mockEmailSender{}
	m := newTestMailer(sender)

	err := m.SendInvitation(context.Background(), invitation.Message{
		Email:      "clin@example.com",
		Link:       "https://app.example.com/invite/ABC",
		RoleID:     role.Clinician,
		RoleName:   "Clinician",
		SenderName: "Dr. Grey",
		ExpiresAt:  time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(calls))
	}
	if calls[0].To != "clin@example.com" {
		t.Errorf("to = %q", calls[0].To)
	}
	if calls[0].Subject != "You have been invited as Clinician" {
		t.Errorf("subject = %q", calls[0].Subject)
	}
	for _, want := range []string{"Dr. Grey", "https://app.example.com/invite/ABC", "8 May 2026"} {
		if !strings.Contains(calls[0].Body, want) {
			t.Errorf("body %q does not contain %q", calls[0].Body, want)
		}
	}
}

func TestMailer_ProxyInvitationUsesDependant(t *testing.T) {
	sender := &mockEmailSender{}
	m := newTestMailer(sender)

	err := m.SendProxyInvitation(context.Background(), invitation.Message{
		Email: "carer@example.com",
		Extra: map[string]interface{}{invitation.ExtraDependant: "Ada"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sender.Calls()[0].Subject; got != "Ada asked you to be their proxy" {
		t.Errorf("subject = %q", got)
	}
}

func TestMailer_RetriesFailedSends(t *testing.T) {
	sender := &mockEmailSender{failures: 2}
	m := newTestMailer(sender)

	if err := m.SendUserInvitation(context.Background(), invitation.Message{Email: "p@example.com"}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if n := len(sender.Calls()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestMailer_GivesUpAfterAttempts(t *testing.T) {
	sender := &mockEmailSender{failures: 10}
	m := newTestMailer(sender)

	err := m.SendAdminInvitation(context.Background(), invitation.Message{Email: "a@example.com"})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if n := len(sender.Calls()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestMailer_RequiresRecipient(t *testing.T) {
	m := newTestMailer(&mockEmailSender{})
	if err := m.SendRoleUpdate(context.Background(), invitation.Message{}); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestMailer_SendRoleReassignment(t *testing.T) {
	sender := &mockEmailSender{}
	m := newTestMailer(sender)
	user := &admin.User{ID: uuid.New(), Email: "u@example.com"}
	depID := uuid.NewString()

	single := []role.Assignment{{RoleID: role.Clinician, Resource: "deployment/" + depID}}
	if err := m.SendRoleReassignment(context.Background(), user, single); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	multi := append(single, role.Assignment{RoleID: role.DeploymentStaff, Resource: "deployment/" + depID})
	if err := m.SendRoleReassignment(context.Background(), user, multi); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := sender.Calls()
	if calls[0].Subject != "Your role has changed" {
		t.Errorf("single role subject = %q", calls[0].Subject)
	}
	if calls[1].Subject != "Your roles have changed" {
		t.Errorf("multi role subject = %q", calls[1].Subject)
	}
	if !strings.Contains(calls[1].Body, "Clinician, Deployment Staff") {
		t.Errorf("body = %q", calls[1].Body)
	}
}

func TestMailer_ImplementsNotifiers(t *testing.T) {
	var _ invitation.Notifier = (*Mailer)(nil)
	var _ admin.RoleNotifier = (*Mailer)(nil)
}

// ---------------------------------------------------------------------------
// SMTP Sender Tests
// ---------------------------------------------------------------------------

func TestSMTPSender_SendEmail(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com", Username: "u", Password: "p"})
	s.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

	var gotAddr string
	var gotTo []string
	var gotMsg string
	s.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	if err := s.SendEmail(context.Background(), "a@example.com", "Hello", "line one\nline two"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Errorf("addr = %q", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "a@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	for _, want := range []string{"Subject: Hello\r\n", "From: noreply@example.com\r\n", "\r\n\r\nline one\r\nline two"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message %q does not contain %q", gotMsg, want)
		}
	}
}

func TestSMTPSender_RejectsHeaderInjection(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com"})
	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called")
		return nil
	}
	if err := s.SendEmail(context.Background(), "a@example.com\r\nBcc: x@example.com", "Hi", "body"); err == nil {
		t.Fatal("expected error for a recipient with a line break")
	}
}
