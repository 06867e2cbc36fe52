// Package notification renders and delivers the emails of the invitation
// lifecycle: invitations, role updates and proxy notices.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// LogSender writes emails to the log instead of delivering them. It is the
// default sender in development.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "mail").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().
		Str("to", to).
		Str("subject", subject).
		Int("body_bytes", len(body)).
		Msg("email not delivered, log sender in use")
	return nil
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template IDs.
const (
	TemplateInvitation      = "invitation"
	TemplateUserInvitation  = "user-invitation"
	TemplateProxyInvitation = "proxy-invitation"
	TemplateAdminInvitation = "admin-invitation"
	TemplateRoleUpdate      = "role-update"
	TemplateProxyLinked     = "proxy-linked"
	TemplateRoleReassigned  = "role-reassigned"
	TemplateRolesReassigned = "roles-reassigned"
)

// DefaultLanguage is used when no template exists for the requested language.
const DefaultLanguage = "en"

// Template is one localized email.
type Template struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// rtlLanguages are written right to left.
var rtlLanguages = map[string]bool{"ar": true, "fa": true, "he": true, "ur": true}

// IsRTL reports whether language is written right to left. Region subtags
// such as "ar-SA" are ignored.
func IsRTL(language string) bool {
	base, _, _ := strings.Cut(strings.ToLower(language), "-")
	return rtlLanguages[base]
}

// TemplateEngine holds templates per language and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in English
// templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateInvitation,
			Subject: "You have been invited as {{role_name}}",
			Body:    "{{sender_name}} invited you to join as {{role_name}}. Sign up here: {{link}}\nThis invitation expires on {{expires_at}}.",
		},
		{
			ID:      TemplateUserInvitation,
			Subject: "You have been invited to join a study",
			Body:    "{{sender_name}} invited you to take part. Sign up here: {{link}}\nThis invitation expires on {{expires_at}}.",
		},
		{
			ID:      TemplateProxyInvitation,
			Subject: "{{dependant}} asked you to be their proxy",
			Body:    "{{dependant}} would like you to help manage their care. Sign up here: {{link}}\nThis invitation expires on {{expires_at}}.",
		},
		{
			ID:      TemplateAdminInvitation,
			Subject: "You have been invited to the admin portal",
			Body:    "{{sender_name}} invited you to the admin portal as {{role_name}}. Sign up here: {{link}}\nThis invitation expires on {{expires_at}}.",
		},
		{
			ID:      TemplateRoleUpdate,
			Subject: "You have a new role",
			Body:    "{{sender_name}} granted you the {{role_name}} role. Log in to get started.",
		},
		{
			ID:      TemplateProxyLinked,
			Subject: "Your proxy has joined",
			Body:    "{{proxy_name}} accepted your invitation and can now help manage your care.",
		},
		{
			ID:      TemplateRoleReassigned,
			Subject: "Your role has changed",
			Body:    "Your role is now {{roles}}. Log in again to see the change.",
		},
		{
			ID:      TemplateRolesReassigned,
			Subject: "Your roles have changed",
			Body:    "Your roles are now: {{roles}}. Log in again to see the change.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		t.Language = DefaultLanguage
		e.templates[key(t.ID, t.Language)] = &t
	}
}

func key(id, language string) string {
	return id + ":" + strings.ToLower(language)
}

// RegisterTemplate adds or replaces a template in the engine. An empty
// language registers the default.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	if t.Language == "" {
		t.Language = DefaultLanguage
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[key(t.ID, t.Language)] = &t
}

func (e *TemplateEngine) lookup(templateID, language string) (*Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	candidates := []string{language}
	if base, _, found := strings.Cut(language, "-"); found {
		candidates = append(candidates, base)
	}
	candidates = append(candidates, DefaultLanguage)
	for _, lang := range candidates {
		if lang == "" {
			continue
		}
		if t, ok := e.templates[key(templateID, lang)]; ok {
			return t, true
		}
	}
	return nil, false
}

// Render looks up a template by ID in language, falling back to the base
// language and then English, and performs {{key}} replacement using data.
// Keys present in the template but absent from data are left as-is. Bodies in
// right to left languages are marked with a Unicode right-to-left mark.
func (e *TemplateEngine) Render(templateID, language string, data map[string]string) (subject, body string, err error) {
	t, ok := e.lookup(templateID, language)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	if IsRTL(t.Language) {
		body = "\u200f" + body
	}
	return subject, body, nil
}
