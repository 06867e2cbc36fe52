package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/trialcare/trialcare/internal/domain/admin"
	"github.com/trialcare/trialcare/internal/domain/invitation"
	"github.com/trialcare/trialcare/internal/domain/role"
)

// Mailer renders invitation lifecycle emails and hands them to an
// EmailSender. Failed sends are retried with a linear backoff.
type Mailer struct {
	templates *TemplateEngine
	sender    EmailSender
	logger    zerolog.Logger
	attempts  int
	backoff   time.Duration
}

// MailerOption configures a Mailer.
type MailerOption func(*Mailer)

// WithRetry sets how many times a send is attempted and the delay added
// between attempts.
func WithRetry(attempts int, backoff time.Duration) MailerOption {
	return func(m *Mailer) {
		if attempts > 0 {
			m.attempts = attempts
		}
		m.backoff = backoff
	}
}

func NewMailer(templates *TemplateEngine, sender EmailSender, logger zerolog.Logger, opts ...MailerOption) *Mailer {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	m := &Mailer{
		templates: templates,
		sender:    sender,
		logger:    logger.With().Str("component", "mailer").Logger(),
		attempts:  3,
		backoff:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mailer) SendInvitation(ctx context.Context, msg invitation.Message) error {
	return m.send(ctx, TemplateInvitation, msg.Email, msg.Language, messageData(msg))
}

func (m *Mailer) SendUserInvitation(ctx context.Context, msg invitation.Message) error {
	return m.send(ctx, TemplateUserInvitation, msg.Email, msg.Language, messageData(msg))
}

func (m *Mailer) SendProxyInvitation(ctx context.Context, msg invitation.Message) error {
	return m.send(ctx, TemplateProxyInvitation, msg.Email, msg.Language, messageData(msg))
}

func (m *Mailer) SendAdminInvitation(ctx context.Context, msg invitation.Message) error {
	return m.send(ctx, TemplateAdminInvitation, msg.Email, msg.Language, messageData(msg))
}

func (m *Mailer) SendRoleUpdate(ctx context.Context, msg invitation.Message) error {
	return m.send(ctx, TemplateRoleUpdate, msg.Email, msg.Language, messageData(msg))
}

// SendProxyLinked tells a patient that their proxy signed up. SenderName is
// the proxy's name.
func (m *Mailer) SendProxyLinked(ctx context.Context, msg invitation.Message) error {
	data := messageData(msg)
	data["proxy_name"] = msg.SenderName
	return m.send(ctx, TemplateProxyLinked, msg.Email, msg.Language, data)
}

// SendRoleReassignment tells a user that an administrator replaced their
// roles. A single role and several roles use different templates.
func (m *Mailer) SendRoleReassignment(ctx context.Context, user *admin.User, roles []role.Assignment) error {
	names := make([]string, 0, len(roles))
	for _, a := range roles {
		name := a.RoleID
		if r, ok := role.Get(a.RoleID); ok {
			name = r.Name
		}
		names = append(names, name)
	}
	templateID := TemplateRoleReassigned
	if len(names) > 1 {
		templateID = TemplateRolesReassigned
	}
	data := map[string]string{
		"roles":     strings.Join(names, ", "),
		"user_name": user.DisplayName(),
	}
	return m.send(ctx, templateID, user.Email, user.Language, data)
}

func messageData(msg invitation.Message) map[string]string {
	data := map[string]string{
		"link":        msg.Link,
		"code":        msg.ShortenedCode,
		"role_name":   msg.RoleName,
		"sender_name": msg.SenderName,
		"client_id":   msg.ClientID,
	}
	if data["role_name"] == "" {
		data["role_name"] = msg.RoleID
	}
	if !msg.ExpiresAt.IsZero() {
		data["expires_at"] = msg.ExpiresAt.UTC().Format("2 January 2006")
	}
	for k, v := range msg.Extra {
		if s, ok := v.(string); ok {
			data[k] = s
		}
	}
	return data
}

func (m *Mailer) send(ctx context.Context, templateID, to, language string, data map[string]string) error {
	if to == "" {
		return fmt.Errorf("send %s: recipient is required", templateID)
	}
	subject, body, err := m.templates.Render(templateID, language, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = m.sender.SendEmail(ctx, to, subject, body)
		if err == nil {
			m.logger.Debug().Str("template", templateID).Int("attempt", attempt).Msg("email sent")
			return nil
		}
		if attempt >= m.attempts {
			return fmt.Errorf("send %s after %d attempts: %w", templateID, attempt, err)
		}
		m.logger.Warn().Err(err).Str("template", templateID).Int("attempt", attempt).Msg("email send failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * m.backoff):
		}
	}
}
