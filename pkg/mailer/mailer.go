// Package mailer delivers verification codes over SMTP. Port selects the
// transport security: 465 is implicit TLS, anything else negotiates
// STARTTLS. Credentials come from environment variables via internal/config,
// never from core.settings; no OS credential store is read.
package mailer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
)

// Config carries the SMTP connection and sender identity fields.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
}

// Mailer sends verification-code email with HTML and plain-text parts.
type Mailer struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Mailer. It does not dial: the connection is established per
// send, so a broken SMTP host degrades one verification rather than boot.
func New(cfg Config, logger *slog.Logger) *Mailer {
	return &Mailer{cfg: cfg, logger: logger}
}

// SendVerificationCode delivers the 6-digit code to the given address.
func (m *Mailer) SendVerificationCode(ctx context.Context, to, code string) error {
	msg := mail.NewMsg()
	if err := msg.FromFormat(m.cfg.FromName, m.cfg.From); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("setting recipient: %w", err)
	}
	msg.Subject(fmt.Sprintf("Код подтверждения: %s", code))
	msg.SetBodyString(mail.TypeTextPlain, plainBody(code))
	msg.AddAlternativeString(mail.TypeTextHTML, htmlBody(code))

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.User),
		mail.WithPassword(m.cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if m.cfg.Port == 465 {
		opts = append(opts, mail.WithSSLPort(false))
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending verification mail: %w", err)
	}
	m.logger.Info("verification code delivered", "to", to)
	return nil
}

func plainBody(code string) string {
	return fmt.Sprintf("Ваш код подтверждения: %s\n\nКод действует 10 минут. Если вы не запрашивали код, просто проигнорируйте это письмо.\n", code)
}

func htmlBody(code string) string {
	return fmt.Sprintf(`<html><body>
<p>Ваш код подтверждения:</p>
<p style="font-size:24px;font-weight:bold;letter-spacing:4px">%s</p>
<p>Код действует 10 минут. Если вы не запрашивали код, просто проигнорируйте это письмо.</p>
</body></html>`, code)
}
