package notification

import (
	"NetFusion/internal/config"
	"NetFusion/internal/model"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EmailNotifier implements model.Notifier over SMTP.
type EmailNotifier struct {
	cfg        config.SMTPConfig
	auth       smtp.Auth
	recipients []string
	send       func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.SMTPConfig) (*EmailNotifier, error) {
	recipients := splitRecipients(cfg.To)
	if cfg.Host == "" || cfg.From == "" || len(recipients) == 0 {
		return nil, fmt.Errorf("smtp host, from and to must be set")
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		// PlainAuth will not send credentials until the server identifies itself as a trusted one.
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailNotifier{cfg: cfg, auth: auth, recipients: recipients, send: smtp.SendMail}, nil
}

// Send mails an HTML body to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.send(addr, n.auth, n.cfg.From, n.recipients, n.message(subject, body)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) message(subject, body string) []byte {
	return []byte("To: " + strings.Join(n.recipients, ", ") + "\r\n" +
		"From: " + n.cfg.From + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" +
		body)
}

func splitRecipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// LogNotifier writes digests to the log. It stands in when no SMTP server is configured.
type LogNotifier struct{}

// Send implements model.Notifier.
func (LogNotifier) Send(subject, body string) error {
	log.Info().Str("subject", subject).Int("bytes", len(body)).Msg("Digest (no SMTP configured)")
	return nil
}

var (
	_ model.Notifier = (*EmailNotifier)(nil)
	_ model.Notifier = LogNotifier{}
)
