package response

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"scanguard/internal/audit"
	"scanguard/internal/config"
)

// Sender delivers one RFC 5322 message; smtp.SendMail is the default and
// upgrades to STARTTLS when the server offers it.
type Sender func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Notifier emails operators. Every attempt is audited as
// notification_sent, notification_skipped or notification_error.
type Notifier struct {
	cfg     config.EmailConfig
	auditor audit.Emitter
	send    Sender
	logger  *slog.Logger
	now     func() time.Time
}

func NewNotifier(cfg config.EmailConfig, auditor audit.Emitter, logger *slog.Logger) *Notifier {
	return &Notifier{cfg: cfg, auditor: auditor, send: smtp.SendMail, logger: logger, now: time.Now}
}

// WithSender replaces SMTP delivery, mainly for tests.
func (n *Notifier) WithSender(s Sender) *Notifier {
	n.send = s
	return n
}

// Notify returns sent=false without error when email is disabled. A delivery
// failure is audited and then returned.
func (n *Notifier) Notify(ctx context.Context, subject, body string) (sent bool, err error) {
	subject = headerValue(subject)
	if !n.cfg.Enabled {
		return false, n.emit(audit.EventNotificationSkipped, map[string]any{"subject": subject, "reason": "Email disabled"})
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	from := n.cfg.Username
	if from == "" {
		from = "scanguard@localhost"
	}
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPServer)
	}
	addr := net.JoinHostPort(n.cfg.SMTPServer, strconv.Itoa(n.cfg.SMTPPort))
	msg := n.message(from, subject, body)
	if sendErr := n.send(addr, auth, from, []string{n.cfg.Recipient}, msg); sendErr != nil {
		if n.logger != nil {
			n.logger.Warn("notification failed", "subject", subject, "server", addr, "err", sendErr)
		}
		if aerr := n.emit(audit.EventNotificationError, map[string]any{"subject": subject, "error": sendErr.Error()}); aerr != nil {
			return false, aerr
		}
		return false, fmt.Errorf("send notification: %w", sendErr)
	}
	if n.logger != nil {
		n.logger.Info("notification sent", "subject", subject, "recipient", n.cfg.Recipient)
	}
	return true, n.emit(audit.EventNotificationSent, map[string]any{"subject": subject})
}

func (n *Notifier) message(from, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(from))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(n.cfg.Recipient))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// headerValue keeps a value on one header line.
func headerValue(v string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(v))
}

func (n *Notifier) emit(eventType string, payload map[string]any) error {
	if n.auditor == nil {
		return nil
	}
	_, err := n.auditor.Append(eventType, payload)
	return err
}
