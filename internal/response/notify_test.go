package response

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanguard/internal/audit"
	"scanguard/internal/config"
)

func emailConfig() config.EmailConfig {
	return config.EmailConfig{
		Enabled:    true,
		SMTPServer: "smtp.example.org",
		SMTPPort:   587,
		Username:   "soc@example.org",
		Password:   "secret",
		Recipient:  "oncall@example.org",
	}
}

func TestNotifySkippedWhenDisabled(t *testing.T) {
	l := newAuditor(t)
	called := false
	n := NewNotifier(config.EmailConfig{}, l, nil).WithSender(func(string, smtp.Auth, string, []string, []byte) error {
		called = true
		return nil
	})
	sent, err := n.Notify(context.Background(), "Critical port open", "body")
	require.NoError(t, err)
	assert.False(t, sent)
	assert.False(t, called)

	typ, payload := lastEvent(t, l)
	assert.Equal(t, audit.EventNotificationSkipped, typ)
	assert.Equal(t, "Critical port open", payload["subject"])
	assert.Equal(t, "Email disabled", payload["reason"])
}

func TestNotifySent(t *testing.T) {
	l := newAuditor(t)
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	n := NewNotifier(emailConfig(), l, nil).WithSender(func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.NotNil(t, auth)
		return nil
	})
	sent, err := n.Notify(context.Background(), "Critical port open\r\nBcc: x@evil", "line one\nline two")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, "smtp.example.org:587", gotAddr)
	assert.Equal(t, "soc@example.org", gotFrom)
	assert.Equal(t, []string{"oncall@example.org"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Critical port open  Bcc: x@evil\r\n")
	assert.Contains(t, string(gotMsg), "line one\r\nline two\r\n")

	typ, _ := lastEvent(t, l)
	assert.Equal(t, audit.EventNotificationSent, typ)
}

func TestNotifyFailureIsAuditedAndReturned(t *testing.T) {
	l := newAuditor(t)
	smtpErr := errors.New("535 authentication failed")
	n := NewNotifier(emailConfig(), l, nil).WithSender(func(string, smtp.Auth, string, []string, []byte) error {
		return smtpErr
	})
	sent, err := n.Notify(context.Background(), "Critical port open", "body")
	assert.False(t, sent)
	assert.ErrorIs(t, err, smtpErr)

	typ, payload := lastEvent(t, l)
	assert.Equal(t, audit.EventNotificationError, typ)
	assert.Equal(t, "535 authentication failed", payload["error"])
}
