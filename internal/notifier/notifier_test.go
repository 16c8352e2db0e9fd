package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"scadabridge/internal/config"
	"scadabridge/internal/models"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alert = Alert{
	TenantID:    "acme",
	Tag:         "temp",
	Operator:    models.OpGTE,
	Threshold:   90,
	Observed:    95.5,
	TriggeredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	Recipient:   "ops@acme.com",
}

type fakeTransport struct {
	name       string
	configured bool
	err        error
	panics     bool

	mu   sync.Mutex
	sent []Message
}

func (f *fakeTransport) Name() string     { return f.name }
func (f *fakeTransport) Configured() bool { return f.configured }

func (f *fakeTransport) Send(_ context.Context, msg Message) error {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func TestRender(t *testing.T) {
	n := New(config.MailConfig{From: "alarms@surnex.io", FromName: "SCADA SurNex", ReplyTo: "support@surnex.io"})

	assert.Equal(t, "[Alarma SCADA] acme/default - temp >= 90", n.Subject(alert))

	lte := alert
	lte.PlantID, lte.Operator, lte.Threshold = "north", models.OpLTE, 0.5
	assert.Equal(t, "[Alarma SCADA] acme/north - temp <= 0.5", n.Subject(lte))

	body := n.Body(alert)
	assert.Contains(t, body, "Se ha disparado una alarma para la empresa acme.\nPlanta: default\n\n")
	assert.Contains(t, body, "Comparador: >=\n")
	assert.Contains(t, body, "Valor observado: 95.5\n")
	assert.Contains(t, body, "Fecha (UTC): Wed, 01 May 2024 12:00:00 +0000\n")
	assert.True(t, strings.HasSuffix(body, footer+"\n"))

	msg := n.Render(alert)
	assert.Equal(t, `"SCADA SurNex" <alarms@surnex.io>`, msg.From)
	assert.Equal(t, []string{"ops@acme.com"}, msg.To)
	assert.Equal(t, "support@surnex.io", msg.ReplyTo)
}

func TestSubjectPrefix(t *testing.T) {
	n := New(config.MailConfig{SubjectPrefix: "[Planta]"})
	assert.True(t, strings.HasPrefix(n.Subject(alert), "[Planta] acme/"))
}

func TestFormatFrom(t *testing.T) {
	assert.Equal(t, "alarms@surnex.io", FormatFrom("", "alarms@surnex.io"))
	assert.Equal(t, `"Alarmas" <alarms@surnex.io>`, FormatFrom("Alarmas", "alarms@surnex.io"))
	assert.Equal(t, "", FormatFrom("Alarmas", ""))
}

func TestNotify_Unconfigured(t *testing.T) {
	n := New(config.MailConfig{From: "a@b.c"}, &fakeTransport{name: "smtp"})
	sent, msg := n.Notify(context.Background(), alert)
	assert.False(t, sent)
	assert.Equal(t, "mail transport not configured", msg)
}

func TestNotify_FallsBackInOrder(t *testing.T) {
	primary := &fakeTransport{name: "smtp", configured: true, err: errors.New("relay down")}
	skipped := &fakeTransport{name: "resend"}
	fallback := &fakeTransport{name: "ses", configured: true}
	n := New(config.MailConfig{From: "a@b.c"}, primary, skipped, fallback)

	sent, msg := n.Notify(context.Background(), alert)
	assert.True(t, sent)
	assert.Empty(t, msg)
	assert.Len(t, primary.sent, 1)
	assert.Empty(t, skipped.sent)
	require.Len(t, fallback.sent, 1)
	assert.Equal(t, "[Alarma SCADA] acme/default - temp >= 90", fallback.sent[0].Subject)
}

func TestNotify_ReportsEveryFailure(t *testing.T) {
	n := New(config.MailConfig{From: "a@b.c"},
		&fakeTransport{name: "smtp", configured: true, err: errors.New("relay down")},
		&fakeTransport{name: "resend", configured: true, err: errors.New("quota")})

	sent, msg := n.Notify(context.Background(), alert)
	assert.False(t, sent)
	assert.Contains(t, msg, "relay down")
	assert.Contains(t, msg, "quota")
}

func TestNotify_RecoversPanics(t *testing.T) {
	n := New(config.MailConfig{From: "a@b.c"}, &fakeTransport{name: "smtp", configured: true, panics: true})
	sent, msg := n.Notify(context.Background(), alert)
	assert.False(t, sent)
	assert.Equal(t, "panic: boom", msg)
}

func TestNotify_RejectsBadRecipient(t *testing.T) {
	tr := &fakeTransport{name: "smtp", configured: true}
	n := New(config.MailConfig{From: "a@b.c"}, tr)
	bad := alert
	bad.Recipient = "not-an-address"
	sent, _ := n.Notify(context.Background(), bad)
	assert.False(t, sent)
	assert.Empty(t, tr.sent)
}

func TestBuildMIME(t *testing.T) {
	raw := string(buildMIME(Message{
		From:    "alarms@surnex.io",
		To:      []string{"ops@acme.com"},
		ReplyTo: "support@surnex.io",
		Subject: "[Alarma SCADA] acme/default - temp >= 90",
		Body:    "line one\nline two\n",
		Date:    alert.TriggeredAt,
	}))
	assert.Contains(t, raw, "From: alarms@surnex.io\r\n")
	assert.Contains(t, raw, "To: ops@acme.com\r\n")
	assert.Contains(t, raw, "Date: Wed, 01 May 2024 12:00:00 +0000\r\n")
	assert.Contains(t, raw, "Reply-To: support@surnex.io\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nline one\r\nline two\r\n"))
}

func TestSMTPTransport_Configured(t *testing.T) {
	assert.False(t, NewSMTPTransport(config.MailConfig{}).Configured())
	tr := NewSMTPTransport(config.MailConfig{Host: "smtp.example.com", StartTLS: true, TLS: true})
	assert.True(t, tr.Configured())
	assert.True(t, tr.implicit)
	assert.False(t, tr.startTLS)
	assert.Equal(t, 587, tr.port)
}

type fakeSES struct {
	in *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	return &sesv2.SendEmailOutput{}, nil
}

func TestSESTransport_Send(t *testing.T) {
	api := &fakeSES{}
	tr := &SESTransport{client: api, region: "eu-west-1"}
	n := New(config.MailConfig{From: "alarms@surnex.io", ReplyTo: "support@surnex.io"}, tr)

	sent, _ := n.Notify(context.Background(), alert)
	require.True(t, sent)
	assert.Equal(t, "alarms@surnex.io", *api.in.FromEmailAddress)
	assert.Equal(t, []string{"ops@acme.com"}, api.in.Destination.ToAddresses)
	assert.Equal(t, []string{"support@surnex.io"}, api.in.ReplyToAddresses)
	assert.Equal(t, "[Alarma SCADA] acme/default - temp >= 90", *api.in.Content.Simple.Subject.Data)
}

func TestResendTransport_Unconfigured(t *testing.T) {
	assert.False(t, NewResendTransport(config.MailConfig{}).Configured())
	assert.True(t, NewResendTransport(config.MailConfig{ResendAPIKey: "re_test"}).Configured())
}
