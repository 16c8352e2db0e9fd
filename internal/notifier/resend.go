package notifier

import (
	"context"
	"fmt"
	"strings"

	"scadabridge/internal/config"

	"github.com/resend/resend-go/v2"
)

// ResendTransport sends through the Resend API
type ResendTransport struct {
	client *resend.Client
}

// NewResendTransport creates a Resend transport. Without an API key the
// transport reports itself as not configured.
func NewResendTransport(cfg config.MailConfig) *ResendTransport {
	key := strings.TrimSpace(cfg.ResendAPIKey)
	if key == "" {
		return &ResendTransport{}
	}
	return &ResendTransport{client: resend.NewClient(key)}
}

// Name returns the transport name
func (t *ResendTransport) Name() string { return "resend" }

// Configured reports whether an API key was given
func (t *ResendTransport) Configured() bool { return t.client != nil }

// Send delivers msg with one API call
func (t *ResendTransport) Send(ctx context.Context, msg Message) error {
	if t.client == nil {
		return fmt.Errorf("resend client not initialized")
	}
	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Body,
		ReplyTo: msg.ReplyTo,
	}
	if _, err := t.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("resend send failed: %w", err)
	}
	return nil
}
