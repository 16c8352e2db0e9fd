// Package notifier formats alarm emails and delivers them through the
// configured mail transport.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/config"
	"scadabridge/internal/models"
	"scadabridge/internal/utils"

	"github.com/rs/zerolog"
)

const (
	defaultSubjectPrefix = "[Alarma SCADA]"
	defaultPlant         = "default"
	footer               = "Este correo es generado automaticamente por el sistema SCADA SurNex."
)

// Alert is one rule trigger to notify
type Alert struct {
	TenantID    string
	PlantID     string
	Tag         string
	Operator    models.AlarmOperator
	Threshold   float64
	Observed    float64
	TriggeredAt time.Time
	Recipient   string
}

// Message is a rendered plain text email
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	Body    string
	Date    time.Time
}

// Transport delivers rendered messages
type Transport interface {
	Name() string
	Configured() bool
	Send(ctx context.Context, msg Message) error
}

// Notifier renders alerts and sends them through the first transport that
// accepts them, primary first.
type Notifier struct {
	transports    []Transport
	from          string
	subjectPrefix string
	replyTo       string
	logger        zerolog.Logger
}

// New creates a notifier over transports, in order of preference
func New(cfg config.MailConfig, transports ...Transport) *Notifier {
	prefix := strings.TrimSpace(cfg.SubjectPrefix)
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &Notifier{
		transports:    transports,
		from:          FormatFrom(cfg.FromName, cfg.From),
		subjectPrefix: prefix,
		replyTo:       strings.TrimSpace(cfg.ReplyTo),
		logger:        utils.Logger("NOTIFIER"),
	}
}

// FormatFrom renders the From header, with a display name when one is set
func FormatFrom(name, address string) string {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)
	if name == "" || address == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

func plantLabel(plant string) string {
	if plant == "" {
		return defaultPlant
	}
	return plant
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Subject renders the subject line of an alert
func (n *Notifier) Subject(a Alert) string {
	return fmt.Sprintf("%s %s/%s - %s %s %s",
		n.subjectPrefix, a.TenantID, plantLabel(a.PlantID), a.Tag, a.Operator.Symbol(), formatNumber(a.Threshold))
}

// Body renders the plain text body of an alert
func (n *Notifier) Body(a Alert) string {
	lines := []string{
		fmt.Sprintf("Se ha disparado una alarma para la empresa %s.", a.TenantID),
		fmt.Sprintf("Planta: %s", plantLabel(a.PlantID)),
		"",
		fmt.Sprintf("Tag: %s", a.Tag),
		fmt.Sprintf("Comparador: %s", a.Operator.Symbol()),
		fmt.Sprintf("Umbral configurado: %s", formatNumber(a.Threshold)),
		fmt.Sprintf("Valor observado: %s", formatNumber(a.Observed)),
		fmt.Sprintf("Fecha (UTC): %s", a.TriggeredAt.UTC().Format(time.RFC1123Z)),
		"",
		footer,
	}
	return strings.Join(lines, "\n") + "\n"
}

// Render builds the message for an alert
func (n *Notifier) Render(a Alert) Message {
	return Message{
		From:    n.from,
		To:      []string{strings.TrimSpace(a.Recipient)},
		ReplyTo: n.replyTo,
		Subject: n.Subject(a),
		Body:    n.Body(a),
		Date:    a.TriggeredAt.UTC(),
	}
}

// Notify sends one alert. It never panics; failures come back as a
// readable message for the event log.
func (n *Notifier) Notify(ctx context.Context, a Alert) (sent bool, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Interface("panic", r).Str("to", a.Recipient).Msg("Recovered panic while sending alarm email")
			sent, errMsg = false, fmt.Sprintf("panic: %v", r)
		}
	}()

	if err := n.send(ctx, n.Render(a)); err != nil {
		n.logger.Error().Err(err).Str("to", a.Recipient).Msg("Alarm email failed")
		return false, err.Error()
	}
	return true, ""
}

func (n *Notifier) send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 || !strings.Contains(msg.To[0], "@") {
		return fmt.Errorf("invalid recipient %q", strings.Join(msg.To, ","))
	}

	var errs []error
	for _, t := range n.transports {
		if t == nil || !t.Configured() {
			continue
		}
		err := t.Send(ctx, msg)
		if err == nil {
			n.logger.Info().Str("transport", t.Name()).Strs("to", msg.To).Str("subject", msg.Subject).Msg("Alarm email sent")
			return nil
		}
		if len(errs) == 0 {
			n.logger.Warn().Err(err).Str("transport", t.Name()).Msg("Mail transport failed, trying fallback")
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return apperrors.ErrMailNotConfigured
	}
	return apperrors.WrapTransient(errors.Join(errs...), "notifier", "Notify", "send")
}

// FromConfig builds the transport named by cfg.Provider first, then the
// remaining ones as fallbacks. SES is only built when it is the provider.
// Transports without credentials are skipped at send time.
func FromConfig(ctx context.Context, cfg config.MailConfig) *Notifier {
	logger := utils.Logger("NOTIFIER")
	byName := map[string]Transport{
		"smtp":   NewSMTPTransport(cfg),
		"resend": NewResendTransport(cfg),
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Provider), "ses") {
		ses, err := NewSESTransport(ctx, cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("SES transport unavailable")
		} else {
			byName["ses"] = ses
		}
	}

	primary := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if _, ok := byName[primary]; !ok {
		if primary != "" {
			logger.Warn().Str("provider", primary).Msg("Unknown mail provider, using smtp")
		}
		primary = "smtp"
	}
	ordered := []Transport{byName[primary]}
	for _, name := range []string{"smtp", "resend", "ses"} {
		if t, ok := byName[name]; ok && name != primary {
			ordered = append(ordered, t)
		}
	}

	n := New(cfg, ordered...)
	for _, t := range ordered {
		logger.Info().Str("transport", t.Name()).Bool("configured", t.Configured()).Bool("primary", t.Name() == primary).Msg("Mail transport registered")
	}
	return n
}
