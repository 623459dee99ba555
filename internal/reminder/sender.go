package reminder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/diewo77/school-billing/internal/config"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Message is one rendered reminder ready for a provider.
type Message struct {
	To      string
	Name    string
	Subject string
	Body    string
}

// Sender delivers messages on one channel and returns the provider's
// message reference.
type Sender interface {
	Channel() models.ReminderChannel
	Send(ctx context.Context, m Message) (string, error)
}

// ErrNoRecipient is returned when the guardian has no address for a channel.
var ErrNoRecipient = errors.New("no recipient for channel")

// EmailSender delivers through the SendGrid v3 API.
type EmailSender struct {
	client *sendgrid.Client
	from   *mail.Email
}

func NewEmailSender(apiKey, fromEmail, fromName string) *EmailSender {
	return &EmailSender{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromEmail),
	}
}

func (s *EmailSender) Channel() models.ReminderChannel { return models.ReminderEmail }

func (s *EmailSender) Send(ctx context.Context, m Message) (string, error) {
	if m.To == "" {
		return "", ErrNoRecipient
	}
	msg := mail.NewSingleEmail(s.from, m.Subject, mail.NewEmail(m.Name, m.To), m.Body, "")
	resp, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

// HTTPSender posts JSON to a WhatsApp or SMS gateway:
// {"to": ..., "body": ...} with a bearer token, expecting {"id": ...} back.
type HTTPSender struct {
	channel models.ReminderChannel
	url     string
	token   string
	client  *http.Client
}

func NewWhatsAppSender(url, token string) *HTTPSender {
	return newHTTPSender(models.ReminderWhatsApp, url, token)
}

func NewSMSSender(url, token string) *HTTPSender {
	return newHTTPSender(models.ReminderSMS, url, token)
}

func newHTTPSender(ch models.ReminderChannel, url, token string) *HTTPSender {
	return &HTTPSender{
		channel: ch,
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPSender) Channel() models.ReminderChannel { return s.channel }

func (s *HTTPSender) Send(ctx context.Context, m Message) (string, error) {
	if m.To == "" {
		return "", ErrNoRecipient
	}
	body, err := json.Marshal(map[string]string{"to": m.To, "body": m.Body})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s gateway: %w", s.channel, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s gateway: status %d: %s", s.channel, resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out struct {
		ID        string `json:"id"`
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(raw, &out)
	if out.ID != "" {
		return out.ID, nil
	}
	return out.MessageID, nil
}

// LogSender only logs the message. It stands in for unconfigured providers.
type LogSender struct {
	channel models.ReminderChannel
	log     *slog.Logger
}

func NewLogSender(ch models.ReminderChannel) *LogSender {
	return &LogSender{channel: ch, log: slog.Default().With("component", "reminder.log_sender")}
}

func (s *LogSender) Channel() models.ReminderChannel { return s.channel }

func (s *LogSender) Send(ctx context.Context, m Message) (string, error) {
	if m.To == "" {
		return "", ErrNoRecipient
	}
	ref := "log-" + uuid.NewString()
	s.log.InfoContext(ctx, "reminder not sent, no provider configured",
		"channel", s.channel, "to", m.To, "ref", ref, "chars", len(m.Body))
	return ref, nil
}

// SendersFromConfig builds one sender per channel, falling back to LogSender
// when a provider has no credentials.
func SendersFromConfig(cfg config.ReminderConfig) []Sender {
	var out []Sender
	if cfg.SendGridAPIKey != "" {
		out = append(out, NewEmailSender(cfg.SendGridAPIKey, cfg.FromEmail, cfg.FromName))
	} else {
		out = append(out, NewLogSender(models.ReminderEmail))
	}
	if cfg.WhatsAppURL != "" {
		out = append(out, NewWhatsAppSender(cfg.WhatsAppURL, cfg.WhatsAppToken))
	} else {
		out = append(out, NewLogSender(models.ReminderWhatsApp))
	}
	if cfg.SMSURL != "" {
		out = append(out, NewSMSSender(cfg.SMSURL, cfg.SMSToken))
	} else {
		out = append(out, NewLogSender(models.ReminderSMS))
	}
	return out
}
