package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/config"
	"github.com/t77yq/jobflow/internal/model"
)

// EmailSender delivers notifications over SMTP
type EmailSender struct {
	cfg config.EmailConfig
}

// NewEmailSender creates an SMTP sender
func NewEmailSender(cfg config.EmailConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Send implements Sender
func (s *EmailSender) Send(ctx context.Context, req *model.NotificationRequest) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start SMTP session: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := c.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := c.Rcpt(req.Recipient); err != nil {
		return fmt.Errorf("RCPT TO rejected: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(formatEmail(s.cfg.From, req)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return c.Quit()
}

func formatEmail(from string, req *model.NotificationRequest) []byte {
	return []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		from,
		req.Recipient,
		mime.QEncoding.Encode("UTF-8", req.Subject),
		req.Body))
}

// defaultWebhookTimeout guards providers when the caller sets no deadline
const defaultWebhookTimeout = 30 * time.Second

// WebhookMessage is the JSON body posted to SMS and push providers
type WebhookMessage struct {
	ID      string        `json:"id"`
	Channel model.Channel `json:"channel"`
	From    string        `json:"from,omitempty"`
	To      string        `json:"to"`
	Subject string        `json:"subject,omitempty"`
	Body    string        `json:"body"`
}

// WebhookSender delivers notifications by posting them to an HTTP provider
type WebhookSender struct {
	cfg        config.WebhookConfig
	httpClient *http.Client
}

// NewWebhookSender creates a webhook sender
func NewWebhookSender(cfg config.WebhookConfig) *WebhookSender {
	return &WebhookSender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultWebhookTimeout},
	}
}

// Send implements Sender
func (s *WebhookSender) Send(ctx context.Context, req *model.NotificationRequest) error {
	data, err := json.Marshal(WebhookMessage{
		ID:      req.ID,
		Channel: req.Channel,
		From:    s.cfg.From,
		To:      req.Recipient,
		Subject: req.Subject,
		Body:    req.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Providers dedupe on the request ID across our retries.
	httpReq.Header.Set("Idempotency-Key", req.ID)
	if s.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// NewSenders builds a sender for every channel configured in cfg. Channels
// left unconfigured fail as unknown.
func NewSenders(cfg config.NotificationConfig, logger *zap.Logger) map[model.Channel]Sender {
	senders := make(map[model.Channel]Sender)
	if cfg.Email.Host != "" {
		senders[model.ChannelEmail] = NewEmailSender(cfg.Email)
	}
	if cfg.SMS.URL != "" {
		senders[model.ChannelSMS] = NewWebhookSender(cfg.SMS)
	}
	if cfg.Push.URL != "" {
		senders[model.ChannelPush] = NewWebhookSender(cfg.Push)
	}

	channels := make([]string, 0, len(senders))
	for ch := range senders {
		channels = append(channels, string(ch))
	}
	logger.Info("Notification channels configured", zap.Strings("channels", channels))
	return senders
}
