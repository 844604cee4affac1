package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"stock-alerter/internal/config"
)

var (
	// ErrNoChannels is returned when no channel was available to deliver a notification.
	ErrNoChannels = errors.New("no notification channel delivered the message")
	// ErrNoRecipient is returned by e-mail delivery without an address.
	ErrNoRecipient = errors.New("no recipient address")
	// ErrFiltered is returned when the notification level drops a notification.
	ErrFiltered = errors.New("notification filtered by level")
)

// ============================================================================
// Log
// ============================================================================

// LogChannel writes notifications to the application log.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a new LogChannel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("channel", "log").Logger()}
}

func (l *LogChannel) Name() string    { return "log" }
func (l *LogChannel) IsEnabled() bool { return true }

// RecordOnly reports that the log does not reach the recipient.
func (l *LogChannel) RecordOnly() bool { return true }

// Send logs the notification.
func (l *LogChannel) Send(ctx context.Context, n Notification) error {
	l.logger.Info().
		Str("type", string(n.Type)).
		Str("recipient", n.Recipient).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}

// ============================================================================
// Webhook
// ============================================================================

// WebhookChannel sends notifications via HTTP webhook.
type WebhookChannel struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookChannel creates a new WebhookChannel.
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the channel.
func (w *WebhookChannel) Name() string {
	return "webhook"
}

// IsEnabled returns whether the channel is enabled.
func (w *WebhookChannel) IsEnabled() bool {
	return w.enabled
}

// Send posts the notification as JSON.
func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"recipient": n.Recipient,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "StockAlerter/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// ============================================================================
// Telegram
// ============================================================================

// TelegramChannel sends notifications via a Telegram bot. The bot client is
// created on first use so a bad token does not prevent startup.
type TelegramChannel struct {
	token    string
	chatID   int64
	endpoint string
	enabled  bool

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new TelegramChannel.
func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	return &TelegramChannel{
		token:    cfg.BotToken,
		chatID:   cfg.ChatID,
		endpoint: tgbotapi.APIEndpoint,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != 0,
	}
}

// Name returns the name of the channel.
func (t *TelegramChannel) Name() string {
	return "telegram"
}

// IsEnabled returns whether the channel is enabled.
func (t *TelegramChannel) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramChannel) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	t.bot = bot
	return bot, nil
}

// Send sends a notification via Telegram.
func (t *TelegramChannel) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	bot, err := t.client()
	if err != nil {
		return err
	}

	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// ============================================================================
// Email
// ============================================================================

// EmailChannel sends notifications via email using SMTP.
type EmailChannel struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	to       string
	enabled  bool
	timeout  time.Duration
}

// NewEmailChannel creates a new EmailChannel.
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{
		smtpHost: cfg.SMTPHost,
		smtpPort: cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       cfg.To,
		enabled:  cfg.Enabled && cfg.SMTPHost != "" && cfg.From != "",
		timeout:  30 * time.Second,
	}
}

// Name returns the name of the channel.
func (e *EmailChannel) Name() string {
	return "email"
}

// IsEnabled returns whether the channel is enabled.
func (e *EmailChannel) IsEnabled() bool {
	return e.enabled
}

// recipient prefers the notification's own recipient over the configured one.
func (e *EmailChannel) recipient(n Notification) string {
	if n.Recipient != "" {
		return n.Recipient
	}
	return e.to
}

// buildMessage renders the RFC 5322 message.
func (e *EmailChannel) buildMessage(to string, n Notification) string {
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		headerValue(e.from), headerValue(to), headerValue(n.Title), strings.ReplaceAll(n.Message, "\n", "\r\n"))
}

// headerValue keeps a header on one line.
func headerValue(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// Send sends a notification via email. Port 465 uses implicit TLS; other
// ports upgrade with STARTTLS when the server offers it. The whole exchange
// is bounded by the channel timeout and by ctx.
func (e *EmailChannel) Send(ctx context.Context, n Notification) error {
	if !e.enabled {
		return nil
	}

	to := e.recipient(n)
	if to == "" {
		return ErrNoRecipient
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	addr := net.JoinHostPort(e.smtpHost, strconv.Itoa(e.smtpPort))
	dialer := &net.Dialer{Timeout: e.timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("SMTP dial failed: %w", err)
	}
	defer raw.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := raw.SetDeadline(deadline); err != nil {
			return fmt.Errorf("setting SMTP deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	tlsConfig := &tls.Config{ServerName: e.smtpHost}
	conn := raw
	if e.smtpPort == 465 {
		conn = tls.Client(raw, tlsConfig)
	}

	client, err := smtp.NewClient(conn, e.smtpHost)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if e.smtpPort != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("SMTP STARTTLS failed: %w", err)
			}
		}
	}

	if e.username != "" && e.password != "" {
		auth := smtp.PlainAuth("", e.username, e.password, e.smtpHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}
	if err := client.Mail(e.from); err != nil {
		return fmt.Errorf("SMTP MAIL command failed: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT command failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command failed: %w", err)
	}
	if _, err := w.Write([]byte(e.buildMessage(to, n))); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}

// ============================================================================
// Kafka
// ============================================================================

// messageWriter is the subset of *kafka.Writer used for publishing.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel publishes alert events to a Kafka topic, keyed by alert ID
// so events for one alert stay ordered within a partition.
type KafkaChannel struct {
	writer messageWriter
	topic  string
}

// NewKafkaChannel creates a KafkaChannel writing to the configured brokers.
func NewKafkaChannel(cfg config.KafkaConfig) (*KafkaChannel, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: no topic configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
	return &KafkaChannel{writer: writer, topic: cfg.Topic}, nil
}

// Name returns the name of the channel.
func (k *KafkaChannel) Name() string {
	return "kafka"
}

// IsEnabled returns whether the channel is enabled.
func (k *KafkaChannel) IsEnabled() bool {
	return k.writer != nil
}

// kafkaEvent is the published message body.
type kafkaEvent struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Send publishes the notification.
func (k *KafkaChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(kafkaEvent{
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Data:      n.Data,
		Timestamp: n.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshaling kafka event: %w", err)
	}

	var key []byte
	if id, ok := n.Data["alert_id"].(string); ok {
		key = []byte(id)
	}

	msg := kafka.Message{
		Key:   key,
		Value: body,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
		Time: n.Timestamp,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaChannel) Close() error {
	return k.writer.Close()
}
