// Package notify provides notification delivery for triggered alerts and digests.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stock-alerter/internal/config"
)

// Sender delivers a notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type    NotificationType
	Title   string
	Message string
	// Recipient is the e-mail address of the user the notification is for.
	// Channels without per-user addressing ignore it.
	Recipient string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationAlert  NotificationType = "alert"
	NotificationDigest NotificationType = "digest"
	NotificationError  NotificationType = "error"
	NotificationInfo   NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelAlertsOnly NotificationLevel = "alerts_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

// recordOnly is implemented by channels that keep a record of a
// notification without reaching the recipient.
type recordOnly interface {
	RecordOnly() bool
}

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
func NewMultiNotifier(cfg *config.NotificationConfig, logger zerolog.Logger) (*MultiNotifier, error) {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
	}

	if mn.level == "" {
		mn.level = LevelAll
	}
	if !cfg.Enabled {
		return mn, nil
	}

	// Add enabled channels
	if cfg.Log.Enabled {
		mn.channels = append(mn.channels, NewLogChannel(logger))
	}
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookChannel(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramChannel(cfg.Telegram))
	}
	if cfg.Email.Enabled {
		mn.channels = append(mn.channels, NewEmailChannel(cfg.Email))
	}
	if cfg.Kafka.Enabled {
		ch, err := NewKafkaChannel(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		mn.channels = append(mn.channels, ch)
	}

	return mn, nil
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the names of the enabled channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()

	var names []string
	for _, ch := range mn.channels {
		if ch.IsEnabled() {
			names = append(names, ch.Name())
		}
	}
	return names
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelAlertsOnly:
		return notifType == NotificationAlert
	case LevelErrorsOnly:
		return notifType == NotificationError
	default:
		return true
	}
}

// Send sends a notification to all enabled channels. It returns ErrFiltered
// when the level filter drops the notification. Record-only channels such as
// the log never count as delivery when another channel failed: Send errors
// unless at least one channel that reaches the user succeeded.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return ErrFiltered
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	delivered, recorded := 0, 0
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			continue
		}
		if r, ok := ch.(recordOnly); ok && r.RecordOnly() {
			recorded++
			continue
		}
		delivered++
	}

	switch {
	case delivered > 0:
		return nil
	case len(errs) > 0:
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	case recorded > 0:
		return nil
	default:
		return ErrNoChannels
	}
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   "[Stock Alert] Error",
		Message: fmt.Sprintf("Context: %s\nError: %v\nTime: %s", errContext, err, time.Now().Format("15:04:05")),
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// Close releases channel resources.
func (mn *MultiNotifier) Close() error {
	mn.mu.RLock()
	defer mn.mu.RUnlock()

	var errs []string
	for _, ch := range mn.channels {
		if c, ok := ch.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing channels: %s", strings.Join(errs, "; "))
	}
	return nil
}
