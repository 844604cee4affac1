package alerts

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stock-alerter/internal/models"
	"stock-alerter/pkg/utils"
)

// Dispatcher hands a fired alert to the notification layer. It is
// best-effort: false means delivery failed, and the pass carries on.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert models.Alert, message string, price decimal.Decimal) bool
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, alert models.Alert, message string, price decimal.Decimal) bool

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, alert models.Alert, message string, price decimal.Decimal) bool {
	return f(ctx, alert, message, price)
}

// UserNotifier delivers a message about an alert to its owner.
type UserNotifier interface {
	NotifyUser(ctx context.Context, userID, alertID, message string, price decimal.Decimal) bool
}

var errNotDelivered = errors.New("notification not delivered")

// NotifierDispatcher bridges fired alerts to a UserNotifier, retrying
// undelivered notifications with backoff.
type NotifierDispatcher struct {
	notifier UserNotifier
	retry    utils.RetryConfig
	logger   zerolog.Logger
}

// NewNotifierDispatcher creates a dispatcher. A zero retry config makes a single attempt.
func NewNotifierDispatcher(notifier UserNotifier, retry utils.RetryConfig, logger zerolog.Logger) *NotifierDispatcher {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &NotifierDispatcher{
		notifier: notifier,
		retry:    retry,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch notifies the alert's owner.
func (d *NotifierDispatcher) Dispatch(ctx context.Context, alert models.Alert, message string, price decimal.Decimal) bool {
	attempts := 0
	err := utils.Retry(ctx, d.retry, func() error {
		attempts++
		if d.notifier.NotifyUser(ctx, alert.UserID, alert.ID, message, price) {
			return nil
		}
		return errNotDelivered
	})
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("alert_id", alert.ID).
			Str("user_id", alert.UserID).
			Int("attempts", attempts).
			Msg("Notification dispatch failed")
		return false
	}
	return true
}
