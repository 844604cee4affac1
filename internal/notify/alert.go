package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stock-alerter/internal/models"
	"stock-alerter/pkg/utils"
)

// Directory resolves the user and alert a notification is about.
type Directory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
}

// AlertNotifier tells an alert's owner that it fired.
type AlertNotifier struct {
	dir    Directory
	sender Sender
	logger zerolog.Logger
}

// NewAlertNotifier creates an AlertNotifier.
func NewAlertNotifier(dir Directory, sender Sender, logger zerolog.Logger) *AlertNotifier {
	return &AlertNotifier{
		dir:    dir,
		sender: sender,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// NotifyUser sends the trigger message for alertID to userID. It reports
// whether the notification was handled: delivered by a channel that reaches
// the user, or deliberately filtered by the notification level.
func (n *AlertNotifier) NotifyUser(ctx context.Context, userID, alertID, message string, price decimal.Decimal) bool {
	user, err := n.dir.GetUser(ctx, userID)
	if err != nil {
		n.logger.Warn().Err(err).Str("user_id", userID).Str("alert_id", alertID).Msg("Cannot resolve alert owner")
		return false
	}
	alert, err := n.dir.GetAlert(ctx, alertID)
	if err != nil {
		n.logger.Warn().Err(err).Str("alert_id", alertID).Msg("Cannot resolve alert")
		return false
	}

	notif := AlertNotification(*user, *alert, message, price)
	err = n.sender.Send(ctx, notif)
	if errors.Is(err, ErrFiltered) {
		// Suppressed by configuration; retrying would be filtered again.
		n.logger.Debug().Str("alert_id", alertID).Msg("Alert notification filtered by level")
		return true
	}
	if err != nil {
		n.logger.Warn().
			Err(err).
			Str("alert_id", alertID).
			Str("recipient", user.Email).
			Msg("Failed to send alert notification")
		return false
	}

	n.logger.Info().
		Str("alert_id", alertID).
		Str("recipient", user.Email).
		Msg("Alert notification sent")
	return true
}

// AlertNotification builds the notification for a fired alert.
func AlertNotification(user models.User, alert models.Alert, message string, price decimal.Decimal) Notification {
	body := fmt.Sprintf(`Hi %s,

Your alert "%s" was triggered.

Details:
- Stock: %s
- Price: %s
- Message: %s

Regards,
Stock Alerting System`, user.Username, alert.DisplayName(), alert.Ticker, utils.FormatPrice(price), message)

	return Notification{
		Type:      NotificationAlert,
		Title:     "[Stock Alert] " + alert.Ticker,
		Message:   body,
		Recipient: user.Email,
		Data: map[string]interface{}{
			"alert_id": alert.ID,
			"user_id":  user.ID,
			"ticker":   alert.Ticker,
			"price":    price.String(),
			"message":  message,
		},
	}
}
