// Package digest mails every active user a periodic summary of the latest
// price of each instrument.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stock-alerter/internal/logging"
	"stock-alerter/internal/metrics"
	"stock-alerter/internal/models"
	"stock-alerter/internal/notify"
	"stock-alerter/internal/store"
)

// Subject is the title of every digest notification.
const Subject = "Daily Stock Price Digest"

// Store is the persistence the digest reads.
type Store interface {
	ListUsers(ctx context.Context, filter store.UserFilter) ([]models.User, error)
	LatestPrices(ctx context.Context) ([]models.PriceDigestEntry, error)
}

// Report counts the outcome of one digest run.
type Report struct {
	Users    int
	Stocks   int
	Sent     int
	Failed   int
	Filtered int
}

// Digest builds and sends price digests.
type Digest struct {
	store  Store
	sender notify.Sender
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Digest.
func New(st Store, sender notify.Sender, logger zerolog.Logger) *Digest {
	return &Digest{
		store:  st,
		sender: sender,
		now:    time.Now,
		logger: logging.WithComponent(logger, "digest"),
	}
}

// Send mails the digest to every active user with an e-mail address. A
// failed delivery is counted and does not stop the run.
func (d *Digest) Send(ctx context.Context) (Report, error) {
	users, err := d.store.ListUsers(ctx, store.UserFilter{ActiveOnly: true, WithEmail: true})
	if err != nil {
		return Report{}, fmt.Errorf("listing users: %w", err)
	}
	if len(users) == 0 {
		d.logger.Warn().Msg("No users with email addresses, skipping digest")
		return Report{}, nil
	}

	prices, err := d.store.LatestPrices(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("loading latest prices: %w", err)
	}

	report := Report{Users: len(users), Stocks: len(prices)}
	generated := d.now()

	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		n := notify.Notification{
			Type:      notify.NotificationDigest,
			Title:     Subject,
			Message:   Render(user.Username, prices, generated),
			Recipient: user.Email,
			Data: map[string]interface{}{
				"user_id": user.ID,
				"stocks":  len(prices),
			},
			Timestamp: generated,
		}

		err := d.sender.Send(ctx, n)
		if errors.Is(err, notify.ErrFiltered) {
			report.Filtered++
			metrics.DigestsSentTotal.WithLabelValues("filtered").Inc()
			continue
		}
		if err != nil {
			report.Failed++
			metrics.DigestsSentTotal.WithLabelValues("failed").Inc()
			d.logger.Error().Err(err).Str("user_id", user.ID).Str("email", user.Email).Msg("Digest send failed")
			continue
		}
		report.Sent++
		metrics.DigestsSentTotal.WithLabelValues("sent").Inc()
	}

	d.logger.Info().
		Int("users", report.Users).
		Int("stocks", report.Stocks).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Int("filtered", report.Filtered).
		Msg("Price digest completed")

	return report, nil
}

// Render produces the plain-text digest body.
func Render(username string, prices []models.PriceDigestEntry, generated time.Time) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Hello %s,\n\nHere are the latest stock prices from your watchlist:\n\n", username)
	sb.WriteString("========================================\n")
	for _, p := range prices {
		price := "N/A"
		if p.Price.Valid {
			price = "$" + p.Price.Decimal.String()
		}
		fmt.Fprintf(&sb, "%-10s : %s\n", p.Ticker, price)
	}
	fmt.Fprintf(&sb, "\nReport generated on: %s\n\nBest regards,\nStock Alerting System\n",
		generated.Format("January 02, 2006 at 03:04 PM"))

	return sb.String()
}

// Run sends a digest every interval until ctx is done. The first digest goes
// out after one interval.
func (d *Digest) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid digest interval %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Send(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("Price digest failed")
			}
		}
	}
}
