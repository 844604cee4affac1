// Package models provides domain models for the alerting application.
package models

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "stock-alerter/internal/errors"
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9.:-]+$`)

// Instrument represents a tradable security identified by its ticker.
type Instrument struct {
	ID        string    `json:"id"`
	Ticker    string    `json:"ticker"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeTicker upper-cases and trims a ticker and checks that it only
// holds letters, digits, '.', ':' and '-'. Tickers end up in mail subjects
// and URLs, so anything else is rejected.
func NormalizeTicker(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerPattern.MatchString(t) {
		return "", apperrors.NewValidationError("ticker", ticker, "must match [A-Z0-9.:-]+")
	}
	return t, nil
}

// Observation is one timestamped price reading for an instrument.
type Observation struct {
	ID           int64           `json:"id"`
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
}

// User is the owner of alerts and the recipient of notifications.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Trigger records that an alert fired. Triggers are append-only.
type Trigger struct {
	ID          string          `json:"id"`
	AlertID     string          `json:"alert_id"`
	TriggeredAt time.Time       `json:"triggered_at"`
	Price       decimal.Decimal `json:"price"`
	Message     string          `json:"message"`
}

// PriceDigestEntry is one row of a price digest.
type PriceDigestEntry struct {
	Ticker string
	Price  decimal.NullDecimal
	AsOf   *time.Time
}
