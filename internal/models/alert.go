package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "stock-alerter/internal/errors"
)

// AlertKind is the closed set of alert variants.
type AlertKind string

const (
	// AlertKindThreshold fires on every evaluation where the condition holds.
	AlertKindThreshold AlertKind = "threshold"
	// AlertKindDuration fires once the condition has held continuously for DurationMinutes.
	AlertKindDuration AlertKind = "duration"
)

// Valid reports whether k is a known alert kind.
func (k AlertKind) Valid() bool {
	return k == AlertKindThreshold || k == AlertKindDuration
}

// Comparator compares an observed price against an alert threshold.
type Comparator string

const (
	ComparatorGreaterThan Comparator = "gt"
	ComparatorLessThan    Comparator = "lt"
	ComparatorEqual       Comparator = "eq"
)

// Valid reports whether c is a known comparator.
func (c Comparator) Valid() bool {
	switch c {
	case ComparatorGreaterThan, ComparatorLessThan, ComparatorEqual:
		return true
	}
	return false
}

// Symbol returns the mathematical symbol for the comparator.
func (c Comparator) Symbol() string {
	switch c {
	case ComparatorGreaterThan:
		return ">"
	case ComparatorLessThan:
		return "<"
	case ComparatorEqual:
		return "="
	default:
		return string(c)
	}
}

// ParseComparator accepts both the stored codes (gt, lt, eq) and the symbols.
func ParseComparator(s string) (Comparator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gt", ">":
		return ComparatorGreaterThan, nil
	case "lt", "<":
		return ComparatorLessThan, nil
	case "eq", "=", "==":
		return ComparatorEqual, nil
	}
	return "", fmt.Errorf("unknown comparator %q", s)
}

// ConditionWindow is the embedded state of a duration alert.
// It is inert for threshold alerts.
type ConditionWindow struct {
	Open              bool                `json:"open"`
	OpenedAt          *time.Time          `json:"opened_at,omitempty"`
	LastObservedPrice decimal.NullDecimal `json:"last_observed_price"`
}

// Alert is a persisted rule that watches an instrument's price.
type Alert struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id"`
	InstrumentID    string              `json:"instrument_id"`
	Ticker          string              `json:"ticker,omitempty"`
	Name            string              `json:"name"`
	Kind            AlertKind           `json:"kind"`
	Comparator      Comparator          `json:"comparator"`
	Threshold       decimal.NullDecimal `json:"threshold"`
	DurationMinutes *int                `json:"duration_minutes,omitempty"`
	Window          ConditionWindow     `json:"window"`
	Active          bool                `json:"active"`
	CreatedAt       time.Time           `json:"created_at"`
	LastTriggeredAt *time.Time          `json:"last_triggered_at,omitempty"`
}

// AlertStateUpdate carries the fields an evaluation pass is allowed to change.
type AlertStateUpdate struct {
	AlertID         string
	Window          ConditionWindow
	LastTriggeredAt *time.Time
}

// StateUpdate returns the current mutable state of the alert.
func (a Alert) StateUpdate() AlertStateUpdate {
	return AlertStateUpdate{
		AlertID:         a.ID,
		Window:          a.Window,
		LastTriggeredAt: a.LastTriggeredAt,
	}
}

// Apply copies the mutable state in u onto the alert.
func (a *Alert) Apply(u AlertStateUpdate) {
	a.Window = u.Window
	a.LastTriggeredAt = u.LastTriggeredAt
}

// DisplayName returns the alert name, falling back to its ID.
func (a Alert) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Describe renders the rule, e.g. "AAPL > 100 for 5m".
func (a Alert) Describe() string {
	threshold := "?"
	if a.Threshold.Valid {
		threshold = a.Threshold.Decimal.String()
	}
	desc := fmt.Sprintf("%s %s %s", a.Ticker, a.Comparator.Symbol(), threshold)
	if a.Kind == AlertKindDuration && a.DurationMinutes != nil {
		desc += fmt.Sprintf(" for %dm", *a.DurationMinutes)
	}
	return strings.TrimSpace(desc)
}

// Validate checks the rule fields that the management layer must reject
// before an alert is stored.
func (a Alert) Validate() error {
	if a.InstrumentID == "" {
		return apperrors.NewValidationError("instrument_id", a.InstrumentID, "required")
	}
	if a.UserID == "" {
		return apperrors.NewValidationError("user_id", a.UserID, "required")
	}
	if !a.Kind.Valid() {
		return apperrors.NewValidationError("kind", a.Kind, "must be threshold or duration")
	}
	if !a.Comparator.Valid() {
		return apperrors.NewValidationError("comparator", a.Comparator, "must be gt, lt or eq")
	}
	if !a.Threshold.Valid {
		return apperrors.NewValidationError("threshold", nil, "required")
	}
	if a.Kind == AlertKindDuration {
		if a.DurationMinutes == nil {
			return apperrors.NewValidationError("duration_minutes", nil, "required for duration alerts")
		}
		if *a.DurationMinutes <= 0 {
			return apperrors.NewValidationError("duration_minutes", *a.DurationMinutes, "must be positive")
		}
	}
	return nil
}
