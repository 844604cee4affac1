package alerts

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "stock-alerter/internal/errors"
	"stock-alerter/internal/models"
	"stock-alerter/pkg/utils"
)

// Outcome names what a single step did to an alert.
type Outcome string

const (
	OutcomeNone   Outcome = "none"
	OutcomeOpened Outcome = "opened"
	OutcomeReset  Outcome = "reset"
	OutcomeFired  Outcome = "fired"
)

// Transition is the result of stepping one alert with one price.
type Transition struct {
	Update  models.AlertStateUpdate
	Outcome Outcome
	// Message is set only when Outcome is OutcomeFired.
	Message string
}

// Fired reports whether the step emitted a trigger.
func (t Transition) Fired() bool {
	return t.Outcome == OutcomeFired
}

// Step computes the next state of alert given an observed price at time now.
// It does not mutate alert.
//
// Threshold alerts fire on every step where the condition holds. Duration
// alerts fire once the condition has held continuously for DurationMinutes,
// and firing closes the window so a fresh break-and-reopen is needed to fire again.
func Step(alert models.Alert, price decimal.Decimal, now time.Time) (Transition, error) {
	switch alert.Kind {
	case models.AlertKindThreshold:
		return stepThreshold(alert, price, now)
	case models.AlertKindDuration:
		return stepDuration(alert, price, now)
	default:
		return Transition{}, apperrors.NewAlertError(alert.ID, fmt.Sprintf("unknown kind %q", alert.Kind), apperrors.ErrMisconfiguredAlert)
	}
}

func stepThreshold(alert models.Alert, price decimal.Decimal, now time.Time) (Transition, error) {
	if !alert.Threshold.Valid {
		return Transition{}, apperrors.NewAlertError(alert.ID, "threshold unset", apperrors.ErrMisconfiguredAlert)
	}
	threshold := alert.Threshold.Decimal

	holds, err := Holds(price, alert.Comparator, threshold)
	if err != nil {
		return Transition{}, apperrors.NewAlertError(alert.ID, "", err)
	}

	update := alert.StateUpdate()
	update.Window.LastObservedPrice = decimal.NewNullDecimal(price)

	if !holds {
		return Transition{Update: update, Outcome: OutcomeNone}, nil
	}

	firedAt := now
	update.LastTriggeredAt = &firedAt
	return Transition{
		Update:  update,
		Outcome: OutcomeFired,
		Message: fmt.Sprintf("Threshold met: %s %s %s", price.String(), alert.Comparator.Symbol(), threshold.String()),
	}, nil
}

func stepDuration(alert models.Alert, price decimal.Decimal, now time.Time) (Transition, error) {
	if !alert.Threshold.Valid {
		return Transition{}, apperrors.NewAlertError(alert.ID, "threshold unset", apperrors.ErrMisconfiguredAlert)
	}
	if alert.DurationMinutes == nil {
		return Transition{}, apperrors.NewAlertError(alert.ID, "duration unset", apperrors.ErrMisconfiguredAlert)
	}
	if *alert.DurationMinutes <= 0 {
		return Transition{}, apperrors.NewAlertError(alert.ID, fmt.Sprintf("duration %d not positive", *alert.DurationMinutes), apperrors.ErrMisconfiguredAlert)
	}
	threshold := alert.Threshold.Decimal
	required := time.Duration(*alert.DurationMinutes) * time.Minute

	holds, err := Holds(price, alert.Comparator, threshold)
	if err != nil {
		return Transition{}, apperrors.NewAlertError(alert.ID, "", err)
	}

	update := alert.StateUpdate()
	update.Window.LastObservedPrice = decimal.NewNullDecimal(price)

	// An open window with no start time is repaired by treating it as opening now.
	if !alert.Window.Open || alert.Window.OpenedAt == nil {
		if !holds {
			update.Window.Open = false
			update.Window.OpenedAt = nil
			return Transition{Update: update, Outcome: OutcomeNone}, nil
		}
		openedAt := now
		update.Window.Open = true
		update.Window.OpenedAt = &openedAt
		return Transition{Update: update, Outcome: OutcomeOpened}, nil
	}

	if !holds {
		update.Window.Open = false
		update.Window.OpenedAt = nil
		return Transition{Update: update, Outcome: OutcomeReset}, nil
	}

	elapsed := now.Sub(*alert.Window.OpenedAt)
	if elapsed < required {
		return Transition{Update: update, Outcome: OutcomeNone}, nil
	}

	firedAt := now
	update.LastTriggeredAt = &firedAt
	update.Window.Open = false
	update.Window.OpenedAt = nil
	return Transition{
		Update:  update,
		Outcome: OutcomeFired,
		Message: fmt.Sprintf("Duration met: %s (%s %s %s for %dm)",
			utils.FormatMinutes(elapsed.Minutes()), price.String(), alert.Comparator.Symbol(), threshold.String(), *alert.DurationMinutes),
	}, nil
}
