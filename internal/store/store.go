// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"stock-alerter/internal/models"
)

// AlertStore opens exclusive evaluation passes over one instrument's alerts.
type AlertStore interface {
	// BeginPass starts a unit of work holding exclusive access to the active
	// alerts of instrumentID until Commit or Rollback.
	BeginPass(ctx context.Context, instrumentID string) (AlertPass, error)
}

// AlertPass is one exclusive, atomic unit of work over an instrument's alerts.
// Nothing written through it is visible until Commit succeeds.
type AlertPass interface {
	ListActive(ctx context.Context) ([]models.Alert, error)
	SaveMutations(ctx context.Context, updates []models.AlertStateUpdate) error
	CreateTriggers(ctx context.Context, triggers []models.Trigger) error
	Commit() error
	// Rollback discards the pass. It is safe to call after Commit.
	Rollback() error
}

// ObservationStore reads price history.
type ObservationStore interface {
	// Latest returns the most recent observation by timestamp, or nil when
	// the instrument has none.
	Latest(ctx context.Context, instrumentID string) (*models.Observation, error)
}

// DataStore defines the interface for data persistence.
type DataStore interface {
	AlertStore
	ObservationStore

	// Observations
	RecordObservation(ctx context.Context, obs *models.Observation) error
	LatestPrices(ctx context.Context) ([]models.PriceDigestEntry, error)

	// Instruments
	CreateInstrument(ctx context.Context, inst *models.Instrument) error
	GetInstrument(ctx context.Context, id string) (*models.Instrument, error)
	GetInstrumentByTicker(ctx context.Context, ticker string) (*models.Instrument, error)
	ListInstruments(ctx context.Context) ([]models.Instrument, error)

	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]models.User, error)

	// Alerts
	CreateAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error)
	SetAlertActive(ctx context.Context, id string, active bool) error

	// Triggers
	ListTriggers(ctx context.Context, alertID string, limit int) ([]models.Trigger, error)

	// Lifecycle
	Close() error
}

// AlertFilter represents filters for querying alerts.
type AlertFilter struct {
	UserID       string
	InstrumentID string
	ActiveOnly   bool
	Limit        int
}

// UserFilter represents filters for querying users.
type UserFilter struct {
	ActiveOnly bool
	WithEmail  bool
}
