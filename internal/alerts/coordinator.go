package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "stock-alerter/internal/errors"
	"stock-alerter/internal/logging"
	"stock-alerter/internal/metrics"
	"stock-alerter/internal/models"
	"stock-alerter/internal/store"
	"stock-alerter/pkg/utils"
)

// SkippedAlert records an alert that could not be evaluated in a pass.
type SkippedAlert struct {
	AlertID string
	Err     error
}

// EvaluationResult summarises one evaluation pass.
type EvaluationResult struct {
	InstrumentID string
	EvaluatedAt  time.Time
	Observation  *models.Observation
	// NoObservation is set when the instrument has no price yet; nothing was evaluated.
	NoObservation bool

	Evaluated int
	Opened    int
	Reset     int
	Fired     []models.Trigger
	Skipped   []SkippedAlert

	Dispatched     int
	DispatchFailed int
}

// Coordinator runs evaluation passes. Passes for different instruments may
// run concurrently; passes for one instrument are serialized.
type Coordinator struct {
	alerts       store.AlertStore
	observations store.ObservationStore
	dispatcher   Dispatcher
	locks        *utils.KeyedMutex
	logger       zerolog.Logger

	passTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the wall clock used for state transitions.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides trigger ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// WithPassTimeout bounds the locked part of a pass. Zero disables the bound.
func WithPassTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.passTimeout = d }
}

// NewCoordinator creates a coordinator. dispatcher may be nil, in which case
// fired alerts are recorded but nobody is notified.
func NewCoordinator(alerts store.AlertStore, observations store.ObservationStore, dispatcher Dispatcher, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		alerts:       alerts,
		observations: observations,
		dispatcher:   dispatcher,
		locks:        utils.NewKeyedMutex(),
		logger:       logging.WithComponent(logger, "coordinator"),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EvaluatePass evaluates every active alert of instrumentID against the
// instrument's latest observation and commits the outcome atomically.
//
// A store failure or cancellation before commit returns an error and leaves
// nothing visible. Once committed, fired alerts are dispatched even if ctx is
// cancelled; dispatch failures are counted in the result, never returned.
func (c *Coordinator) EvaluatePass(ctx context.Context, instrumentID string) (*EvaluationResult, error) {
	start := time.Now()
	logger := logging.WithInstrument(c.logger, instrumentID)

	result, fired, err := c.evaluateLocked(ctx, instrumentID, logger)
	metrics.PassDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		status := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "cancelled"
		}
		metrics.PassesTotal.WithLabelValues(status).Inc()
		logger.Error().Err(err).Msg("Evaluation pass failed")
		return nil, err
	}

	if result.NoObservation {
		metrics.PassesTotal.WithLabelValues("no_observation").Inc()
		logger.Debug().Msg("No observation yet, skipping pass")
		return result, nil
	}
	metrics.PassesTotal.WithLabelValues("ok").Inc()

	c.dispatchAll(context.WithoutCancel(ctx), result, fired, logger)

	logging.LogPass(logger, instrumentID, result.Evaluated, len(result.Fired), len(result.Skipped), time.Since(start))
	return result, nil
}

// firing pairs a committed trigger with the alert state it fired from.
type firing struct {
	alert   models.Alert
	trigger models.Trigger
}

func (c *Coordinator) evaluateLocked(ctx context.Context, instrumentID string, logger zerolog.Logger) (*EvaluationResult, []firing, error) {
	if c.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.passTimeout)
		defer cancel()
	}

	unlock, err := c.locks.Lock(ctx, instrumentID)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lock for %s: %w", instrumentID, err)
	}
	defer unlock()

	pass, err := c.alerts.BeginPass(ctx, instrumentID)
	if err != nil {
		return nil, nil, apperrors.NewCollaboratorError("alert store", "begin pass", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := pass.Rollback(); rbErr != nil {
				logger.Warn().Err(rbErr).Msg("Rollback failed")
			}
		}
	}()

	obs, err := c.observations.Latest(ctx, instrumentID)
	if err != nil {
		return nil, nil, apperrors.NewCollaboratorError("observation store", "latest", err)
	}

	now := c.now()
	result := &EvaluationResult{
		InstrumentID: instrumentID,
		EvaluatedAt:  now,
		Observation:  obs,
	}
	if obs == nil {
		result.NoObservation = true
		return result, nil, nil
	}

	active, err := pass.ListActive(ctx)
	if err != nil {
		return nil, nil, apperrors.NewCollaboratorError("alert store", "list active", err)
	}

	updates := make([]models.AlertStateUpdate, 0, len(active))
	var fired []firing

	for _, alert := range active {
		tr, err := Step(alert, obs.Price, now)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedAlert{AlertID: alert.ID, Err: err})
			metrics.AlertsSkippedTotal.WithLabelValues(apperrors.SkipReason(err)).Inc()
			logging.LogSkip(logger, alert.ID, err)
			continue
		}

		result.Evaluated++
		updates = append(updates, tr.Update)

		switch tr.Outcome {
		case OutcomeOpened:
			result.Opened++
		case OutcomeReset:
			result.Reset++
		case OutcomeFired:
			trigger := models.Trigger{
				ID:          c.newID(),
				AlertID:     alert.ID,
				TriggeredAt: now,
				Price:       obs.Price,
				Message:     tr.Message,
			}
			fired = append(fired, firing{alert: alert, trigger: trigger})
			result.Fired = append(result.Fired, trigger)
		}
	}

	triggers := make([]models.Trigger, len(fired))
	for i, f := range fired {
		triggers[i] = f.trigger
	}

	if err := pass.SaveMutations(ctx, updates); err != nil {
		return nil, nil, apperrors.NewCollaboratorError("alert store", "save mutations", err)
	}
	if err := pass.CreateTriggers(ctx, triggers); err != nil {
		return nil, nil, apperrors.NewCollaboratorError("alert store", "create triggers", err)
	}

	// Last point at which the pass can still be abandoned.
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := pass.Commit(); err != nil {
		return nil, nil, apperrors.NewCollaboratorError("alert store", "commit", err)
	}
	committed = true

	for _, f := range fired {
		metrics.TriggersTotal.WithLabelValues(string(f.alert.Kind)).Inc()
		logging.LogTrigger(logger, f.alert.ID, f.trigger.ID, f.trigger.Message, f.trigger.Price)
	}

	return result, fired, nil
}

func (c *Coordinator) dispatchAll(ctx context.Context, result *EvaluationResult, fired []firing, logger zerolog.Logger) {
	if c.dispatcher == nil {
		return
	}
	for _, f := range fired {
		if c.dispatchOne(ctx, f, logger) {
			result.Dispatched++
			metrics.DispatchTotal.WithLabelValues("delivered").Inc()
		} else {
			result.DispatchFailed++
		}
	}
}

func (c *Coordinator) dispatchOne(ctx context.Context, f firing, logger zerolog.Logger) (ok bool) {
	logger = logging.WithAlert(logger, f.alert.ID)
	defer func() {
		if r := recover(); r != nil {
			ok = false
			metrics.PanicsRecovered.WithLabelValues("dispatch").Inc()
			metrics.DispatchTotal.WithLabelValues("panic").Inc()
			logger.Error().
				Interface("panic", r).
				Msg("Recovered from panic in dispatch")
		}
	}()

	if !c.dispatcher.Dispatch(ctx, f.alert, f.trigger.Message, f.trigger.Price) {
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		return false
	}
	return true
}
