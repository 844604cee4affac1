package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stock-alerter/internal/alerts"
	"stock-alerter/internal/logging"
	"stock-alerter/internal/metrics"
	"stock-alerter/internal/models"
	"stock-alerter/internal/notify"
)

// InstrumentStore is the persistence the poller needs.
type InstrumentStore interface {
	ListInstruments(ctx context.Context) ([]models.Instrument, error)
	RecordObservation(ctx context.Context, obs *models.Observation) error
}

// Evaluator runs an evaluation pass for one instrument.
type Evaluator interface {
	EvaluatePass(ctx context.Context, instrumentID string) (*alerts.EvaluationResult, error)
}

// ErrorReporter escalates failures that stop alerts from being evaluated.
type ErrorReporter interface {
	SendError(ctx context.Context, err error, errContext string) error
}

// TickReport summarises one polling round.
type TickReport struct {
	Instruments int
	Fetched     int
	Failed      int
	Evaluated   int
	EvalErrors  int
	Fired       int
	Duration    time.Duration
}

// Poller fetches a price for every instrument, records it and evaluates the
// instrument's alerts.
type Poller struct {
	store     InstrumentStore
	source    Source
	evaluator Evaluator
	reporter  ErrorReporter
	workers   int
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	lastTick time.Time
	last     TickReport
}

// NewPoller creates a Poller. workers bounds how many instruments are
// processed at once.
func NewPoller(store InstrumentStore, source Source, evaluator Evaluator, workers int, logger zerolog.Logger) *Poller {
	if workers < 1 {
		workers = 1
	}
	return &Poller{
		store:     store,
		source:    source,
		evaluator: evaluator,
		workers:   workers,
		now:       time.Now,
		logger:    logging.WithComponent(logger, "feed"),
	}
}

// ReportErrors sends listing and evaluation failures to r.
func (p *Poller) ReportErrors(r ErrorReporter) {
	p.reporter = r
}

func (p *Poller) report(ctx context.Context, err error, errContext string) {
	if p.reporter == nil || ctx.Err() != nil {
		return
	}
	if rerr := p.reporter.SendError(ctx, err, errContext); rerr != nil && !errors.Is(rerr, notify.ErrFiltered) {
		p.logger.Warn().Err(rerr).Str("context", errContext).Msg("Failed to report error")
	}
}

// Tick runs one polling round. One instrument failing never stops the others;
// the returned error only reports failure to list instruments.
func (p *Poller) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()

	instruments, err := p.store.ListInstruments(ctx)
	if err != nil {
		err = fmt.Errorf("listing instruments: %w", err)
		p.report(ctx, err, "feed tick")
		return TickReport{}, err
	}

	var (
		mu     sync.Mutex
		report = TickReport{Instruments: len(instruments)}
	)

	pool := NewWorkerPool(p.workers)
	pool.Start()
	for _, inst := range instruments {
		inst := inst
		submitted := pool.Submit(ctx, func() {
			o := p.process(ctx, inst)
			mu.Lock()
			report.add(o)
			mu.Unlock()
		})
		if !submitted {
			break
		}
	}
	pool.Stop()
	stats := pool.Stats()

	report.Duration = time.Since(start)
	p.mu.Lock()
	p.lastTick = p.now()
	p.last = report
	p.mu.Unlock()

	p.logger.Info().
		Int("instruments", report.Instruments).
		Int("fetched", report.Fetched).
		Int("failed", report.Failed).
		Int("evaluated", report.Evaluated).
		Int("fired", report.Fired).
		Int("workers", stats.Workers).
		Uint64("tasks_done", stats.TasksDone).
		Dur("duration", report.Duration).
		Msg("Feed tick completed")

	return report, ctx.Err()
}

type outcome struct {
	fetched   bool
	evaluated bool
	evalErr   bool
	fired     int
}

func (r *TickReport) add(o outcome) {
	if o.fetched {
		r.Fetched++
	} else {
		r.Failed++
	}
	if o.evaluated {
		r.Evaluated++
	}
	if o.evalErr {
		r.EvalErrors++
	}
	r.Fired += o.fired
}

func (p *Poller) process(ctx context.Context, inst models.Instrument) (o outcome) {
	logger := logging.WithInstrument(p.logger, inst.ID).With().Str("ticker", inst.Ticker).Logger()

	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("feed").Inc()
			logger.Error().Interface("panic", r).Msg("Recovered panic while polling instrument")
			o.evalErr = o.fetched
		}
	}()

	price, err := p.source.Quote(ctx, inst.Ticker)
	if err != nil {
		metrics.FeedFetchErrors.WithLabelValues(p.source.Name()).Inc()
		logger.Warn().Err(err).Str("source", p.source.Name()).Msg("Price fetch failed")
		return o
	}

	obs := &models.Observation{
		InstrumentID: inst.ID,
		Price:        price,
		Timestamp:    p.now(),
	}
	if err := p.store.RecordObservation(ctx, obs); err != nil {
		logger.Error().Err(err).Msg("Failed to record observation")
		return o
	}
	o.fetched = true
	metrics.ObservationsRecordedTotal.Inc()
	logging.LogObservation(logger, inst.Ticker, price, p.source.Name())

	result, err := p.evaluator.EvaluatePass(ctx, inst.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Evaluation pass failed")
		o.evalErr = true
		p.report(ctx, err, "evaluating "+inst.Ticker)
		return o
	}
	o.evaluated = true
	o.fired = len(result.Fired)
	return o
}

// LastTick returns when the last round finished and its report. The time is
// zero before the first round.
func (p *Poller) LastTick() (time.Time, TickReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTick, p.last
}

// Run calls Tick immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid poll interval %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("Feed tick failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
