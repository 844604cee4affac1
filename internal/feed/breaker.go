package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stock-alerter/internal/metrics"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"    // Normal operation
	BreakerOpen     BreakerState = "OPEN"      // Failing, rejecting requests
	BreakerHalfOpen BreakerState = "HALF_OPEN" // Testing if the provider recovered
)

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state to close
	SuccessThreshold int
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
}

// Breaker short-circuits calls to a price provider that keeps failing, so a
// provider outage costs one fast error per instrument instead of a timeout.
type Breaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	lastFailureTime time.Time

	totalRequests int64
	totalRejected int64
}

// NewBreaker creates a new circuit breaker.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  BreakerClosed,
	}
	b.publish()
	return b
}

// Execute runs fn unless the circuit is open. Context cancellation is not
// counted as a provider failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allowRequest(); err != nil {
		return err
	}

	err := fn()
	switch {
	case err == nil:
		b.recordSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
	default:
		b.recordFailure()
	}
	return err
}

func (b *Breaker) allowRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailureTime) >= b.config.Timeout {
			b.transitionTo(BreakerHalfOpen)
			return nil
		}
		b.totalRejected++
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(BreakerClosed)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		// Any failure in half-open goes back to open
		b.transitionTo(BreakerOpen)
	}
}

func (b *Breaker) transitionTo(state BreakerState) {
	b.state = state
	b.failures = 0
	b.successes = 0
	b.publish()
}

func (b *Breaker) publish() {
	var v float64
	switch b.state {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(v)
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejected returns how many calls were refused while open.
func (b *Breaker) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalRejected
}

// Reset resets the circuit breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(BreakerClosed)
}

type breakerSource struct {
	Source
	breaker *Breaker
}

// WithBreaker wraps src so its quotes go through b.
func WithBreaker(src Source, b *Breaker) Source {
	return &breakerSource{Source: src, breaker: b}
}

func (s *breakerSource) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := s.breaker.Execute(ctx, func() error {
		var err error
		price, err = s.Source.Quote(ctx, ticker)
		return err
	})
	return price, err
}

// BreakerOf returns the breaker guarding src, or nil when src has none.
func BreakerOf(src Source) *Breaker {
	if bs, ok := src.(*breakerSource); ok {
		return bs.breaker
	}
	return nil
}
