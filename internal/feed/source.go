// Package feed fetches prices from market data providers, records them as
// observations and drives an evaluation pass per instrument.
package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stock-alerter/internal/config"
)

// Source returns the current price of a ticker.
type Source interface {
	Name() string
	Quote(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// NewSource builds the configured price source wrapped in a circuit breaker.
// Sources whose credentials are missing fall back to the mock source.
func NewSource(cfg *config.Config, logger zerolog.Logger) Source {
	var src Source
	switch cfg.FeedSource() {
	case "fmp":
		src = NewFMPSource(FMPConfig{
			BaseURL:   cfg.Feed.FMPBaseURL,
			APIKey:    cfg.Credentials.FMP.APIKey,
			Timeout:   cfg.Feed.RequestTimeout,
			RateLimit: cfg.Feed.RateLimit,
			Burst:     cfg.Feed.Burst,
		})
	case "kite":
		src = NewKiteSource(cfg.Credentials.Kite.APIKey, cfg.Credentials.Kite.AccessToken, cfg.Feed.Exchange)
	default:
		src = NewMockSource(time.Now().UnixNano())
	}

	if src.Name() != cfg.Feed.Source {
		logger.Warn().
			Str("configured", cfg.Feed.Source).
			Str("using", src.Name()).
			Msg("Price source credentials missing, using fallback")
	}

	breaker := NewBreaker(src.Name(), BreakerConfig{
		FailureThreshold: cfg.Feed.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Feed.Breaker.SuccessThreshold,
		Timeout:          cfg.Feed.Breaker.Timeout,
	})
	return WithBreaker(src, breaker)
}

// MockSource produces random prices in [10, 1000) with two decimal places.
type MockSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockSource creates a MockSource with a fixed seed.
func NewMockSource(seed int64) *MockSource {
	return &MockSource{rng: rand.New(rand.NewSource(seed))}
}

func (m *MockSource) Name() string { return "mock" }

// Quote returns a random price.
func (m *MockSource) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	f := 10 + m.rng.Float64()*990
	m.mu.Unlock()

	price := decimal.NewFromFloat(f).RoundDown(2)
	if price.LessThan(decimal.NewFromInt(10)) {
		return decimal.Zero, fmt.Errorf("mock price out of range: %s", price)
	}
	return price, nil
}
