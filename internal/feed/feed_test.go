package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"go.uber.org/goleak"

	"stock-alerter/internal/alerts"
	"stock-alerter/internal/config"
	apperrors "stock-alerter/internal/errors"
	"stock-alerter/internal/models"
	"stock-alerter/internal/store"
)

type stubSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	p, ok := s.prices[ticker]
	if !ok {
		return decimal.Zero, apperrors.ErrNoQuote
	}
	return p, nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type pollFixture struct {
	store      *store.MemoryStore
	source     *stubSource
	dispatched atomic.Int32
	poller     *Poller
	aapl       models.Instrument
	msft       models.Instrument
}

func newPollFixture(t *testing.T) *pollFixture {
	t.Helper()
	ctx := context.Background()

	f := &pollFixture{
		store: store.NewMemoryStore(),
		source: &stubSource{prices: map[string]decimal.Decimal{
			"AAPL": decimal.RequireFromString("150.25"),
		}},
		aapl: models.Instrument{Ticker: "AAPL", Name: "Apple"},
		msft: models.Instrument{Ticker: "MSFT", Name: "Microsoft"},
	}
	require.NoError(t, f.store.CreateInstrument(ctx, &f.aapl))
	require.NoError(t, f.store.CreateInstrument(ctx, &f.msft))

	user := models.User{Username: "ann", Email: "ann@example.com", Active: true}
	require.NoError(t, f.store.CreateUser(ctx, &user))
	require.NoError(t, f.store.CreateAlert(ctx, &models.Alert{
		UserID:       user.ID,
		InstrumentID: f.aapl.ID,
		Kind:         models.AlertKindThreshold,
		Comparator:   models.ComparatorGreaterThan,
		Threshold:    decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Active:       true,
	}))

	dispatcher := alerts.DispatcherFunc(func(ctx context.Context, alert models.Alert, message string, price decimal.Decimal) bool {
		f.dispatched.Add(1)
		return true
	})
	coord := alerts.NewCoordinator(f.store, f.store, dispatcher, zerolog.Nop())
	f.poller = NewPoller(f.store, f.source, coord, 2, zerolog.Nop())
	return f
}

func TestPollerTick(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()

	report, err := f.poller.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Instruments)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Fired)
	assert.Zero(t, report.EvalErrors)
	assert.Equal(t, int32(1), f.dispatched.Load())

	latest, err := f.store.Latest(ctx, f.aapl.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Price.Equal(decimal.RequireFromString("150.25")))

	none, err := f.store.Latest(ctx, f.msft.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPollerTickRepeatFires(t *testing.T) {
	f := newPollFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.poller.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), f.dispatched.Load())
}

type failingInstruments struct {
	*store.MemoryStore
}

func (failingInstruments) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	return nil, apperrors.ErrDatabaseError
}

type reportedError struct {
	err     error
	context string
}

type recordingReporter struct {
	mu       sync.Mutex
	reported []reportedError
}

func (r *recordingReporter) SendError(ctx context.Context, err error, errContext string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, reportedError{err: err, context: errContext})
	return nil
}

func (r *recordingReporter) all() []reportedError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportedError(nil), r.reported...)
}

type evaluatorFunc func(ctx context.Context, instrumentID string) (*alerts.EvaluationResult, error)

func (f evaluatorFunc) EvaluatePass(ctx context.Context, instrumentID string) (*alerts.EvaluationResult, error) {
	return f(ctx, instrumentID)
}

func TestPollerTickListFailure(t *testing.T) {
	f := newPollFixture(t)
	p := NewPoller(failingInstruments{f.store}, f.source, nil, 1, zerolog.Nop())
	reporter := &recordingReporter{}
	p.ReportErrors(reporter)

	_, err := p.Tick(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrDatabaseError)

	got := reporter.all()
	require.Len(t, got, 1)
	assert.Equal(t, "feed tick", got[0].context)
	assert.ErrorIs(t, got[0].err, apperrors.ErrDatabaseError)
}

func TestPollerReportsEvaluationFailure(t *testing.T) {
	f := newPollFixture(t)
	failing := evaluatorFunc(func(ctx context.Context, instrumentID string) (*alerts.EvaluationResult, error) {
		return nil, apperrors.NewCollaboratorError("store", "latest", apperrors.ErrDatabaseError)
	})
	p := NewPoller(f.store, f.source, failing, 2, zerolog.Nop())
	reporter := &recordingReporter{}
	p.ReportErrors(reporter)

	report, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.EvalErrors)

	got := reporter.all()
	require.Len(t, got, 1)
	assert.Equal(t, "evaluating AAPL", got[0].context)
	var collab *apperrors.CollaboratorError
	assert.ErrorAs(t, got[0].err, &collab)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newPollFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.poller.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return f.source.callCount() >= 4 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPollerRunRejectsBadInterval(t *testing.T) {
	f := newPollFixture(t)
	assert.Error(t, f.poller.Run(context.Background(), 0))
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewWorkerPool(3)
	pool.Start()

	var (
		active, peak atomic.Int32
		wg           sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.True(t, pool.Submit(context.Background(), func() {
			defer wg.Done()
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}))
	}
	wg.Wait()
	pool.Stop()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	stats := pool.Stats()
	assert.Equal(t, uint64(20), stats.TasksDone)
	assert.False(t, pool.Submit(context.Background(), func() {}))
}

func TestBreakerTransitions(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 15, 0, 0, time.UTC)
	b := NewBreaker("test-transitions", BreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Minute})
	b.now = func() time.Time { return now }

	ctx := context.Background()
	boom := errors.New("boom")
	fail := func() error { return boom }
	ok := func() error { return nil }

	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, BreakerClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, BreakerOpen, b.State())

	called := false
	assert.ErrorIs(t, b.Execute(ctx, func() error { called = true; return nil }), ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, int64(1), b.Rejected())

	now = now.Add(time.Minute)
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, BreakerHalfOpen, b.State())

	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(time.Minute)
	require.NoError(t, b.Execute(ctx, ok))
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreaker("test-cancel", BreakerConfig{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func() error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestWithBreakerWrapsSource(t *testing.T) {
	src := &stubSource{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(10)}}
	wrapped := WithBreaker(src, NewBreaker("test-wrap", BreakerConfig{FailureThreshold: 1, Timeout: time.Hour}))

	assert.Equal(t, "stub", wrapped.Name())
	p, err := wrapped.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(10)))

	_, err = wrapped.Quote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, apperrors.ErrNoQuote)
	_, err = wrapped.Quote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, src.callCount())
}

func TestFMPSourceQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v3/quote-short/AAPL":
			io.WriteString(w, `[{"symbol":"AAPL","price":189.84,"volume":52000000}]`)
		case "/api/v3/quote-short/EMPTY":
			io.WriteString(w, `[]`)
		case "/api/v3/quote-short/BUSY":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	src := NewFMPSource(FMPConfig{BaseURL: srv.URL + "/", APIKey: "secret", RateLimit: 100, Burst: 5})
	ctx := context.Background()

	price, err := src.Quote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "189.84", price.String())

	_, err = src.Quote(ctx, "EMPTY")
	assert.ErrorIs(t, err, apperrors.ErrNoQuote)

	_, err = src.Quote(ctx, "BUSY")
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)

	_, err = src.Quote(ctx, "BROKEN")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestFMPSourceHonoursCancelledContext(t *testing.T) {
	src := NewFMPSource(FMPConfig{BaseURL: "http://127.0.0.1:1", RateLimit: 1, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Quote(ctx, "AAPL")
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

type fakeLTP struct {
	quotes kiteconnect.QuoteLTP
	err    error
	asked  []string
}

func (f *fakeLTP) GetLTP(instruments ...string) (kiteconnect.QuoteLTP, error) {
	f.asked = append(f.asked, instruments...)
	return f.quotes, f.err
}

func TestKiteSourceQuote(t *testing.T) {
	client := &fakeLTP{quotes: kiteconnect.QuoteLTP{
		"NSE:INFY": {InstrumentToken: 408065, LastPrice: 1523.45},
	}}
	src := newKiteSource(client, "")
	ctx := context.Background()

	price, err := src.Quote(ctx, "infy")
	require.NoError(t, err)
	assert.Equal(t, "1523.45", price.String())
	assert.Equal(t, []string{"NSE:INFY"}, client.asked)

	_, err = src.Quote(ctx, "TCS")
	assert.ErrorIs(t, err, apperrors.ErrNoQuote)

	client.err = errors.New("token expired")
	_, err = src.Quote(ctx, "INFY")
	assert.ErrorContains(t, err, "token expired")
}

func TestMockSourceRange(t *testing.T) {
	src := NewMockSource(42)
	lo, hi := decimal.NewFromInt(10), decimal.NewFromInt(1000)

	for i := 0; i < 1000; i++ {
		p, err := src.Quote(context.Background(), "ANY")
		require.NoError(t, err)
		assert.True(t, p.GreaterThanOrEqual(lo), "price %s below range", p)
		assert.True(t, p.LessThan(hi), "price %s above range", p)
		assert.GreaterOrEqual(t, p.Exponent(), int32(-2))
	}
}

func TestNewSourceFallsBackToMock(t *testing.T) {
	cfg := config.Default()
	cfg.Feed.Source = "fmp"
	assert.Equal(t, "mock", NewSource(cfg, zerolog.Nop()).Name())

	cfg.Credentials.FMP.APIKey = "key"
	assert.Equal(t, "fmp", NewSource(cfg, zerolog.Nop()).Name())
}
