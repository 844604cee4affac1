package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-alerter/internal/feed"
)

func fixed(status Status) Check {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: status}
	}
}

func TestCheckAggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", map[string]Check{"a": fixed(StatusHealthy), "b": fixed(StatusHealthy)}, StatusHealthy},
		{"unknown ignored", map[string]Check{"a": fixed(StatusHealthy), "b": fixed(StatusUnknown)}, StatusHealthy},
		{"degraded", map[string]Check{"a": fixed(StatusDegraded), "b": fixed(StatusHealthy)}, StatusDegraded},
		{"unhealthy wins", map[string]Check{"a": fixed(StatusDegraded), "b": fixed(StatusUnhealthy)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(time.Second)
			for name, c := range tt.checks {
				m.Register(name, c)
			}
			h := m.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Components, len(tt.checks))
		})
	}
}

func TestCheckNamesAndSortsComponents(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Register("store", fixed(StatusHealthy))
	m.Register("breaker", fixed(StatusHealthy))

	h := m.Check(context.Background())
	require.Len(t, h.Components, 2)
	assert.Equal(t, "breaker", h.Components[0].Name)
	assert.Equal(t, "store", h.Components[1].Name)
	assert.False(t, h.Components[0].LastCheck.IsZero())
}

func TestCheckRecoversPanics(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Register("bad", func(ctx context.Context) ComponentHealth {
		panic("boom")
	})

	h := m.Check(context.Background())
	require.Len(t, h.Components, 1)
	assert.Equal(t, StatusUnhealthy, h.Components[0].Status)
	assert.Contains(t, h.Components[0].Message, "boom")
	assert.Equal(t, "bad", h.Components[0].Name)
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Register("feed", fixed(StatusDegraded))

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDegraded, body.Status)

	m.Register("store", fixed(StatusUnhealthy))
	rec = httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(ctx context.Context) error { return nil }, time.Minute)(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	failed := DatabaseCheck(func(ctx context.Context) error { return errors.New("locked") }, time.Minute)(context.Background())
	assert.Equal(t, StatusUnhealthy, failed.Status)
	assert.Contains(t, failed.Message, "locked")

	slow := DatabaseCheck(func(ctx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}, time.Nanosecond)(context.Background())
	assert.Equal(t, StatusDegraded, slow.Status)
}

func TestFeedCheck(t *testing.T) {
	last := func(at time.Time, r feed.TickReport) func() (time.Time, feed.TickReport) {
		return func() (time.Time, feed.TickReport) { return at, r }
	}
	ctx := context.Background()

	none := FeedCheck(last(time.Time{}, feed.TickReport{}), time.Minute)(ctx)
	assert.Equal(t, StatusUnknown, none.Status)

	fresh := FeedCheck(last(time.Now(), feed.TickReport{Instruments: 3, Fetched: 2, Failed: 1}), time.Minute)(ctx)
	assert.Equal(t, StatusHealthy, fresh.Status)
	assert.Equal(t, 2, fresh.Details["fetched"])

	stale := FeedCheck(last(time.Now().Add(-time.Hour), feed.TickReport{Instruments: 1, Fetched: 1}), time.Minute)(ctx)
	assert.Equal(t, StatusDegraded, stale.Status)

	allFailed := FeedCheck(last(time.Now(), feed.TickReport{Instruments: 2, Failed: 2}), time.Minute)(ctx)
	assert.Equal(t, StatusUnhealthy, allFailed.Status)

	empty := FeedCheck(last(time.Now(), feed.TickReport{}), time.Minute)(ctx)
	assert.Equal(t, StatusHealthy, empty.Status)
}

func TestBreakerCheck(t *testing.T) {
	b := feed.NewBreaker("health-test", feed.BreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	check := BreakerCheck(b)
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, check(ctx).Status)

	_ = b.Execute(ctx, func() error { return errors.New("provider down") })
	h := check(ctx)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, feed.BreakerOpen, h.Details["state"])

	b.Reset()
	assert.Equal(t, StatusHealthy, check(ctx).Status)
}
