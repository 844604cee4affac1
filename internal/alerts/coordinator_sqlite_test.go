package alerts

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stock-alerter/internal/models"
	"stock-alerter/internal/store"
)

func newSQLiteFixture(t *testing.T) (*store.SQLiteStore, models.Instrument, models.User) {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	inst := models.Instrument{Ticker: "TSLA", Name: "Tesla"}
	if err := s.CreateInstrument(ctx, &inst); err != nil {
		t.Fatal(err)
	}
	user := models.User{Username: "bob", Email: "bob@example.com", Active: true}
	if err := s.CreateUser(ctx, &user); err != nil {
		t.Fatal(err)
	}
	return s, inst, user
}

func TestSQLiteEvaluatePassDurationScenario(t *testing.T) {
	s, inst, user := newSQLiteFixture(t)
	ctx := context.Background()

	alert := models.Alert{
		UserID:          user.ID,
		InstrumentID:    inst.ID,
		Kind:            models.AlertKindDuration,
		Comparator:      models.ComparatorGreaterThan,
		Threshold:       decimal.NewNullDecimal(decimal.NewFromInt(50)),
		DurationMinutes: intPtr(2),
		Active:          true,
	}
	if err := s.CreateAlert(ctx, &alert); err != nil {
		t.Fatal(err)
	}

	clock := &fakeClock{now: t0}
	c := NewCoordinator(s, s, nil, zerolog.Nop(), WithClock(clock.Now))

	record := func(price string, at time.Time) {
		obs := models.Observation{InstrumentID: inst.ID, Price: decimal.RequireFromString(price), Timestamp: at}
		if err := s.RecordObservation(ctx, &obs); err != nil {
			t.Fatal(err)
		}
	}

	record("60", t0)
	if _, err := c.EvaluatePass(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	stored, err := s.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Window.Open || stored.Window.OpenedAt == nil || !stored.Window.OpenedAt.Equal(t0) {
		t.Fatalf("window after open = %+v", stored.Window)
	}

	clock.Set(t0.Add(3 * time.Minute))
	record("61", t0.Add(3*time.Minute))
	result, err := c.EvaluatePass(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Fired) != 1 {
		t.Fatalf("result = %+v, want one trigger", result)
	}

	triggers, err := s.ListTriggers(ctx, alert.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 1 || triggers[0].ID != result.Fired[0].ID {
		t.Errorf("triggers = %+v", triggers)
	}
	if !triggers[0].Price.Equal(decimal.NewFromInt(61)) {
		t.Errorf("trigger price = %s, want 61", triggers[0].Price)
	}

	stored, err = s.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Window.Open || stored.Window.OpenedAt != nil {
		t.Errorf("window = %+v, want closed", stored.Window)
	}
	if stored.LastTriggeredAt == nil || !stored.LastTriggeredAt.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("LastTriggeredAt = %v", stored.LastTriggeredAt)
	}
}

// Separate coordinators share no in-process lock, so serialization here comes
// from the store's immediate transactions alone.
func TestSQLiteConcurrentCoordinatorsFireOnce(t *testing.T) {
	s, inst, user := newSQLiteFixture(t)
	ctx := context.Background()

	alert := models.Alert{
		UserID:          user.ID,
		InstrumentID:    inst.ID,
		Kind:            models.AlertKindDuration,
		Comparator:      models.ComparatorGreaterThan,
		Threshold:       decimal.NewNullDecimal(decimal.NewFromInt(50)),
		DurationMinutes: intPtr(1),
		Active:          true,
	}
	if err := s.CreateAlert(ctx, &alert); err != nil {
		t.Fatal(err)
	}

	obs := models.Observation{InstrumentID: inst.ID, Price: decimal.NewFromInt(60), Timestamp: t0.Add(-10 * time.Minute)}
	if err := s.RecordObservation(ctx, &obs); err != nil {
		t.Fatal(err)
	}

	// Open the window ten minutes ago.
	opener := NewCoordinator(s, s, nil, zerolog.Nop(), WithClock(func() time.Time { return t0.Add(-10 * time.Minute) }))
	if _, err := opener.EvaluatePass(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	const workers = 6
	var fired int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewCoordinator(s, s, nil, zerolog.Nop(), WithClock(func() time.Time { return t0 }))
			result, err := c.EvaluatePass(ctx, inst.ID)
			if err != nil {
				t.Error(err)
				return
			}
			atomic.AddInt64(&fired, int64(len(result.Fired)))
		}()
	}
	wg.Wait()

	if fired != 1 {
		t.Errorf("fired %d times across concurrent passes, want 1", fired)
	}
	triggers, err := s.ListTriggers(ctx, alert.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 1 {
		t.Errorf("stored %d triggers, want 1", len(triggers))
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s store.DataStore)) {
	stores := map[string]func(t *testing.T) store.DataStore{
		"memory": func(t *testing.T) store.DataStore { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.DataStore {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "alerts.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func TestEvaluatePassIgnoresInactiveAlerts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.DataStore) {
		ctx := context.Background()

		inst := models.Instrument{Ticker: "AAPL"}
		if err := s.CreateInstrument(ctx, &inst); err != nil {
			t.Fatal(err)
		}
		user := models.User{Username: "ann", Email: "ann@example.com", Active: true}
		if err := s.CreateUser(ctx, &user); err != nil {
			t.Fatal(err)
		}

		newAlert := func(kind models.AlertKind, minutes *int, active bool) models.Alert {
			a := models.Alert{
				UserID:          user.ID,
				InstrumentID:    inst.ID,
				Kind:            kind,
				Comparator:      models.ComparatorGreaterThan,
				Threshold:       decimal.NewNullDecimal(decimal.NewFromInt(100)),
				DurationMinutes: minutes,
				Active:          active,
			}
			if err := s.CreateAlert(ctx, &a); err != nil {
				t.Fatalf("CreateAlert: %v", err)
			}
			return a
		}
		active := newAlert(models.AlertKindThreshold, nil, true)
		inactiveThreshold := newAlert(models.AlertKindThreshold, nil, false)
		inactiveDuration := newAlert(models.AlertKindDuration, intPtr(1), false)

		obs := models.Observation{InstrumentID: inst.ID, Price: decimal.RequireFromString("150"), Timestamp: t0}
		if err := s.RecordObservation(ctx, &obs); err != nil {
			t.Fatal(err)
		}

		d := &recordingDispatcher{}
		clock := &fakeClock{now: t0}
		c := NewCoordinator(s, s, d, zerolog.Nop(), WithClock(clock.Now))

		for pass := 0; pass < 2; pass++ {
			clock.Set(t0.Add(time.Duration(pass) * 2 * time.Minute))
			result, err := c.EvaluatePass(ctx, inst.ID)
			if err != nil {
				t.Fatalf("EvaluatePass: %v", err)
			}
			if result.Evaluated != 1 || len(result.Fired) != 1 || result.Opened != 0 {
				t.Fatalf("pass %d: result = %+v", pass, result)
			}
			if result.Fired[0].AlertID != active.ID {
				t.Fatalf("pass %d: fired %s, want %s", pass, result.Fired[0].AlertID, active.ID)
			}
		}

		for _, call := range d.Calls() {
			if call.AlertID != active.ID {
				t.Errorf("dispatched inactive alert %s", call.AlertID)
			}
		}

		for _, id := range []string{inactiveThreshold.ID, inactiveDuration.ID} {
			got, err := s.GetAlert(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if got.Active {
				t.Errorf("alert %s became active", id)
			}
			if got.Window.Open || got.Window.OpenedAt != nil || got.Window.LastObservedPrice.Valid {
				t.Errorf("alert %s window changed: %+v", id, got.Window)
			}
			if got.LastTriggeredAt != nil {
				t.Errorf("alert %s has LastTriggeredAt %v", id, got.LastTriggeredAt)
			}
			triggers, err := s.ListTriggers(ctx, id, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(triggers) != 0 {
				t.Errorf("alert %s has %d triggers", id, len(triggers))
			}
		}
	})
}
