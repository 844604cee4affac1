package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"stock-alerter/internal/models"
)

// Property: for any sequence of observations recorded in arbitrary order,
// Latest returns the one with the greatest timestamp, and its price comes
// back from SQLite with no loss of precision.
func TestProperty_LatestObservationRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "property.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	run := 0

	properties.Property("Latest returns the newest observation with its exact price", prop.ForAll(
		func(offsets []int, units []int64, exp int) bool {
			if len(offsets) == 0 || len(units) == 0 {
				return true
			}
			ctx := context.Background()
			run++

			inst := models.Instrument{Ticker: fmt.Sprintf("PROP%d", run)}
			if err := store.CreateInstrument(ctx, &inst); err != nil {
				t.Logf("Failed to create instrument: %v", err)
				return false
			}

			// Distinct offsets so "newest" is unambiguous.
			seen := make(map[int]bool)
			var (
				newest   time.Time
				expected decimal.Decimal
			)
			for i, off := range offsets {
				if seen[off] {
					continue
				}
				seen[off] = true

				price := decimal.New(units[i%len(units)], int32(-exp))
				ts := base.Add(time.Duration(off) * time.Second)
				obs := &models.Observation{InstrumentID: inst.ID, Price: price, Timestamp: ts}
				if err := store.RecordObservation(ctx, obs); err != nil {
					t.Logf("Failed to record observation: %v", err)
					return false
				}
				if ts.After(newest) {
					newest = ts
					expected = price
				}
			}

			got, err := store.Latest(ctx, inst.ID)
			if err != nil {
				t.Logf("Failed to get latest: %v", err)
				return false
			}
			if got == nil {
				t.Logf("No observation for %s", inst.Ticker)
				return false
			}
			if !got.Price.Equal(expected) || !got.Timestamp.Equal(newest) {
				t.Logf("Latest mismatch: want %s@%s, got %s@%s", expected, newest, got.Price, got.Timestamp)
				return false
			}
			return true
		},
		gen.SliceOfN(10, gen.IntRange(0, 86400)),
		gen.SliceOfN(10, gen.Int64Range(1, 500000000)),
		gen.IntRange(0, 6),
	))

	properties.Property("Instruments without observations have no latest price", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			run++

			inst := models.Instrument{Ticker: fmt.Sprintf("EMPTY%d-%d", run, n)}
			if err := store.CreateInstrument(ctx, &inst); err != nil {
				return false
			}
			got, err := store.Latest(ctx, inst.ID)
			return err == nil && got == nil
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
