package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0.00"},
		{"12.5", "12.50"},
		{"999.999", "1,000.00"},
		{"1234567.891", "1,234,567.89"},
		{"-4321.1", "-4,321.10"},
	}
	for _, tt := range tests {
		if got := FormatPrice(decimal.RequireFromString(tt.in)); got != tt.want {
			t.Errorf("FormatPrice(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := FormatNullablePrice(decimal.NullDecimal{}); got != "n/a" {
		t.Errorf("FormatNullablePrice(null) = %q", got)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("err=%v calls=%d, want nil and 3", err, calls)
	}
}

func TestRetryHonoursShouldRetry(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, permanent) },
	}, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}, func() error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff did not observe cancellation")
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "AAPL")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if km.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", km.Len())
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	timeout, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := km.Lock(timeout, "B")
	if err != nil {
		t.Fatalf("lock on B blocked by A: %v", err)
	}
	unlockB()

	blocked, cancel2 := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel2()
	if _, err := km.Lock(blocked, "A"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second lock on A: err = %v, want deadline exceeded", err)
	}
}
