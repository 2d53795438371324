package strategy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryDoStopsOnPermanent(t *testing.T) {
	schedule := RetrySchedule{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := schedule.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(fmt.Errorf("rejected"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent error retried: %d calls", calls)
	}
}

func TestRetryDoExhaustsBudgetOnTransient(t *testing.T) {
	schedule := RetrySchedule{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := schedule.Do(context.Background(), func(context.Context) error {
		calls++
		return Transientf("flaky upstream")
	})
	if err == nil {
		t.Fatal("expected error after exhausted budget")
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want initial attempt plus 3 retries", calls)
	}
}

func TestRetryDoRecovers(t *testing.T) {
	schedule := RetrySchedule{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := schedule.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transientf("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryDoHonoursContextCancellation(t *testing.T) {
	schedule := RetrySchedule{MaxRetries: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- schedule.Do(ctx, func(context.Context) error {
			return Transientf("always failing")
		})
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDelayDoublesAndCaps(t *testing.T) {
	schedule := RetrySchedule{MaxRetries: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second}
	if d := schedule.Delay(0); d != 200*time.Millisecond {
		t.Fatalf("delay(0) = %s", d)
	}
	if d := schedule.Delay(1); d != 400*time.Millisecond {
		t.Fatalf("delay(1) = %s", d)
	}
	if d := schedule.Delay(10); d != time.Second {
		t.Fatalf("delay(10) = %s, want cap", d)
	}
}

func TestDelayJitterStaysInBand(t *testing.T) {
	schedule := RetrySchedule{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := schedule.Delay(1)
		if d < 320*time.Millisecond || d > 480*time.Millisecond {
			t.Fatalf("jittered delay %s outside [320ms, 480ms]", d)
		}
	}
}

func TestIsTransientClassification(t *testing.T) {
	if IsTransient(nil) {
		t.Fatal("nil error classified transient")
	}
	if !IsTransient(Transientf("timeout")) {
		t.Fatal("transient error not classified transient")
	}
	if IsTransient(Permanent(errors.New("rejected"))) {
		t.Fatal("permanent error classified transient")
	}
	if IsTransient(context.Canceled) {
		t.Fatal("context cancellation classified transient")
	}
	if IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Fatal("deadline expiry classified transient")
	}
	if !IsTransient(errors.New("unclassified")) {
		t.Fatal("unclassified error not treated as transient")
	}
}
