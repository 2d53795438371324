package strategy

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, 30*time.Second)
	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("breaker closed after %d failures", i)
		}
		b.Failure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	b.Allow()
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, 30*time.Second)
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed after interleaved success", b.State())
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(1, 30*time.Second)
	b.SetNowFunc(func() time.Time { return now })
	b.Failure()
	if b.Allow() {
		t.Fatal("open breaker admitted a call before the open interval")
	}

	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker refused the half-open probe")
	}
	if b.Allow() {
		t.Fatal("breaker admitted a second concurrent probe")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(1, 30*time.Second)
	b.SetNowFunc(func() time.Time { return now })
	b.Failure()
	now = now.Add(time.Minute)
	if !b.Allow() {
		t.Fatal("probe refused")
	}
	b.Success()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed after probe success", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker refused a call")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(1, 30*time.Second)
	b.SetNowFunc(func() time.Time { return now })
	b.Failure()
	now = now.Add(time.Minute)
	if !b.Allow() {
		t.Fatal("probe refused")
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open after probe failure", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened breaker admitted a call inside the open interval")
	}
	// The open interval restarts from the failed probe.
	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker refused probe after second open interval")
	}
}
