package strategy

import (
	"context"
	"math/rand"
	"time"
)

// RetrySchedule parameterises the exponential backoff applied to transient
// adapter failures: baseDelay * 2^attempt, jittered by +/- Jitter and capped
// at MaxDelay.
type RetrySchedule struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

// DefaultRetrySchedule mirrors the engine defaults (3 retries, 200ms base,
// 5s cap, 20% jitter).
var DefaultRetrySchedule = RetrySchedule{
	MaxRetries: 3,
	BaseDelay:  200 * time.Millisecond,
	MaxDelay:   5 * time.Second,
	Jitter:     0.2,
}

// Delay computes the backoff before the given retry attempt (zero-based).
func (s RetrySchedule) Delay(attempt int) time.Duration {
	base := s.BaseDelay
	if base <= 0 {
		base = DefaultRetrySchedule.BaseDelay
	}
	maxDelay := s.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultRetrySchedule.MaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base << uint(attempt)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	if s.Jitter > 0 {
		span := float64(d) * s.Jitter
		d += time.Duration(rand.Float64()*2*span - span)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Do invokes fn until it succeeds, returns a non-transient error, or the
// retry budget is exhausted. Waits are cancellable through ctx.
func (s RetrySchedule) Do(ctx context.Context, fn func(context.Context) error) error {
	budget := s.MaxRetries
	if budget < 0 {
		budget = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= budget {
			return err
		}
		timer := time.NewTimer(s.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
