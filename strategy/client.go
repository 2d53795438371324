package strategy

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"yieldrails/observability"
)

// Client fronts a single adapter with the circuit breaker and retry layers.
// All engine code reaches strategies through a Client, never the raw
// Adapter.
type Client struct {
	id      string
	adapter Adapter
	breaker *Breaker
	retry   RetrySchedule
	cache   *SnapshotCache
	metrics *observability.StrategyMetrics
	now     func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithRetrySchedule overrides the default retry schedule.
func WithRetrySchedule(s RetrySchedule) ClientOption {
	return func(c *Client) { c.retry = s }
}

// WithBreaker installs a pre-configured breaker.
func WithBreaker(b *Breaker) ClientOption {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient wraps the adapter for the given strategy identifier. The cache
// is shared across clients and must not be nil.
func NewClient(id string, adapter Adapter, cache *SnapshotCache, opts ...ClientOption) *Client {
	c := &Client{
		id:      id,
		adapter: adapter,
		breaker: NewBreaker(5, 30*time.Second),
		retry:   DefaultRetrySchedule,
		cache:   cache,
		metrics: observability.Strategy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the strategy identifier the client serves.
func (c *Client) ID() string { return c.id }

// BreakerState exposes the current circuit state for the health query
// surface.
func (c *Client) BreakerState() BreakerState { return c.breaker.State() }

// call funnels an adapter invocation through the breaker and retry layers.
// A retry attempt that finds the breaker open fails fast without touching
// the upstream.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		if !c.breaker.Allow() {
			return Permanent(fmt.Errorf("%w: circuit open for %s", ErrUnavailable, c.id))
		}
		start := c.now()
		callErr := fn(ctx)
		c.metrics.ObserveCall(c.id, op, callErr, c.now().Sub(start))
		if callErr != nil {
			c.breaker.Failure()
			if IsTransient(callErr) {
				c.metrics.RecordError(c.id, "transient")
			} else {
				c.metrics.RecordError(c.id, "permanent")
			}
			return callErr
		}
		c.breaker.Success()
		return nil
	})
	c.metrics.SetBreakerState(c.id, int(c.breaker.State()))
	return err
}

// Allocate opens a strategy position for the payment principal. opID is the
// deterministic idempotency tag; repeating a call with the same opID returns
// the existing position.
func (c *Client) Allocate(ctx context.Context, opID, paymentID string, amount *big.Int) (string, error) {
	var ref string
	err := c.call(ctx, "allocate", func(ctx context.Context) error {
		out, err := c.adapter.Allocate(ctx, opID, paymentID, amount)
		if err != nil {
			return err
		}
		ref = out
		return nil
	})
	return ref, err
}

// Withdraw unwinds amount from the strategy position.
func (c *Client) Withdraw(ctx context.Context, opID, positionRef string, amount *big.Int) (Settlement, error) {
	var settlement Settlement
	err := c.call(ctx, "withdraw", func(ctx context.Context) error {
		out, err := c.adapter.Withdraw(ctx, opID, positionRef, amount)
		if err != nil {
			return err
		}
		settlement = out
		return nil
	})
	return settlement, err
}

// CurrentAPY reads the live APY, refreshing the shared snapshot cache on
// success. While the adapter is unavailable the last cached value is
// served instead; the returned stale flag tells accrual to mark its
// snapshot accordingly.
func (c *Client) CurrentAPY(ctx context.Context) (apyBps int64, stale bool, err error) {
	callErr := c.call(ctx, "current_apy", func(ctx context.Context) error {
		out, err := c.adapter.CurrentAPY(ctx)
		if err != nil {
			return err
		}
		apyBps = out
		return nil
	})
	if callErr == nil {
		c.cache.Put(Snapshot{
			StrategyID: c.id,
			APYBps:     apyBps,
			ObservedAt: c.now().UTC(),
			Healthy:    true,
		})
		return apyBps, false, nil
	}
	if snap, ok := c.cache.Get(c.id); ok {
		c.metrics.RecordStaleRead(c.id)
		return snap.APYBps, true, nil
	}
	return 0, false, callErr
}

// Probe checks upstream health directly, bypassing the retry layer so a
// slow endpoint cannot stall the prober. The breaker still observes the
// outcome, which is how a half-open probe closes the circuit.
func (c *Client) Probe(ctx context.Context) Snapshot {
	now := c.now().UTC()
	if !c.breaker.Allow() {
		c.cache.MarkUnhealthy(c.id)
		snap, _ := c.cache.Get(c.id)
		snap.StrategyID = c.id
		return snap
	}
	start := c.now()
	healthy, latency, err := c.adapter.Health(ctx)
	c.metrics.ObserveCall(c.id, "health", err, c.now().Sub(start))
	if err != nil || !healthy {
		c.breaker.Failure()
		c.cache.MarkUnhealthy(c.id)
		c.metrics.SetBreakerState(c.id, int(c.breaker.State()))
		snap, _ := c.cache.Get(c.id)
		snap.StrategyID = c.id
		snap.Latency = latency
		return snap
	}
	c.breaker.Success()
	c.metrics.SetBreakerState(c.id, int(c.breaker.State()))
	snap, ok := c.cache.Get(c.id)
	if !ok {
		snap = Snapshot{StrategyID: c.id, ObservedAt: now}
	}
	snap.Healthy = true
	snap.Latency = latency
	c.cache.Put(snap)
	return snap
}
