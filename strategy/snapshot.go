package strategy

import (
	"sync"
	"time"
)

// Snapshot is the last observed APY and health verdict for a strategy.
type Snapshot struct {
	StrategyID string
	APYBps     int64
	ObservedAt time.Time
	Healthy    bool
	Latency    time.Duration
}

// Age returns the snapshot age at the supplied instant.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.ObservedAt.IsZero() {
		return 1<<63 - 1
	}
	return now.Sub(s.ObservedAt)
}

// SnapshotCache holds the last-known APY per strategy. It is the shared
// degraded-read source while an adapter is unavailable: the health loop and
// successful APY reads write it, accrual reads it. Reads never block
// writers beyond the map access itself.
type SnapshotCache struct {
	mu   sync.RWMutex
	byID map[string]Snapshot
	subs []func(strategyID string, apyBps int64)
}

// NewSnapshotCache constructs an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{byID: make(map[string]Snapshot)}
}

// OnAPYChange registers fn to run whenever a stored snapshot moves a
// strategy's APY away from its previously cached value. The first
// observation for a strategy is not a change. Callbacks run outside the
// cache lock and must not block.
func (c *SnapshotCache) OnAPYChange(fn func(strategyID string, apyBps int64)) {
	if c == nil || fn == nil {
		return
	}
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// Put stores the latest snapshot for a strategy and notifies APY-change
// subscribers when the rate moved.
func (c *SnapshotCache) Put(snap Snapshot) {
	if c == nil || snap.StrategyID == "" {
		return
	}
	c.mu.Lock()
	prev, had := c.byID[snap.StrategyID]
	c.byID[snap.StrategyID] = snap
	var notify []func(string, int64)
	if had && prev.APYBps != snap.APYBps {
		notify = append(notify, c.subs...)
	}
	c.mu.Unlock()
	for _, fn := range notify {
		fn(snap.StrategyID, snap.APYBps)
	}
}

// MarkUnhealthy flips the health verdict without disturbing the cached APY,
// so degraded reads keep returning the last good value.
func (c *SnapshotCache) MarkUnhealthy(strategyID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if snap, ok := c.byID[strategyID]; ok {
		snap.Healthy = false
		c.byID[strategyID] = snap
	}
	c.mu.Unlock()
}

// Get returns the cached snapshot for a strategy.
func (c *SnapshotCache) Get(strategyID string) (Snapshot, bool) {
	if c == nil {
		return Snapshot{}, false
	}
	c.mu.RLock()
	snap, ok := c.byID[strategyID]
	c.mu.RUnlock()
	return snap, ok
}
