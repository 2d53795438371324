package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"yieldrails/accrual"
	"yieldrails/core/events"
	"yieldrails/core/types"
)

// snapshotAge returns the age of the cached strategy snapshot, if one exists.
func (e *Engine) snapshotAge(strategyID string) (time.Duration, bool) {
	snap, ok := e.strategies.Cache().Get(strategyID)
	if !ok {
		return 0, false
	}
	return snap.Age(e.now().UTC()), true
}

// recordYieldSnapshot reads the live APY, folds the accrual delta since the
// last snapshot into the cumulative total, and appends the snapshot event.
// The segment that just ended is priced at the APY pinned by the previous
// snapshot, which is what makes accrual piecewise constant. The caller must
// hold the payment lock.
func (e *Engine) recordYieldSnapshot(ctx context.Context, p *types.Payment) (*types.Payment, error) {
	client, err := e.strategies.Get(p.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	apyBps, stale, err := client.CurrentAPY(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	now := e.now().UTC()
	total := new(big.Int)
	if p.AccruedYield != nil {
		total.Set(p.AccruedYield)
	}
	if p.Status == types.PaymentActive && !p.AccruedAsOf.IsZero() {
		total.Add(total, accrual.Accrue(p.Principal, p.LastAPYBps, now.Sub(p.AccruedAsOf)))
	}
	if age, ok := e.snapshotAge(p.StrategyID); ok && age > e.settings.StaleAfter {
		stale = true
	}
	return e.appendEvent(ctx, p, p.ID, events.KindYieldSnapshot, events.YieldSnapshot{
		APYBps:  apyBps,
		Accrued: total.String(),
		AsOf:    now,
		Stale:   stale,
	})
}

// runSnapshotLoop periodically folds accrual deltas into the ledger for every
// active payment.
func (e *Engine) runSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(e.settings.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.snapshotActivePayments(ctx)
		}
	}
}

func (e *Engine) snapshotActivePayments(ctx context.Context) {
	for _, id := range e.paymentIDsByStatus(types.PaymentActive) {
		unlock := e.locks.acquire(id)
		p, ok := e.projection(id)
		if !ok || p.Status != types.PaymentActive {
			unlock()
			continue
		}
		// Beyond the hard stale limit accrual pauses instead of compounding
		// on stale data.
		if age, ok := e.snapshotAge(p.StrategyID); ok && age > e.settings.MaxStaleInterval {
			e.logger.Warn("accrual paused, strategy data exceeds stale limit",
				"payment", id, "strategy", p.StrategyID, "age", age)
			unlock()
			continue
		}
		if _, err := e.recordYieldSnapshot(ctx, p); err != nil {
			e.logger.Warn("yield snapshot failed", "payment", id, "error", err)
		}
		unlock()
	}
}

// snapshotOnRateChange folds the accrual segment that ended when a
// strategy's advertised APY moved. Every active payment on the strategy gets
// an immediate snapshot; the segment just ended is still priced at the
// previous pinned rate.
func (e *Engine) snapshotOnRateChange(ctx context.Context, strategyID string, apyBps int64) {
	for _, id := range e.paymentIDsByStatus(types.PaymentActive) {
		unlock := e.locks.acquire(id)
		p, ok := e.projection(id)
		if !ok || p.Status != types.PaymentActive || p.StrategyID != strategyID || p.LastAPYBps == apyBps {
			unlock()
			continue
		}
		if _, err := e.recordYieldSnapshot(ctx, p); err != nil {
			e.logger.Warn("rate-change yield snapshot failed", "payment", id, "error", err)
		}
		unlock()
	}
}

// paymentIDsByStatus lists payment identifiers currently in the given state.
func (e *Engine) paymentIDsByStatus(status types.PaymentStatus) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for id, p := range e.projections {
		if p.Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}
