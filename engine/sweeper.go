package engine

import (
	"context"
	"errors"
	"time"

	"yieldrails/core/events"
	"yieldrails/core/types"
)

// sweepInterval is the cadence of the janitor loop.
const sweepInterval = time.Minute

// runSweeper periodically re-drives stalled payments and fails or refunds
// those past the abandonment horizon.
func (e *Engine) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := e.now().UTC()
	for _, p := range e.snapshotProjections() {
		if p.Status.Terminal() {
			continue
		}
		age := now.Sub(p.CreatedAt)
		id := p.ID
		switch p.Status {
		case types.PaymentPending:
			if age > e.settings.AbandonmentHorizon {
				e.spawn(func(ctx context.Context) { e.failAbandoned(ctx, id) })
			}
		case types.PaymentActive, types.PaymentBridging:
			if age > e.settings.AbandonmentHorizon {
				e.spawn(func(ctx context.Context) {
					e.driveRefund(ctx, id, "abandonment horizon elapsed")
				})
			}
		case types.PaymentReleasing, types.PaymentReleased:
			if e.paused.Load() {
				continue
			}
			e.spawn(func(ctx context.Context) {
				if err := e.driveSettlement(ctx, id); err != nil &&
					!errors.Is(err, ErrAdapterUnavailable) &&
					!errors.Is(err, ErrSettlementUnconfirmed) &&
					!errors.Is(err, context.Canceled) {
					e.logger.Warn("settlement re-drive failed", "payment", id, "error", err)
				}
			})
		case types.PaymentFailing:
			reason := p.FailureReason
			e.spawn(func(ctx context.Context) { e.driveRefund(ctx, id, reason) })
		}
	}
}

// failAbandoned terminates a payment that never reached escrow.
func (e *Engine) failAbandoned(ctx context.Context, paymentID string) {
	unlock := e.locks.acquire(paymentID)
	defer unlock()
	p, ok := e.projection(paymentID)
	if !ok || p.Status != types.PaymentPending {
		return
	}
	if _, err := e.appendEvent(ctx, p, paymentID, events.KindFailed, events.Failed{
		Reason: "abandoned before escrow deposit",
	}); err != nil {
		e.logger.Error("failed to record abandonment", "payment", paymentID, "error", err)
	}
}

// snapshotProjections returns clones of every projection for lock-free
// iteration.
func (e *Engine) snapshotProjections() []*types.Payment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.Payment, 0, len(e.projections))
	for _, p := range e.projections {
		out = append(out, p.Clone())
	}
	return out
}
