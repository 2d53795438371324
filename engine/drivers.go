package engine

import (
	"context"
	"errors"
	"fmt"

	"yieldrails/bridge"
	"yieldrails/core/events"
	"yieldrails/core/types"
	"yieldrails/strategy"
)

// driveActivation moves a pending payment into escrow: a confirmed deposit on
// the source chain, then for same-chain payments an immediate strategy
// allocation. Cross-chain payments hand off to the bridge driver instead.
func (e *Engine) driveActivation(ctx context.Context, paymentID string) {
	unlock := e.locks.acquire(paymentID)
	p, ok := e.projection(paymentID)
	if !ok || p.Status != types.PaymentPending {
		unlock()
		return
	}
	snapshot := p.Clone()
	unlock()

	// The deposit blocks until confirmed, so it runs outside the payment
	// lock; a cancel command stays serviceable meanwhile.
	opID := externalOpID(paymentID, snapshot.Seq+1)
	depositCtx, cancel := context.WithTimeout(ctx, e.settings.DepositDeadline)
	escrowRef, err := e.chains.Deposit(depositCtx, opID, snapshot.User, snapshot.Merchant, snapshot.Principal, snapshot.StrategyID)
	cancel()

	unlock = e.locks.acquire(paymentID)
	p, ok = e.projection(paymentID)
	if !ok {
		unlock()
		return
	}
	if p.Status != types.PaymentPending {
		unlock()
		if err == nil {
			// Cancelled while the deposit was in flight; return the escrow.
			e.logger.Warn("deposit confirmed after cancellation, refunding escrow",
				"payment", paymentID, "escrow", escrowRef)
			if refundTx, refundErr := e.chains.Refund(ctx, externalOpID(paymentID, p.Seq+1), escrowRef); refundErr != nil {
				e.logger.Error("orphaned escrow refund failed", "payment", paymentID, "escrow", escrowRef, "error", refundErr)
			} else if confirmErr := e.chains.ConfirmRefund(ctx, refundTx); confirmErr != nil {
				e.logger.Error("orphaned escrow refund unconfirmed", "payment", paymentID, "tx", refundTx, "error", confirmErr)
			}
		}
		return
	}
	if err != nil {
		if _, appendErr := e.appendEvent(ctx, p, paymentID, events.KindFailed, events.Failed{
			Reason: fmt.Sprintf("escrow deposit failed: %v", err),
		}); appendErr != nil {
			e.logger.Error("failed to record deposit failure", "payment", paymentID, "error", appendErr)
		}
		unlock()
		return
	}

	if p.CrossChain() {
		if _, err := e.appendEvent(ctx, p, paymentID, events.KindEscrowDeposited, events.EscrowDeposited{
			EscrowRef: escrowRef,
		}); err != nil {
			e.logger.Error("failed to record escrow deposit", "payment", paymentID, "error", err)
			unlock()
			return
		}
		unlock()
		e.driveBridge(ctx, paymentID, "", "")
		return
	}

	client, err := e.strategies.Get(p.StrategyID)
	if err != nil {
		e.logger.Error("strategy vanished after admission", "payment", paymentID, "strategy", p.StrategyID)
		unlock()
		return
	}
	positionRef, allocErr := client.Allocate(ctx, opID, paymentID, p.Principal)
	p, err = e.appendEvent(ctx, p, paymentID, events.KindEscrowDeposited, events.EscrowDeposited{
		EscrowRef:   escrowRef,
		PositionRef: positionRef,
	})
	if err != nil {
		e.logger.Error("failed to record escrow deposit", "payment", paymentID, "error", err)
		unlock()
		return
	}
	if allocErr != nil {
		unlock()
		e.logger.Warn("strategy allocation failed, refunding escrow",
			"payment", paymentID, "strategy", p.StrategyID, "error", allocErr)
		e.driveRefund(ctx, paymentID, fmt.Sprintf("strategy allocation failed: %v", allocErr))
		return
	}
	// Pin the opening APY so the first accrual segment has a rate.
	if _, err := e.recordYieldSnapshot(ctx, p); err != nil {
		e.logger.Warn("opening yield snapshot deferred", "payment", paymentID, "error", err)
	}
	unlock()
	e.logger.Info("payment activated", "payment", paymentID, "escrow", escrowRef, "position", positionRef)
}

// driveBridge runs the burn, attestation and mint steps for a bridging
// payment. burnTx and signature carry recovered progress so a restart resumes
// mid-flight instead of re-burning. Any failed or timed-out step enters the
// refund path.
func (e *Engine) driveBridge(ctx context.Context, paymentID, burnTx, signature string) {
	unlock := e.locks.acquire(paymentID)
	p, ok := e.projection(paymentID)
	if !ok || p.Status != types.PaymentBridging {
		unlock()
		return
	}

	if burnTx == "" {
		quote, err := e.coordinator.Quote(ctx, p.SourceChain, p.DestinationChain, p.Principal)
		if err != nil {
			unlock()
			e.driveRefund(ctx, paymentID, fmt.Sprintf("bridge quote failed: %v", err))
			return
		}
		opID := externalOpID(paymentID, p.Seq+1)
		burnTx, err = e.coordinator.Burn(ctx, opID, p.EscrowRef, p.DestinationChain)
		if err != nil {
			unlock()
			e.driveRefund(ctx, paymentID, bridgeFailureReason("burn", err))
			return
		}
		p, err = e.appendEvent(ctx, p, paymentID, events.KindBridgeInitiated, events.BridgeInitiated{
			BridgeRef:  burnTx,
			BurnTxHash: burnTx,
			Quote:      quote.String(),
		})
		if err != nil {
			e.logger.Error("failed to record bridge initiation", "payment", paymentID, "error", err)
			unlock()
			return
		}
	}

	if signature == "" {
		att, err := e.coordinator.AwaitAttestation(ctx, burnTx)
		if err != nil {
			unlock()
			e.driveRefund(ctx, paymentID, bridgeFailureReason("attestation", err))
			return
		}
		signature = att.Signature
		p, err = e.appendEvent(ctx, p, paymentID, events.KindBridgeAttested, events.BridgeAttested{
			Signature: signature,
		})
		if err != nil {
			e.logger.Error("failed to record bridge attestation", "payment", paymentID, "error", err)
			unlock()
			return
		}
	}

	opID := externalOpID(paymentID, p.Seq+1)
	mintTx, err := e.coordinator.Mint(ctx, opID, burnTx, signature, p.DestinationChain)
	if err != nil {
		unlock()
		e.driveRefund(ctx, paymentID, bridgeFailureReason("delivery", err))
		return
	}

	positionRef := ""
	if client, cerr := e.strategies.Get(p.StrategyID); cerr == nil {
		if ref, aerr := client.Allocate(ctx, opID, paymentID, p.Principal); aerr == nil {
			positionRef = ref
		} else {
			e.logger.Warn("destination strategy allocation failed",
				"payment", paymentID, "strategy", p.StrategyID, "error", aerr)
		}
	}
	strategyID := p.StrategyID
	unlock()

	if err := e.HandleBridgeDelivered(ctx, paymentID, mintTx, strategyID, positionRef); err != nil {
		e.logger.Error("bridge delivery not applied", "payment", paymentID, "mintTx", mintTx, "error", err)
	}
}

func bridgeFailureReason(step string, err error) string {
	if errors.Is(err, bridge.ErrTimeout) {
		return fmt.Sprintf("bridge %s deadline exceeded", step)
	}
	return fmt.Sprintf("bridge %s failed: %v", step, err)
}

// refundGuard arbitrates the race between a late bridge delivery and an
// in-flight refund for the same payment. Its fields are read and written only
// while holding the payment lock.
type refundGuard struct {
	submitted bool
	halted    bool
}

// HandleBridgeDelivered applies a destination-chain mint to the payment. A
// delivery that arrives while a refund is pending but unsubmitted halts the
// refund and reactivates the payment; one that arrives after the refund was
// submitted is recorded as stale and flagged for operator reconciliation,
// since both legs may now have paid out.
func (e *Engine) HandleBridgeDelivered(ctx context.Context, paymentID, mintTxRef, strategyID, positionRef string) error {
	unlock := e.locks.acquire(paymentID)
	defer unlock()
	p, ok := e.projection(paymentID)
	if !ok {
		return ErrNotFound
	}

	if gv, found := e.refunds.Load(paymentID); found {
		guard := gv.(*refundGuard)
		if guard.submitted {
			return e.flagDoubleSpend(ctx, p, mintTxRef)
		}
		guard.halted = true
	}
	if p.Status == types.PaymentRefunded {
		return e.flagDoubleSpend(ctx, p, mintTxRef)
	}
	if p.Status != types.PaymentBridging && p.Status != types.PaymentFailing {
		_, err := e.appendEvent(ctx, p, paymentID, events.KindStale, events.Stale{
			Observed: string(events.KindBridgeDelivered),
			Detail:   mintTxRef,
		})
		return err
	}

	p, err := e.appendEvent(ctx, p, paymentID, events.KindBridgeDelivered, events.BridgeDelivered{
		MintTxRef:   mintTxRef,
		StrategyID:  strategyID,
		PositionRef: positionRef,
	})
	if err != nil {
		return err
	}
	e.logger.Info("bridge delivered", "payment", paymentID, "mintTx", mintTxRef, "position", positionRef)
	if _, err := e.recordYieldSnapshot(ctx, p); err != nil {
		e.logger.Warn("post-delivery yield snapshot deferred", "payment", paymentID, "error", err)
	}
	return nil
}

// flagDoubleSpend records the late delivery as a stale event and raises the
// operator reconciliation alert. Caller holds the payment lock.
func (e *Engine) flagDoubleSpend(ctx context.Context, p *types.Payment, mintTxRef string) error {
	if _, err := e.appendEvent(ctx, p, p.ID, events.KindStale, events.Stale{
		Observed: string(events.KindBridgeDelivered),
		Detail:   mintTxRef,
	}); err != nil {
		e.logger.Error("failed to record late bridge delivery", "payment", p.ID, "error", err)
	}
	e.coordinator.FlagReconciliation(p.ID)
	return fmt.Errorf("%w: delivery %s raced refund", ErrDoubleSpendSuspected, mintTxRef)
}

// driveRefund returns the escrowed principal to the user. The refund intent
// is written ahead of the chain submission; exhausted retries leave the
// payment failed for manual intervention.
func (e *Engine) driveRefund(ctx context.Context, paymentID, reason string) {
	gv, loaded := e.refunds.LoadOrStore(paymentID, &refundGuard{})
	if loaded {
		// A refund driver is already in flight for this payment.
		return
	}
	guard := gv.(*refundGuard)
	defer e.refunds.Delete(paymentID)

	unlock := e.locks.acquire(paymentID)
	defer unlock()
	p, ok := e.projection(paymentID)
	if !ok || p.Status.Terminal() || guard.halted {
		return
	}
	// Released payments never enter the refund path: their settlement
	// transaction is already submitted.
	switch p.Status {
	case types.PaymentActive, types.PaymentReleasing, types.PaymentBridging, types.PaymentFailing:
	default:
		return
	}

	var err error
	if p.Status != types.PaymentFailing {
		p, err = e.appendEvent(ctx, p, paymentID, events.KindRefundRequested, events.RefundRequested{
			Reason: reason,
		})
		if err != nil {
			e.logger.Error("failed to record refund intent", "payment", paymentID, "error", err)
			return
		}
	}

	txRef := p.RefundTxRef
	if txRef == "" {
		opID := externalOpID(paymentID, p.Seq+1)
		err = strategy.DefaultRetrySchedule.Do(ctx, func(ctx context.Context) error {
			out, callErr := e.chains.Refund(ctx, opID, p.EscrowRef)
			if callErr != nil {
				return callErr
			}
			txRef = out
			return nil
		})
		if err != nil {
			if _, appendErr := e.appendEvent(ctx, p, paymentID, events.KindFailed, events.Failed{
				Reason: fmt.Sprintf("refund submission failed: %v", err),
			}); appendErr != nil {
				e.logger.Error("failed to record refund failure", "payment", paymentID, "error", appendErr)
			}
			return
		}
		guard.submitted = true
		p, err = e.appendEvent(ctx, p, paymentID, events.KindRefundRequested, events.RefundRequested{
			Reason: reason,
			TxRef:  txRef,
		})
		if err != nil {
			e.logger.Error("failed to record refund submission", "payment", paymentID, "error", err)
			return
		}
	} else {
		guard.submitted = true
	}

	err = strategy.DefaultRetrySchedule.Do(ctx, func(ctx context.Context) error {
		return e.chains.ConfirmRefund(ctx, txRef)
	})
	if err != nil {
		if _, appendErr := e.appendEvent(ctx, p, paymentID, events.KindFailed, events.Failed{
			Reason: fmt.Sprintf("refund confirmation failed: %v", err),
		}); appendErr != nil {
			e.logger.Error("failed to record refund failure", "payment", paymentID, "error", appendErr)
		}
		return
	}
	if _, err := e.appendEvent(ctx, p, paymentID, events.KindRefundConfirmed, events.RefundConfirmed{
		TxRef: txRef,
	}); err != nil {
		e.logger.Error("failed to record refund confirmation", "payment", paymentID, "error", err)
		return
	}
	e.logger.Info("payment refunded", "payment", paymentID, "reason", reason, "tx", txRef)
}
