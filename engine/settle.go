package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"yieldrails/chain"
	"yieldrails/core/events"
	"yieldrails/core/types"
	"yieldrails/strategy"
)

// driveSettlement walks a releasing payment through distribution, strategy
// withdrawal, escrow release and confirmation. An unavailable adapter holds
// the payment in its current state for the sweeper to re-drive. Only a
// failed submission enters the refund path: once the settlement transaction
// is on the wire the payment is held released until confirmation lands.
func (e *Engine) driveSettlement(ctx context.Context, paymentID string) error {
	if e.paused.Load() {
		e.logger.Warn("settlement held, operator pause active", "payment", paymentID)
		return nil
	}
	unlock := e.locks.acquire(paymentID)
	refundReason, err := e.settleLocked(ctx, paymentID)
	unlock()
	if refundReason != "" {
		e.driveRefund(ctx, paymentID, refundReason)
	}
	return err
}

// settleLocked performs the settlement steps under the payment lock. A
// non-empty refund reason tells the caller to enter the refund path after
// releasing the lock.
func (e *Engine) settleLocked(ctx context.Context, paymentID string) (refundReason string, err error) {
	p, ok := e.projection(paymentID)
	if !ok {
		return "", ErrNotFound
	}

	if p.Status == types.PaymentReleasing {
		if p.Distribution == nil {
			user, merchant, protocol, splitErr := e.policy.Split(p.AccruedYield)
			if splitErr != nil {
				return "", fmt.Errorf("%w: %v", ErrInternal, splitErr)
			}
			p, err = e.appendEvent(ctx, p, paymentID, events.KindDistributionComputed, events.DistributionComputed{
				Accrued:       p.AccruedYield.String(),
				UserYield:     user.String(),
				MerchantYield: merchant.String(),
				ProtocolYield: protocol.String(),
			})
			if err != nil {
				return "", err
			}
		}

		if p.PositionRef != "" {
			client, regErr := e.strategies.Get(p.StrategyID)
			if regErr != nil {
				return "", fmt.Errorf("%w: %v", ErrInternal, regErr)
			}
			amount := new(big.Int).Add(p.Principal, p.AccruedYield)
			opID := externalOpID(paymentID, p.Seq+1)
			if _, wErr := client.Withdraw(ctx, opID, p.PositionRef, amount); wErr != nil {
				e.logger.Warn("settlement held, strategy withdraw unavailable",
					"payment", paymentID, "strategy", p.StrategyID, "error", wErr)
				return "", fmt.Errorf("%w: withdraw: %v", ErrAdapterUnavailable, wErr)
			}
		}

		opID := externalOpID(paymentID, p.Seq+1)
		releaseCtx, cancel := context.WithTimeout(ctx, e.settings.SettleDeadline)
		txRef, relErr := e.chains.Release(releaseCtx, opID, p.EscrowRef, chain.Distribution{
			UserYield:     p.Distribution.UserYield,
			MerchantYield: p.Distribution.MerchantYield,
			ProtocolYield: p.Distribution.ProtocolYield,
		})
		cancel()
		if relErr != nil {
			return fmt.Sprintf("settlement submission failed: %v", relErr),
				fmt.Errorf("%w: release: %v", ErrInternal, relErr)
		}
		p, err = e.appendEvent(ctx, p, paymentID, events.KindSettlementSubmitted, events.SettlementSubmitted{
			TxRef: txRef,
		})
		if err != nil {
			return "", err
		}
		e.logger.Info("settlement submitted", "payment", paymentID, "tx", txRef)
	}

	if p.Status != types.PaymentReleased {
		return "", nil
	}

	txRef := p.SettlementTxRef
	confirmErr := strategy.DefaultRetrySchedule.Do(ctx, func(ctx context.Context) error {
		confirmCtx, cancel := context.WithTimeout(ctx, e.settings.SettleDeadline)
		defer cancel()
		return e.chains.ConfirmRelease(confirmCtx, txRef)
	})
	if confirmErr != nil {
		if errors.Is(confirmErr, context.Canceled) {
			return "", confirmErr
		}
		// The settlement transaction was already accepted; refunding now
		// could pay out both legs of the escrow. Hold the payment
		// released and let the sweeper re-drive confirmation.
		e.logger.Warn("settlement confirmation pending",
			"payment", paymentID, "tx", txRef, "error", confirmErr)
		return "", fmt.Errorf("%w: %v", ErrSettlementUnconfirmed, confirmErr)
	}
	if _, err := e.appendEvent(ctx, p, paymentID, events.KindSettlementConfirmed, events.SettlementConfirmed{
		TxRef: txRef,
	}); err != nil {
		return "", err
	}
	e.logger.Info("payment completed", "payment", paymentID, "tx", txRef)
	return "", nil
}
