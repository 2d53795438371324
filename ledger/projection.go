package ledger

import (
	"fmt"
	"math/big"

	"yieldrails/core/events"
	"yieldrails/core/types"
)

// Fold rebuilds the payment projection from its ordered event stream. The
// fold is deterministic: replaying the same stream always produces the same
// projection. Unknown or out-of-place events fail the fold rather than being
// silently skipped; stale-event records are the one sanctioned no-op.
func Fold(stream []events.Event) (*types.Payment, error) {
	if len(stream) == 0 {
		return nil, fmt.Errorf("ledger: empty event stream")
	}
	var payment *types.Payment
	for _, evt := range stream {
		next, err := Apply(payment, evt)
		if err != nil {
			return nil, err
		}
		payment = next
	}
	return payment, nil
}

// Apply folds a single event into the projection, returning the updated
// aggregate. The first event of a stream must be an admission.
func Apply(p *types.Payment, evt events.Event) (*types.Payment, error) {
	if p == nil {
		if evt.Kind != events.KindAdmitted {
			return nil, fmt.Errorf("ledger: stream for %s starts with %s", evt.PaymentID, evt.Kind)
		}
		return applyAdmitted(evt)
	}
	if evt.Seq != p.Seq+1 {
		return nil, fmt.Errorf("ledger: %s seq gap: have %d, got %d", evt.PaymentID, p.Seq, evt.Seq)
	}
	next := p.Clone()
	next.Seq = evt.Seq
	switch evt.Kind {
	case events.KindAdmitted:
		return nil, fmt.Errorf("ledger: duplicate admission for %s", evt.PaymentID)
	case events.KindEscrowDeposited:
		var payload events.EscrowDeposited
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		next.EscrowRef = payload.EscrowRef
		next.PositionRef = payload.PositionRef
		if next.CrossChain() {
			next.Status = types.PaymentBridging
		} else {
			next.Status = types.PaymentActive
			next.ActivatedAt = evt.At
			next.AccruedAsOf = evt.At
		}
	case events.KindYieldSnapshot:
		var payload events.YieldSnapshot
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		accrued, err := parseAmount(payload.Accrued)
		if err != nil {
			return nil, fmt.Errorf("ledger: %s yield snapshot: %w", evt.PaymentID, err)
		}
		next.AccruedYield = accrued
		next.AccruedAsOf = payload.AsOf
		next.LastAPYBps = payload.APYBps
	case events.KindReleaseRequested:
		next.Status = types.PaymentReleasing
	case events.KindDistributionComputed:
		var payload events.DistributionComputed
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		dist, accrued, err := parseDistribution(payload)
		if err != nil {
			return nil, fmt.Errorf("ledger: %s distribution: %w", evt.PaymentID, err)
		}
		next.Distribution = dist
		next.AccruedYield = accrued
	case events.KindSettlementSubmitted:
		var payload events.SettlementSubmitted
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		next.Status = types.PaymentReleased
		next.ReleasedAt = evt.At
		next.SettlementTxRef = payload.TxRef
	case events.KindSettlementConfirmed:
		var payload events.SettlementConfirmed
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		next.Status = types.PaymentCompleted
		next.TerminatedAt = evt.At
		if payload.TxRef != "" {
			next.SettlementTxRef = payload.TxRef
		}
	case events.KindBridgeInitiated:
		var payload events.BridgeInitiated
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		next.BridgeRef = payload.BridgeRef
		quote, err := parseAmount(payload.Quote)
		if err != nil {
			return nil, fmt.Errorf("ledger: %s bridge quote: %w", evt.PaymentID, err)
		}
		next.BridgeQuote = quote
	case events.KindBridgeAttested:
		// Attestation carries no projection state beyond ordering.
	case events.KindBridgeDelivered:
		var payload events.BridgeDelivered
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		next.Status = types.PaymentActive
		next.ActivatedAt = evt.At
		next.AccruedAsOf = evt.At
		if payload.StrategyID != "" {
			next.StrategyID = payload.StrategyID
		}
		next.PositionRef = payload.PositionRef
	case events.KindRefundRequested:
		var payload events.RefundRequested
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		next.Status = types.PaymentFailing
		next.FailureReason = payload.Reason
		if payload.TxRef != "" {
			next.RefundTxRef = payload.TxRef
		}
	case events.KindRefundConfirmed:
		var payload events.RefundConfirmed
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		next.Status = types.PaymentRefunded
		next.TerminatedAt = evt.At
		next.RefundTxRef = payload.TxRef
	case events.KindFailed:
		var payload events.Failed
		if err := events.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		next.Status = types.PaymentFailed
		next.TerminatedAt = evt.At
		next.FailureReason = payload.Reason
	case events.KindStale:
		// Recorded for audit only; terminal state is preserved.
	default:
		return nil, fmt.Errorf("ledger: unknown event kind %q", evt.Kind)
	}
	return next, nil
}

func applyAdmitted(evt events.Event) (*types.Payment, error) {
	var payload events.Admitted
	if err := events.Unmarshal(evt.Payload, &payload); err != nil {
		return nil, err
	}
	principal, err := parseAmount(payload.Principal)
	if err != nil {
		return nil, fmt.Errorf("ledger: %s admission principal: %w", evt.PaymentID, err)
	}
	return &types.Payment{
		ID:               evt.PaymentID,
		User:             payload.User,
		Merchant:         payload.Merchant,
		Principal:        principal,
		Currency:         payload.Currency,
		SourceChain:      payload.SourceChain,
		DestinationChain: payload.DestinationChain,
		StrategyID:       payload.StrategyID,
		Status:           types.PaymentPending,
		CreatedAt:        evt.At,
		AccruedYield:     big.NewInt(0),
		Seq:              evt.Seq,
	}, nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func parseDistribution(payload events.DistributionComputed) (*types.Distribution, *big.Int, error) {
	user, err := parseAmount(payload.UserYield)
	if err != nil {
		return nil, nil, err
	}
	merchant, err := parseAmount(payload.MerchantYield)
	if err != nil {
		return nil, nil, err
	}
	protocol, err := parseAmount(payload.ProtocolYield)
	if err != nil {
		return nil, nil, err
	}
	accrued, err := parseAmount(payload.Accrued)
	if err != nil {
		return nil, nil, err
	}
	dist := &types.Distribution{UserYield: user, MerchantYield: merchant, ProtocolYield: protocol}
	if dist.Total().Cmp(accrued) != 0 {
		return nil, nil, fmt.Errorf("distribution shares do not sum to accrued yield")
	}
	return dist, accrued, nil
}
