package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"yieldrails/core/events"
	"yieldrails/core/types"
	"yieldrails/ledger"
)

// Command kinds used for client-token idempotency.
const (
	commandCreate  = "create"
	commandRelease = "release"
	commandCancel  = "cancel"
)

// CreatePaymentCmd carries the admission parameters for a new payment.
type CreatePaymentCmd struct {
	User             string
	Merchant         string
	Principal        *big.Int
	Currency         string
	SourceChain      string
	DestinationChain string
	StrategyID       string
	ClientToken      string
}

func (c *CreatePaymentCmd) validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidParameters)
	}
	if strings.TrimSpace(c.User) == "" || strings.TrimSpace(c.Merchant) == "" {
		return fmt.Errorf("%w: user and merchant required", ErrInvalidParameters)
	}
	if c.Principal == nil || c.Principal.Sign() <= 0 {
		return fmt.Errorf("%w: principal must be positive", ErrInvalidParameters)
	}
	if _, err := types.NormalizeCurrency(c.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if strings.TrimSpace(c.SourceChain) == "" || strings.TrimSpace(c.DestinationChain) == "" {
		return fmt.Errorf("%w: source and destination chains required", ErrInvalidParameters)
	}
	if strings.TrimSpace(c.StrategyID) == "" {
		return fmt.Errorf("%w: strategy required", ErrInvalidParameters)
	}
	if strings.TrimSpace(c.ClientToken) == "" {
		return fmt.Errorf("%w: client token required", ErrInvalidParameters)
	}
	return nil
}

// CreatePayment admits a new payment: compliance screen, durable admission
// event, then asynchronous escrow deposit and strategy allocation. The
// payment identifier is returned as soon as the admission is durable.
func (e *Engine) CreatePayment(ctx context.Context, cmd CreatePaymentCmd) (string, error) {
	release, err := e.acquireSlot()
	if err != nil {
		e.metrics.RecordCommand(commandCreate, "overloaded")
		return "", err
	}
	defer release()

	if err := cmd.validate(); err != nil {
		e.metrics.RecordCommand(commandCreate, "invalid")
		return "", err
	}
	currency, _ := types.NormalizeCurrency(cmd.Currency)
	token := strings.TrimSpace(cmd.ClientToken)

	if existing, found, err := e.store.LookupToken(ctx, token, commandCreate); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	} else if found {
		e.metrics.RecordCommand(commandCreate, "duplicate")
		return existing, ErrDuplicate
	}

	if _, err := e.strategies.Get(cmd.StrategyID); err != nil {
		e.metrics.RecordCommand(commandCreate, "invalid")
		return "", fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	allow, reason, err := e.compliance.Screen(ctx, cmd.User, cmd.Merchant, cmd.Principal, currency)
	if err != nil {
		e.metrics.RecordCommand(commandCreate, "error")
		return "", fmt.Errorf("%w: compliance screen: %v", ErrInternal, err)
	}
	if !allow {
		e.metrics.RecordCommand(commandCreate, "compliance_rejected")
		return "", fmt.Errorf("%w: %s", ErrComplianceRejected, reason)
	}

	paymentID := uuid.NewString()
	if err := e.store.ClaimToken(ctx, token, commandCreate, paymentID, e.now()); err != nil {
		if existing, found, lookupErr := e.store.LookupToken(ctx, token, commandCreate); lookupErr == nil && found {
			e.metrics.RecordCommand(commandCreate, "duplicate")
			return existing, ErrDuplicate
		}
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}

	unlock := e.locks.acquire(paymentID)
	_, err = e.appendEvent(ctx, nil, paymentID, events.KindAdmitted, events.Admitted{
		User:             strings.TrimSpace(cmd.User),
		Merchant:         strings.TrimSpace(cmd.Merchant),
		Principal:        cmd.Principal.String(),
		Currency:         currency,
		SourceChain:      strings.TrimSpace(cmd.SourceChain),
		DestinationChain: strings.TrimSpace(cmd.DestinationChain),
		StrategyID:       strings.TrimSpace(cmd.StrategyID),
		ClientToken:      token,
	})
	unlock()
	if err != nil {
		e.rollbackClaim(ctx, token, commandCreate)
		e.metrics.RecordCommand(commandCreate, "error")
		return "", err
	}

	e.metrics.RecordCommand(commandCreate, "ok")
	e.logger.Info("payment admitted",
		"payment", paymentID,
		"principal", cmd.Principal.String(),
		"currency", currency,
		"strategy", cmd.StrategyID)
	e.spawn(func(ctx context.Context) { e.driveActivation(ctx, paymentID) })
	return paymentID, nil
}

// ReleasePayment freezes accrual, records the release intent and drives the
// settlement path to completion. Only the merchant of record may release.
// Re-submitting with the same client token is idempotent: the current
// snapshot is returned and no new events are written.
func (e *Engine) ReleasePayment(ctx context.Context, paymentID, caller, clientToken string) (*types.Payment, error) {
	release, err := e.acquireSlot()
	if err != nil {
		e.metrics.RecordCommand(commandRelease, "overloaded")
		return nil, err
	}
	defer release()

	token := strings.TrimSpace(clientToken)
	if strings.TrimSpace(paymentID) == "" || strings.TrimSpace(caller) == "" || token == "" {
		e.metrics.RecordCommand(commandRelease, "invalid")
		return nil, fmt.Errorf("%w: payment, caller and client token required", ErrInvalidParameters)
	}

	if boundTo, found, err := e.store.LookupToken(ctx, token, commandRelease); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	} else if found {
		if boundTo != paymentID {
			e.metrics.RecordCommand(commandRelease, "duplicate")
			return nil, ErrDuplicate
		}
		snapshot, _, snapErr := e.GetPayment(paymentID)
		if snapErr != nil {
			return nil, snapErr
		}
		e.metrics.RecordCommand(commandRelease, "idempotent")
		return snapshot, nil
	}

	unlock := e.locks.acquire(paymentID)
	p, ok := e.projection(paymentID)
	if !ok {
		unlock()
		e.metrics.RecordCommand(commandRelease, "not_found")
		return nil, ErrNotFound
	}
	if p.Merchant != strings.TrimSpace(caller) {
		unlock()
		e.metrics.RecordCommand(commandRelease, "unauthorized")
		return nil, fmt.Errorf("%w: release is merchant-only", ErrUnauthorized)
	}
	if p.Status != types.PaymentActive {
		unlock()
		e.metrics.RecordCommand(commandRelease, "invalid_transition")
		return nil, fmt.Errorf("%w: release requires active payment, have %s", ErrInvalidTransition, p.Status)
	}

	// Refuse to freeze yield on data staler than the hard limit.
	if age, ok := e.snapshotAge(p.StrategyID); !ok || age > e.settings.MaxStaleInterval {
		unlock()
		e.metrics.RecordCommand(commandRelease, "adapter_unavailable")
		return nil, fmt.Errorf("%w: no fresh strategy snapshot", ErrAdapterUnavailable)
	}

	p, err = e.recordYieldSnapshot(ctx, p)
	if err != nil {
		unlock()
		e.metrics.RecordCommand(commandRelease, "error")
		return nil, err
	}

	if err := e.store.ClaimToken(ctx, token, commandRelease, paymentID, e.now()); err != nil {
		unlock()
		if errors.Is(err, ledger.ErrTokenExists) {
			e.metrics.RecordCommand(commandRelease, "duplicate")
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	p, err = e.appendEvent(ctx, p, paymentID, events.KindReleaseRequested, events.ReleaseRequested{
		Caller: strings.TrimSpace(caller),
	})
	if err != nil {
		e.rollbackClaim(ctx, token, commandRelease)
		unlock()
		e.metrics.RecordCommand(commandRelease, "error")
		return nil, err
	}
	unlock()
	e.metrics.RecordCommand(commandRelease, "ok")
	e.logger.Info("release accepted", "payment", paymentID, "accrued", p.AccruedYield.String())

	// An unconfirmed settlement is not a command failure: the release was
	// accepted and the sweeper keeps re-driving confirmation. Return the
	// released snapshot.
	if err := e.driveSettlement(ctx, paymentID); err != nil && !errors.Is(err, ErrSettlementUnconfirmed) {
		return nil, err
	}
	snapshot, _, err := e.GetPayment(paymentID)
	return snapshot, err
}

// CancelPayment aborts a payment that has not yet reached escrow. Only the
// paying user may cancel, and only while the payment is pending.
func (e *Engine) CancelPayment(ctx context.Context, paymentID, caller, clientToken string) error {
	release, err := e.acquireSlot()
	if err != nil {
		e.metrics.RecordCommand(commandCancel, "overloaded")
		return err
	}
	defer release()

	token := strings.TrimSpace(clientToken)
	if strings.TrimSpace(paymentID) == "" || strings.TrimSpace(caller) == "" || token == "" {
		e.metrics.RecordCommand(commandCancel, "invalid")
		return fmt.Errorf("%w: payment, caller and client token required", ErrInvalidParameters)
	}

	if boundTo, found, err := e.store.LookupToken(ctx, token, commandCancel); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	} else if found {
		if boundTo != paymentID {
			e.metrics.RecordCommand(commandCancel, "duplicate")
			return ErrDuplicate
		}
		e.metrics.RecordCommand(commandCancel, "idempotent")
		return nil
	}

	unlock := e.locks.acquire(paymentID)
	defer unlock()
	p, ok := e.projection(paymentID)
	if !ok {
		e.metrics.RecordCommand(commandCancel, "not_found")
		return ErrNotFound
	}
	if p.User != strings.TrimSpace(caller) {
		e.metrics.RecordCommand(commandCancel, "unauthorized")
		return fmt.Errorf("%w: cancel is user-only", ErrUnauthorized)
	}
	if p.Status != types.PaymentPending {
		e.metrics.RecordCommand(commandCancel, "invalid_transition")
		return fmt.Errorf("%w: cancel requires pending payment, have %s", ErrInvalidTransition, p.Status)
	}
	if err := e.store.ClaimToken(ctx, token, commandCancel, paymentID, e.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if _, err := e.appendEvent(ctx, p, paymentID, events.KindFailed, events.Failed{
		Reason: "cancelled by user",
	}); err != nil {
		e.rollbackClaim(ctx, token, commandCancel)
		e.metrics.RecordCommand(commandCancel, "error")
		return err
	}
	e.metrics.RecordCommand(commandCancel, "ok")
	e.logger.Info("payment cancelled", "payment", paymentID)
	return nil
}

// rollbackClaim releases a command token whose event append failed, so a
// retry with the same token is not bound to a command that never happened.
// The delete runs detached from ctx: the append failure may itself have been
// a cancellation.
func (e *Engine) rollbackClaim(ctx context.Context, token, kind string) {
	if err := e.store.ReleaseToken(context.WithoutCancel(ctx), token, kind); err != nil {
		e.logger.Error("claimed token not released", "kind", kind, "error", err)
	}
}

// RecordChainEvent ingests an on-chain observation for a payment. Events
// arriving for a terminal payment are recorded as stale and ignored for
// state purposes.
func (e *Engine) RecordChainEvent(ctx context.Context, paymentID, observed, detail string) error {
	unlock := e.locks.acquire(paymentID)
	defer unlock()
	p, ok := e.projection(paymentID)
	if !ok {
		return ErrNotFound
	}
	if !p.Status.Terminal() {
		return nil
	}
	_, err := e.appendEvent(ctx, p, paymentID, events.KindStale, events.Stale{
		Observed: observed,
		Detail:   detail,
	})
	return err
}
