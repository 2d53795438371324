// Package strategy fronts the external yield-strategy APIs behind a uniform
// capability set. Every outbound call is wrapped in a per-adapter circuit
// breaker with transient-error retry; read-only queries degrade to cached
// values while an adapter is unavailable.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Adapter is the capability set the engine consumes per yield strategy.
// Concrete variants (T-bill pool, delta-neutral vault, lending market)
// differ only in configuration and endpoint. Every method honours the
// context deadline and must treat opID as an idempotency key: calling
// Allocate twice with the same opID must not double-allocate.
type Adapter interface {
	// Allocate opens (or returns the existing) position for the payment
	// principal and returns the external position reference.
	Allocate(ctx context.Context, opID, paymentID string, amount *big.Int) (string, error)
	// Withdraw unwinds amount from the position and returns the settlement
	// detail.
	Withdraw(ctx context.Context, opID, positionRef string, amount *big.Int) (Settlement, error)
	// CurrentAPY reports the strategy's live yield in basis points.
	CurrentAPY(ctx context.Context) (int64, error)
	// Health probes the upstream endpoint.
	Health(ctx context.Context) (bool, time.Duration, error)
}

// Settlement describes the outcome of a strategy withdrawal.
type Settlement struct {
	TxRef     string
	Amount    *big.Int
	SettledAt time.Time
}

// ErrUnavailable is returned when the circuit is open or retries are
// exhausted; callers may retry later.
var ErrUnavailable = errors.New("strategy: adapter unavailable")

// ErrUnknownStrategy is returned for lookups against an unregistered
// strategy identifier.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// Class partitions adapter failures for retry purposes. The engine only
// mandates the transient/permanent dichotomy; the precise mapping per
// upstream error is the adapter author's call.
type Class uint8

const (
	// ClassTransient marks network faults, 5xx responses and timeouts.
	// Transient failures are retried within the retry budget.
	ClassTransient Class = iota
	// ClassPermanent marks rejections that will not succeed on retry.
	// They surface immediately and abort the in-flight transition.
	ClassPermanent
)

// CallError carries the adapter failure classification across the retry
// layer.
type CallError struct {
	Class Class
	Err   error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e == nil || e.Err == nil {
		return "strategy: call failed"
	}
	return e.Err.Error()
}

// Unwrap exposes the underlying cause.
func (e *CallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient wraps err as a retryable adapter failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &CallError{Class: ClassTransient, Err: err}
}

// Permanent wraps err as a non-retryable adapter failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &CallError{Class: ClassPermanent, Err: err}
}

// Transientf formats a retryable adapter failure.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsTransient reports whether err should be retried. Context cancellation
// and deadline expiry are never retried; unclassified errors are treated as
// transient so flaky upstreams without explicit classification still heal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var call *CallError
	if errors.As(err, &call) {
		return call.Class == ClassTransient
	}
	return true
}
