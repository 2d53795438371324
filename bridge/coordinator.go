// Package bridge coordinates cross-chain payments: a burn on the source
// chain, validator attestation, and a mint on the destination chain. Each
// step carries its own deadline; exceeding one surfaces ErrTimeout so the
// engine can enter its refund path.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/time/rate"

	"yieldrails/chain"
	"yieldrails/observability"
)

// Attestation is the validator-consensus verdict over a source-chain burn.
type Attestation struct {
	Ready     bool
	Signature string
}

// Attestor polls the external attestation service for validator consensus.
type Attestor interface {
	GetAttestation(ctx context.Context, burnTxHash string) (Attestation, error)
}

// AttestorFunc adapts ordinary functions to Attestor.
type AttestorFunc func(ctx context.Context, burnTxHash string) (Attestation, error)

// GetAttestation implements Attestor.
func (f AttestorFunc) GetAttestation(ctx context.Context, burnTxHash string) (Attestation, error) {
	if f == nil {
		return Attestation{}, fmt.Errorf("bridge: attestor not configured")
	}
	return f(ctx, burnTxHash)
}

// ErrTimeout signals that a bridge step exceeded its deadline. The payment
// must enter the refund path.
var ErrTimeout = errors.New("bridge: step deadline exceeded")

// Deadlines bounds each coordination step.
type Deadlines struct {
	Burn        time.Duration
	Attestation time.Duration
	Delivery    time.Duration
}

// Coordinator sequences the cross-chain steps against the chain client and
// attestation service. It holds no payment state; the engine records the
// ledger events between steps.
type Coordinator struct {
	chains    chain.Client
	attestor  Attestor
	deadlines Deadlines
	poll      time.Duration
	metrics   *observability.BridgeMetrics
	logger    *slog.Logger
}

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator constructs a coordinator with the supplied step deadlines
// and attestation poll cadence.
func NewCoordinator(chains chain.Client, attestor Attestor, deadlines Deadlines, poll time.Duration, opts ...CoordinatorOption) (*Coordinator, error) {
	if chains == nil {
		return nil, fmt.Errorf("bridge: chain client required")
	}
	if attestor == nil {
		return nil, fmt.Errorf("bridge: attestor required")
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	c := &Coordinator{
		chains:    chains,
		attestor:  attestor,
		deadlines: deadlines,
		poll:      poll,
		metrics:   observability.Bridge(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Quote estimates the total bridge cost for the payment principal.
func (c *Coordinator) Quote(ctx context.Context, sourceChain, destinationChain string, amount *big.Int) (*big.Int, error) {
	start := time.Now()
	quote, err := c.chains.QuoteBridge(ctx, sourceChain, destinationChain, amount)
	c.metrics.ObserveStep("quote", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("bridge: quote: %w", err)
	}
	return quote, nil
}

// Burn submits the source-chain burn under its step deadline and returns
// the burn transaction hash.
func (c *Coordinator) Burn(ctx context.Context, opID, escrowRef, destinationChain string) (string, error) {
	stepCtx, cancel := c.stepContext(ctx, c.deadlines.Burn)
	defer cancel()
	start := time.Now()
	burnTx, err := c.chains.BurnOnSource(stepCtx, opID, escrowRef, destinationChain)
	c.metrics.ObserveStep("burn", err, time.Since(start))
	if err != nil {
		if deadlineExpired(stepCtx, err) {
			c.metrics.RecordTimeout("burn")
			return "", fmt.Errorf("%w: burn", ErrTimeout)
		}
		return "", fmt.Errorf("bridge: burn on source: %w", err)
	}
	return burnTx, nil
}

// AwaitAttestation polls the attestation service until validator consensus
// is ready or the attestation deadline expires. Poll cadence is rate
// limited so a short interval cannot flood the service.
func (c *Coordinator) AwaitAttestation(ctx context.Context, burnTxHash string) (Attestation, error) {
	stepCtx, cancel := c.stepContext(ctx, c.deadlines.Attestation)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(c.poll), 1)
	start := time.Now()
	for {
		if err := limiter.Wait(stepCtx); err != nil {
			c.metrics.RecordTimeout("attestation")
			return Attestation{}, fmt.Errorf("%w: attestation", ErrTimeout)
		}
		att, err := c.attestor.GetAttestation(stepCtx, burnTxHash)
		if err != nil {
			if deadlineExpired(stepCtx, err) {
				c.metrics.RecordTimeout("attestation")
				return Attestation{}, fmt.Errorf("%w: attestation", ErrTimeout)
			}
			c.logger.Warn("attestation poll failed", "burnTx", burnTxHash, "error", err)
			continue
		}
		if att.Ready {
			c.metrics.ObserveStep("attestation", nil, time.Since(start))
			return att, nil
		}
	}
}

// Mint submits the destination-chain mint under its step deadline and
// returns the confirmed mint transaction reference.
func (c *Coordinator) Mint(ctx context.Context, opID, burnTxHash, signature, destinationChain string) (string, error) {
	stepCtx, cancel := c.stepContext(ctx, c.deadlines.Delivery)
	defer cancel()
	start := time.Now()
	mintTx, err := c.chains.MintOnDestination(stepCtx, opID, burnTxHash, signature, destinationChain)
	c.metrics.ObserveStep("mint", err, time.Since(start))
	if err != nil {
		if deadlineExpired(stepCtx, err) {
			c.metrics.RecordTimeout("mint")
			return "", fmt.Errorf("%w: delivery", ErrTimeout)
		}
		return "", fmt.Errorf("bridge: mint on destination: %w", err)
	}
	return mintTx, nil
}

// FlagReconciliation raises the double-spend operator alert for a delivery
// that raced a refund.
func (c *Coordinator) FlagReconciliation(paymentID string) {
	c.metrics.RecordReconciliationFlag()
	c.logger.Error("double spend suspected, reconciliation required", "payment", paymentID)
}

func (c *Coordinator) stepContext(ctx context.Context, deadline time.Duration) (context.Context, context.CancelFunc) {
	if deadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, deadline)
}

func deadlineExpired(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}
