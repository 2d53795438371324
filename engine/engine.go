// Package engine implements the payment orchestration core: the lifecycle
// state machine, command/query surface, yield snapshotting, and the
// background drivers that move payments through escrow, strategies and the
// cross-chain bridge. All state changes flow through the append-only ledger;
// the in-memory projections are a deterministic fold of it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"yieldrails/accrual"
	"yieldrails/bridge"
	"yieldrails/chain"
	"yieldrails/core/events"
	"yieldrails/core/types"
	"yieldrails/ledger"
	"yieldrails/observability"
	"yieldrails/strategy"
)

// Settings bounds the engine's background loops and command intake.
type Settings struct {
	SnapshotInterval   time.Duration
	StaleAfter         time.Duration
	MaxStaleInterval   time.Duration
	CommandQueueDepth  int
	WorkerCount        int
	AbandonmentHorizon time.Duration
	DepositDeadline    time.Duration
	SettleDeadline     time.Duration
}

// normalize applies the engine defaults to unset values.
func (s *Settings) normalize() {
	if s.SnapshotInterval <= 0 {
		s.SnapshotInterval = time.Minute
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = 2 * time.Minute
	}
	if s.MaxStaleInterval <= 0 {
		s.MaxStaleInterval = 10 * time.Minute
	}
	if s.CommandQueueDepth <= 0 {
		s.CommandQueueDepth = 256
	}
	if s.WorkerCount <= 0 {
		s.WorkerCount = 8
	}
	if s.AbandonmentHorizon <= 0 {
		s.AbandonmentHorizon = 7 * 24 * time.Hour
	}
	if s.DepositDeadline <= 0 {
		s.DepositDeadline = 2 * time.Minute
	}
	if s.SettleDeadline <= 0 {
		s.SettleDeadline = 5 * time.Minute
	}
}

// Engine owns the payment aggregates and their event streams exclusively.
type Engine struct {
	store       *ledger.Store
	chains      chain.Client
	compliance  chain.ComplianceChecker
	strategies  *strategy.Registry
	coordinator *bridge.Coordinator
	policy      accrual.Policy
	settings    Settings
	metrics     *observability.EngineMetrics
	logger      *slog.Logger
	emitter     events.Emitter
	now         func() time.Time

	mu          sync.RWMutex
	projections map[string]*types.Payment

	locks     *paymentLocks
	admission chan struct{}
	workers   chan struct{}
	refunds   sync.Map // paymentID -> *refundGuard

	paused atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup
	started atomic.Bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEmitter installs a downstream event emitter. Emission is best-effort
// and never affects the durable log.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDistributionPolicy overrides the default 70/20/10 split.
func WithDistributionPolicy(policy accrual.Policy) Option {
	return func(e *Engine) { e.policy = policy }
}

// New wires the engine against its external collaborators.
func New(store *ledger.Store, chains chain.Client, compliance chain.ComplianceChecker, strategies *strategy.Registry, coordinator *bridge.Coordinator, settings Settings, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: ledger store required")
	}
	if chains == nil {
		return nil, fmt.Errorf("engine: chain client required")
	}
	if compliance == nil {
		return nil, fmt.Errorf("engine: compliance checker required")
	}
	if strategies == nil {
		return nil, fmt.Errorf("engine: strategy registry required")
	}
	if coordinator == nil {
		return nil, fmt.Errorf("engine: bridge coordinator required")
	}
	settings.normalize()
	e := &Engine{
		store:       store,
		chains:      chains,
		compliance:  compliance,
		strategies:  strategies,
		coordinator: coordinator,
		policy:      accrual.DefaultPolicy,
		settings:    settings,
		metrics:     observability.Engine(),
		logger:      slog.Default(),
		emitter:     events.NoopEmitter{},
		now:         time.Now,
		projections: make(map[string]*types.Payment),
		locks:       newPaymentLocks(),
		admission:   make(chan struct{}, settings.CommandQueueDepth),
		workers:     make(chan struct{}, settings.WorkerCount),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.policy.Valid() {
		return nil, fmt.Errorf("engine: invalid distribution policy")
	}
	return e, nil
}

// Start recovers projections from the ledger, resumes in-flight payments
// and launches the background loops. It must be called once before
// commands are accepted.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: already started")
	}
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	if err := e.recover(e.baseCtx); err != nil {
		return err
	}
	// A rate change closes the running accrual segment for every payment on
	// that strategy, so the new APY prices only the time after the change.
	e.strategies.Cache().OnAPYChange(func(strategyID string, apyBps int64) {
		e.spawn(func(ctx context.Context) { e.snapshotOnRateChange(ctx, strategyID, apyBps) })
	})
	e.bg.Add(2)
	go func() {
		defer e.bg.Done()
		e.runSnapshotLoop(e.baseCtx)
	}()
	go func() {
		defer e.bg.Done()
		e.runSweeper(e.baseCtx)
	}()
	return nil
}

// Stop cancels the background loops and waits for in-flight drivers.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.bg.Wait()
}

// PauseSettlement halts the settlement path for operator intervention;
// accrual and admission continue.
func (e *Engine) PauseSettlement() { e.paused.Store(true) }

// ResumeSettlement re-enables settlement.
func (e *Engine) ResumeSettlement() { e.paused.Store(false) }

// SettlementPaused reports the operator pause flag.
func (e *Engine) SettlementPaused() bool { return e.paused.Load() }

// recover folds every payment stream into a projection and resumes drivers
// for non-terminal payments.
func (e *Engine) recover(ctx context.Context) error {
	ids, err := e.store.PaymentIDs(ctx)
	if err != nil {
		return fmt.Errorf("engine: recover: %w", err)
	}
	for _, id := range ids {
		payment, stream, err := e.recoverPayment(ctx, id)
		if err != nil {
			return fmt.Errorf("engine: recover %s: %w", id, err)
		}
		e.setProjection(payment)
		if !payment.Status.Terminal() {
			e.resume(payment.Clone(), stream)
		}
	}
	if len(ids) > 0 {
		e.logger.Info("engine recovered projections", "payments", len(ids))
	}
	return nil
}

// recoverPayment rebuilds one projection, starting from the persisted
// snapshot when one exists and folding only the events appended after it.
// The returned stream covers the applied suffix; for non-terminal payments a
// snapshot is only ever taken at a terminal transition, so the suffix carries
// the full bridge progress the resume logic needs.
func (e *Engine) recoverPayment(ctx context.Context, paymentID string) (*types.Payment, []events.Event, error) {
	var payment *types.Payment
	afterSeq := uint64(0)
	if state, seq, found, err := e.store.LoadSnapshot(ctx, paymentID); err != nil {
		return nil, nil, err
	} else if found {
		decoded, decodeErr := ledger.DecodeSnapshot(state)
		if decodeErr != nil {
			e.logger.Warn("discarding unreadable projection snapshot", "payment", paymentID, "error", decodeErr)
		} else {
			payment = decoded
			afterSeq = seq
		}
	}
	stream, err := e.store.EventsSince(ctx, paymentID, afterSeq)
	if err != nil {
		return nil, nil, err
	}
	if payment == nil {
		folded, foldErr := ledger.Fold(stream)
		if foldErr != nil {
			return nil, nil, foldErr
		}
		return folded, stream, nil
	}
	for _, evt := range stream {
		payment, err = ledger.Apply(payment, evt)
		if err != nil {
			return nil, nil, err
		}
	}
	return payment, stream, nil
}

// resume relaunches the driver matching the payment's recovered state.
func (e *Engine) resume(p *types.Payment, stream []events.Event) {
	switch p.Status {
	case types.PaymentPending:
		e.spawn(func(ctx context.Context) { e.driveActivation(ctx, p.ID) })
	case types.PaymentBridging:
		burnTx, signature := lastBridgeProgress(stream)
		e.spawn(func(ctx context.Context) { e.driveBridge(ctx, p.ID, burnTx, signature) })
	case types.PaymentReleasing, types.PaymentReleased:
		e.spawn(func(ctx context.Context) { e.driveSettlement(ctx, p.ID) })
	case types.PaymentFailing:
		reason := p.FailureReason
		e.spawn(func(ctx context.Context) { e.driveRefund(ctx, p.ID, reason) })
	}
}

// lastBridgeProgress extracts the burn hash and attestation signature, if
// any, from a recovered stream so the bridge driver can resume mid-flight.
func lastBridgeProgress(stream []events.Event) (burnTx, signature string) {
	for _, evt := range stream {
		switch evt.Kind {
		case events.KindBridgeInitiated:
			var payload events.BridgeInitiated
			if err := events.Unmarshal(evt.Payload, &payload); err == nil {
				burnTx = payload.BurnTxHash
			}
		case events.KindBridgeAttested:
			var payload events.BridgeAttested
			if err := events.Unmarshal(evt.Payload, &payload); err == nil {
				signature = payload.Signature
			}
		}
	}
	return burnTx, signature
}

// spawn runs fn on the bounded background worker pool using the engine's
// base context.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		select {
		case e.workers <- struct{}{}:
		case <-e.baseCtx.Done():
			return
		}
		defer func() { <-e.workers }()
		fn(e.baseCtx)
	}()
}

// acquireSlot takes an admission token from the bounded intake queue.
func (e *Engine) acquireSlot() (func(), error) {
	select {
	case e.admission <- struct{}{}:
		e.metrics.SetQueueDepth(len(e.admission))
		return func() {
			<-e.admission
			e.metrics.SetQueueDepth(len(e.admission))
		}, nil
	default:
		e.metrics.RecordOverload()
		return nil, ErrOverloaded
	}
}

// projection returns the committed aggregate for a payment.
func (e *Engine) projection(paymentID string) (*types.Payment, bool) {
	e.mu.RLock()
	p, ok := e.projections[paymentID]
	e.mu.RUnlock()
	return p, ok
}

func (e *Engine) setProjection(p *types.Payment) {
	if p == nil {
		return
	}
	e.mu.Lock()
	e.projections[p.ID] = p
	e.mu.Unlock()
}

// appendEvent validates, durably persists and folds a single event while
// the caller holds the payment's lock. A rejected transition never reaches
// the store; a failed durable write is fatal to the in-flight transition
// and is never masked.
func (e *Engine) appendEvent(ctx context.Context, current *types.Payment, paymentID string, kind events.Kind, payload any) (*types.Payment, error) {
	var expected uint64
	if current != nil {
		expected = current.Seq
	}
	evt, err := events.New(paymentID, kind, e.now(), payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	evt.Seq = expected + 1
	next, err := ledger.Apply(current, evt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if current != nil && next.Status != current.Status && !transitionAllowed(current.Status, next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}
	stored, err := e.store.Append(ctx, evt, expected)
	if err != nil {
		return nil, fmt.Errorf("engine: durable append failed: %w", err)
	}
	if current == nil {
		e.metrics.RecordTransition("none", next.Status.String())
	} else if next.Status != current.Status {
		e.metrics.RecordTransition(current.Status.String(), next.Status.String())
	}
	e.setProjection(next)
	e.emitter.Emit(stored)
	if next.Status.Terminal() {
		if state, encErr := ledger.EncodeSnapshot(next); encErr == nil {
			if saveErr := e.store.SaveSnapshot(ctx, paymentID, next.Seq, state, e.now()); saveErr != nil {
				e.logger.Warn("projection snapshot not persisted", "payment", paymentID, "error", saveErr)
			}
		}
	}
	return next, nil
}
