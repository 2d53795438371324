package engine

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"yieldrails/bridge"
	"yieldrails/chain/localchain"
	"yieldrails/core/events"
	"yieldrails/core/types"
	"yieldrails/ledger"
	"yieldrails/strategy"
)

// fakeClock is a mutable time source shared by the engine and the strategy
// clients under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// chanEmitter forwards ledger events to a buffered channel so tests can wait
// for asynchronous drivers deterministically.
type chanEmitter struct {
	ch chan events.Event
}

func (e *chanEmitter) Emit(evt events.Event) {
	select {
	case e.ch <- evt:
	default:
	}
}

// stubChain wraps the in-process chain simulator with overridable hooks.
type stubChain struct {
	*localchain.Client
	depositFn        func(ctx context.Context, opID, user, merchant string, amount *big.Int, strategyTag string) (string, error)
	confirmReleaseFn func(ctx context.Context, txRef string) error
}

func (s *stubChain) Deposit(ctx context.Context, opID, user, merchant string, amount *big.Int, strategyTag string) (string, error) {
	if s.depositFn != nil {
		return s.depositFn(ctx, opID, user, merchant, amount, strategyTag)
	}
	return s.Client.Deposit(ctx, opID, user, merchant, amount, strategyTag)
}

func (s *stubChain) ConfirmRelease(ctx context.Context, txRef string) error {
	if s.confirmReleaseFn != nil {
		return s.confirmReleaseFn(ctx, txRef)
	}
	return s.Client.ConfirmRelease(ctx, txRef)
}

type harness struct {
	eng        *Engine
	store      *ledger.Store
	chain      *stubChain
	adapter    *strategy.StaticAdapter
	registry   *strategy.Registry
	compliance *localchain.Compliance
	clock      *fakeClock
	events     chan events.Event
}

type harnessOptions struct {
	attestor         bridge.Attestor
	deadlines        bridge.Deadlines
	poll             time.Duration
	depositFn        func(ctx context.Context, opID, user, merchant string, amount *big.Int, strategyTag string) (string, error)
	confirmReleaseFn func(ctx context.Context, txRef string) error
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := newFakeClock()
	chains := &stubChain{
		Client:           localchain.NewClient(30),
		depositFn:        opts.depositFn,
		confirmReleaseFn: opts.confirmReleaseFn,
	}
	compliance := localchain.NewCompliance()

	adapter := strategy.NewStaticAdapter(400)
	registry := strategy.NewRegistry(strategy.NewSnapshotCache())
	if _, err := registry.Register("tbill-pool", adapter,
		strategy.WithClock(clock.Now),
		strategy.WithRetrySchedule(strategy.RetrySchedule{
			MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
		}),
	); err != nil {
		t.Fatalf("register strategy: %v", err)
	}

	attestor := opts.attestor
	if attestor == nil {
		attestor = localchain.Attestor()
	}
	deadlines := opts.deadlines
	if deadlines == (bridge.Deadlines{}) {
		deadlines = bridge.Deadlines{Burn: 5 * time.Second, Attestation: 5 * time.Second, Delivery: 5 * time.Second}
	}
	poll := opts.poll
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	coordinator, err := bridge.NewCoordinator(chains, attestor, deadlines, poll)
	if err != nil {
		t.Fatalf("init coordinator: %v", err)
	}

	emitted := make(chan events.Event, 256)
	eng, err := New(store, chains, compliance, registry, coordinator, Settings{
		SnapshotInterval: time.Hour,
	},
		WithClock(clock.Now),
		WithEmitter(&chanEmitter{ch: emitted}),
	)
	if err != nil {
		t.Fatalf("init engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Stop)

	return &harness{
		eng:        eng,
		store:      store,
		chain:      chains,
		adapter:    adapter,
		registry:   registry,
		compliance: compliance,
		clock:      clock,
		events:     emitted,
	}
}

func (h *harness) waitFor(t *testing.T, paymentID string, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-h.events:
			if evt.PaymentID == paymentID && evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", kind, paymentID)
		}
	}
}

// refreshAPY re-reads the live APY so the snapshot cache is fresh at the
// current fake-clock instant.
func (h *harness) refreshAPY(t *testing.T) {
	t.Helper()
	client, err := h.registry.Get("tbill-pool")
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if _, _, err := client.CurrentAPY(context.Background()); err != nil {
		t.Fatalf("refresh apy: %v", err)
	}
}

func sameChainCmd(token string) CreatePaymentCmd {
	return CreatePaymentCmd{
		User:             "0xuser",
		Merchant:         "0xmerchant",
		Principal:        big.NewInt(1_000_000_000_000), // 1,000,000 USDC in micro-units
		Currency:         "USDC",
		SourceChain:      "base",
		DestinationChain: "base",
		StrategyID:       "tbill-pool",
		ClientToken:      token,
	}
}

func TestSameChainLifecycle(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.waitFor(t, id, events.KindYieldSnapshot)

	p, _, err := h.eng.GetPayment(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != types.PaymentActive {
		t.Fatalf("status = %s, want active", p.Status)
	}
	if p.EscrowRef == "" || p.PositionRef == "" {
		t.Fatalf("missing refs: escrow=%q position=%q", p.EscrowRef, p.PositionRef)
	}
	if p.LastAPYBps != 400 {
		t.Fatalf("pinned apy = %d, want 400", p.LastAPYBps)
	}

	h.clock.Advance(365 * 24 * time.Hour)
	h.refreshAPY(t)

	settled, err := h.eng.ReleasePayment(ctx, id, "0xmerchant", "rel-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if settled.Status != types.PaymentCompleted {
		t.Fatalf("status = %s, want completed", settled.Status)
	}
	wantAccrued := big.NewInt(40_000_000_000)
	if settled.AccruedYield.Cmp(wantAccrued) != 0 {
		t.Fatalf("accrued = %s, want %s", settled.AccruedYield, wantAccrued)
	}
	d := settled.Distribution
	if d == nil {
		t.Fatal("no distribution recorded")
	}
	if d.UserYield.Cmp(big.NewInt(28_000_000_000)) != 0 ||
		d.MerchantYield.Cmp(big.NewInt(8_000_000_000)) != 0 ||
		d.ProtocolYield.Cmp(big.NewInt(4_000_000_000)) != 0 {
		t.Fatalf("distribution = %s/%s/%s", d.UserYield, d.MerchantYield, d.ProtocolYield)
	}
	if settled.SettlementTxRef == "" {
		t.Fatal("no settlement transaction recorded")
	}
}

func TestCreatePaymentComplianceRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.compliance.Deny("0xuser", "sanctioned counterparty")

	_, err := h.eng.CreatePayment(context.Background(), sameChainCmd("tok-1"))
	if !errors.Is(err, ErrComplianceRejected) {
		t.Fatalf("err = %v, want ErrComplianceRejected", err)
	}
}

func TestCreatePaymentDuplicateToken(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dupID, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if dupID != id {
		t.Fatalf("duplicate returned %q, want original %q", dupID, id)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreatePaymentCmd)
	}{
		{"missing user", func(c *CreatePaymentCmd) { c.User = "" }},
		{"zero principal", func(c *CreatePaymentCmd) { c.Principal = big.NewInt(0) }},
		{"negative principal", func(c *CreatePaymentCmd) { c.Principal = big.NewInt(-5) }},
		{"unsupported currency", func(c *CreatePaymentCmd) { c.Currency = "DOGE" }},
		{"missing chain", func(c *CreatePaymentCmd) { c.SourceChain = "" }},
		{"unknown strategy", func(c *CreatePaymentCmd) { c.StrategyID = "moonshot" }},
		{"missing token", func(c *CreatePaymentCmd) { c.ClientToken = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := sameChainCmd("tok-" + tc.name)
			tc.mutate(&cmd)
			if _, err := h.eng.CreatePayment(ctx, cmd); !errors.Is(err, ErrInvalidParameters) {
				t.Fatalf("err = %v, want ErrInvalidParameters", err)
			}
		})
	}
}

func TestCancelWhilePending(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	h := newHarness(t, harnessOptions{
		depositFn: func(ctx context.Context, opID, user, merchant string, amount *big.Int, strategyTag string) (string, error) {
			close(started)
			<-gate
			return "escrow-slow", nil
		},
	})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started

	if err := h.eng.CancelPayment(ctx, id, "0xuser", "cancel-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(gate)

	p, _, err := h.eng.GetPayment(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != types.PaymentFailed {
		t.Fatalf("status = %s, want failed", p.Status)
	}
	if p.FailureReason != "cancelled by user" {
		t.Fatalf("reason = %q", p.FailureReason)
	}

	// Cancelling an already-terminal payment is rejected.
	err = h.eng.CancelPayment(ctx, id, "0xuser", "cancel-2")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelRequiresPayingUser(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	h := newHarness(t, harnessOptions{
		depositFn: func(ctx context.Context, opID, user, merchant string, amount *big.Int, strategyTag string) (string, error) {
			close(started)
			<-gate
			return "escrow-slow", nil
		},
	})
	defer close(gate)
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started
	if err := h.eng.CancelPayment(ctx, id, "0xmerchant", "cancel-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestDepositFailureFailsPayment(t *testing.T) {
	h := newHarness(t, harnessOptions{
		depositFn: func(ctx context.Context, opID, user, merchant string, amount *big.Int, strategyTag string) (string, error) {
			return "", errors.New("insufficient funds")
		},
	})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.waitFor(t, id, events.KindFailed)

	p, _, err := h.eng.GetPayment(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != types.PaymentFailed {
		t.Fatalf("status = %s, want failed", p.Status)
	}
}

func TestReleaseRequiresMerchant(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.waitFor(t, id, events.KindYieldSnapshot)

	if _, err := h.eng.ReleasePayment(ctx, id, "0xuser", "rel-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestReleaseIdempotentToken(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.waitFor(t, id, events.KindYieldSnapshot)
	h.refreshAPY(t)

	first, err := h.eng.ReleasePayment(ctx, id, "0xmerchant", "rel-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if first.Status != types.PaymentCompleted {
		t.Fatalf("status = %s, want completed", first.Status)
	}

	again, err := h.eng.ReleasePayment(ctx, id, "0xmerchant", "rel-1")
	if err != nil {
		t.Fatalf("idempotent release: %v", err)
	}
	if again.Status != types.PaymentCompleted {
		t.Fatalf("idempotent status = %s", again.Status)
	}
	if again.Seq != first.Seq {
		t.Fatalf("idempotent release appended events: seq %d vs %d", again.Seq, first.Seq)
	}

	// A fresh token against the completed payment is an invalid transition.
	if _, err := h.eng.ReleasePayment(ctx, id, "0xmerchant", "rel-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestReleaseHeldOnStaleStrategyData(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.waitFor(t, id, events.KindYieldSnapshot)

	// Past the hard stale limit with no fresh APY observation, release
	// refuses to freeze yield.
	h.clock.Advance(11 * time.Minute)
	if _, err := h.eng.ReleasePayment(ctx, id, "0xmerchant", "rel-1"); !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("err = %v, want ErrAdapterUnavailable", err)
	}

	// A fresh observation unblocks it.
	h.refreshAPY(t)
	settled, err := h.eng.ReleasePayment(ctx, id, "0xmerchant", "rel-2")
	if err != nil {
		t.Fatalf("release after refresh: %v", err)
	}
	if settled.Status != types.PaymentCompleted {
		t.Fatalf("status = %s, want completed", settled.Status)
	}
}

func TestGetPaymentLiveAccrual(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.waitFor(t, id, events.KindYieldSnapshot)

	h.clock.Advance(30 * 24 * time.Hour)
	_, live, err := h.eng.GetPayment(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// 1e12 * 400bps * 30d/365d, floored.
	want := big.NewInt(3_287_671_232)
	if live.Cmp(want) != 0 {
		t.Fatalf("live accrued = %s, want %s", live, want)
	}
}

func TestListPaymentsFilterAndPagination(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Second)
		cmd := sameChainCmd("tok-" + string(rune('a'+i)))
		id, err := h.eng.CreatePayment(ctx, cmd)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		h.waitFor(t, id, events.KindYieldSnapshot)
	}

	active, _, err := h.eng.ListPayments(ListFilter{Status: "active"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("active payments = %d, want 3", len(active))
	}

	page, cursor, err := h.eng.ListPayments(ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page) != 2 || cursor == "" {
		t.Fatalf("page 1 = %d items, cursor %q", len(page), cursor)
	}
	rest, next, err := h.eng.ListPayments(ListFilter{Cursor: cursor, Limit: 2})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(rest) != 1 || next != "" {
		t.Fatalf("page 2 = %d items, cursor %q", len(rest), next)
	}
	if rest[0].ID == page[0].ID || rest[0].ID == page[1].ID {
		t.Fatal("pagination returned an overlapping payment")
	}

	if _, _, err := h.eng.ListPayments(ListFilter{Status: "nonsense"}); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("err = %v, want ErrInvalidParameters", err)
	}
}

func TestRecoveryAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	open := func() (*Engine, *ledger.Store) {
		store, err := ledger.Open(path)
		if err != nil {
			t.Fatalf("open ledger: %v", err)
		}
		registry := strategy.NewRegistry(strategy.NewSnapshotCache())
		if _, err := registry.Register("tbill-pool", strategy.NewStaticAdapter(400)); err != nil {
			t.Fatalf("register strategy: %v", err)
		}
		chains := localchain.NewClient(30)
		coordinator, err := bridge.NewCoordinator(chains, localchain.Attestor(), bridge.Deadlines{
			Burn: 5 * time.Second, Attestation: 5 * time.Second, Delivery: 5 * time.Second,
		}, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("init coordinator: %v", err)
		}
		eng, err := New(store, chains, localchain.NewCompliance(), registry, coordinator, Settings{
			SnapshotInterval: time.Hour,
		})
		if err != nil {
			t.Fatalf("init engine: %v", err)
		}
		if err := eng.Start(context.Background()); err != nil {
			t.Fatalf("start engine: %v", err)
		}
		return eng, store
	}

	eng, store := open()
	ctx := context.Background()
	id, err := eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		p, _, err := eng.GetPayment(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if p.Status == types.PaymentActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("payment never activated")
		}
		time.Sleep(10 * time.Millisecond)
	}
	settled, err := eng.ReleasePayment(ctx, id, "0xmerchant", "rel-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if settled.Status != types.PaymentCompleted {
		t.Fatalf("status = %s, want completed", settled.Status)
	}
	eng.Stop()
	_ = store.Close()

	restarted, store2 := open()
	t.Cleanup(func() { restarted.Stop(); _ = store2.Close() })
	recovered, _, err := restarted.GetPayment(id)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if recovered.Status != types.PaymentCompleted {
		t.Fatalf("recovered status = %s, want completed", recovered.Status)
	}
	if recovered.AccruedYield.Cmp(settled.AccruedYield) != 0 {
		t.Fatalf("recovered accrued = %s, want %s", recovered.AccruedYield, settled.AccruedYield)
	}
	if recovered.SettlementTxRef != settled.SettlementTxRef {
		t.Fatalf("recovered settlement tx = %q", recovered.SettlementTxRef)
	}
	// A duplicate create token survives the restart.
	dupID, err := restarted.CreatePayment(ctx, sameChainCmd("tok-1"))
	if !errors.Is(err, ErrDuplicate) || dupID != id {
		t.Fatalf("duplicate after restart: id=%q err=%v", dupID, err)
	}
}

func TestSettlementConfirmationFailureHoldsReleased(t *testing.T) {
	var confirmable atomic.Bool
	h := newHarness(t, harnessOptions{
		confirmReleaseFn: func(ctx context.Context, txRef string) error {
			if confirmable.Load() {
				return nil
			}
			return errors.New("rpc unreachable")
		},
	})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.waitFor(t, id, events.KindYieldSnapshot)

	// Confirmation is down; the release is still accepted and the payment
	// must hold in released. The escrow was paid out to the merchant, so a
	// refund here would be a double payout.
	held, err := h.eng.ReleasePayment(ctx, id, "0xmerchant", "rel-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if held.Status != types.PaymentReleased {
		t.Fatalf("status = %s, want released", held.Status)
	}
	if held.SettlementTxRef == "" {
		t.Fatal("no settlement transaction recorded")
	}
	if held.RefundTxRef != "" {
		t.Fatalf("refund submitted for a settled escrow: %s", held.RefundTxRef)
	}
	if held.FailureReason != "" {
		t.Fatalf("failure recorded: %q", held.FailureReason)
	}

	// Once confirmation comes back the sweeper's re-drive completes the
	// payment against the same settlement transaction.
	confirmable.Store(true)
	if err := h.eng.driveSettlement(ctx, id); err != nil {
		t.Fatalf("re-drive: %v", err)
	}
	p, _, err := h.eng.GetPayment(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != types.PaymentCompleted {
		t.Fatalf("status = %s, want completed", p.Status)
	}
	if p.SettlementTxRef != held.SettlementTxRef {
		t.Fatalf("settlement tx changed across re-drive: %q vs %q", p.SettlementTxRef, held.SettlementTxRef)
	}
	if p.RefundTxRef != "" {
		t.Fatalf("refund submitted: %s", p.RefundTxRef)
	}
}

func TestAPYChangeRepricesAccrual(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.waitFor(t, id, events.KindYieldSnapshot)

	// Thirty days at the opening 400bps, then the strategy reprices.
	h.clock.Advance(30 * 24 * time.Hour)
	h.adapter.SetAPY(250)
	h.refreshAPY(t)

	evt := h.waitFor(t, id, events.KindYieldSnapshot)
	var snap events.YieldSnapshot
	if err := events.Unmarshal(evt.Payload, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.APYBps != 250 {
		t.Fatalf("pinned apy = %d, want 250", snap.APYBps)
	}
	// The closed segment is still priced at the old rate:
	// 1e12 * 400bps * 30d/365d, floored.
	seg1 := big.NewInt(3_287_671_232)
	if snap.Accrued != seg1.String() {
		t.Fatalf("segment accrued = %s, want %s", snap.Accrued, seg1)
	}

	// Thirty more days run at 250bps.
	h.clock.Advance(30 * 24 * time.Hour)
	h.refreshAPY(t)
	settled, err := h.eng.ReleasePayment(ctx, id, "0xmerchant", "rel-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	seg2 := big.NewInt(2_054_794_520)
	want := new(big.Int).Add(seg1, seg2)
	if settled.AccruedYield.Cmp(want) != 0 {
		t.Fatalf("accrued = %s, want %s", settled.AccruedYield, want)
	}
}

func TestCancelRetryAfterFailedAppend(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	h := newHarness(t, harnessOptions{
		depositFn: func(ctx context.Context, opID, user, merchant string, amount *big.Int, strategyTag string) (string, error) {
			close(started)
			<-gate
			return "escrow-slow", nil
		},
	})
	defer close(gate)
	ctx := context.Background()

	id, err := h.eng.CreatePayment(ctx, sameChainCmd("tok-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started

	// Occupy the next ledger slot behind the engine's back so the cancel
	// event collides on append.
	conflict, err := events.New(id, events.KindStale, h.clock.Now(), events.Stale{
		Observed: "out-of-band", Detail: "slot taken",
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if _, err := h.store.Append(ctx, conflict, 1); err != nil {
		t.Fatalf("seed conflict: %v", err)
	}

	err = h.eng.CancelPayment(ctx, id, "0xuser", "cancel-1")
	if !errors.Is(err, ledger.ErrSequenceConflict) {
		t.Fatalf("err = %v, want sequence conflict", err)
	}
	// The claim must not outlive the failed append, or every retry with
	// the same token would be treated as already applied.
	if _, found, err := h.store.LookupToken(ctx, "cancel-1", commandCancel); err != nil || found {
		t.Fatalf("token still bound after failed append: found=%v err=%v", found, err)
	}
}

func TestOverloadedIntakeQueue(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	// Fill the admission queue manually so the next command is shed.
	for i := 0; i < cap(h.eng.admission); i++ {
		h.eng.admission <- struct{}{}
	}
	_, err := h.eng.CreatePayment(context.Background(), sameChainCmd("tok-over"))
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
}
