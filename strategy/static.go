package strategy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// StaticAdapter is an in-memory Adapter yielding a fixed APY. It backs
// development deployments and tests; positions are tracked per allocation and
// deduplicated by opID like a real protocol integration would.
type StaticAdapter struct {
	mu        sync.Mutex
	apyBps    int64
	positions map[string]string // opID -> positionRef
	counter   uint64
	now       func() time.Time
}

// NewStaticAdapter constructs the adapter with the given fixed APY.
func NewStaticAdapter(apyBps int64) *StaticAdapter {
	return &StaticAdapter{
		apyBps:    apyBps,
		positions: make(map[string]string),
		now:       time.Now,
	}
}

// SetAPY updates the advertised APY.
func (a *StaticAdapter) SetAPY(apyBps int64) {
	a.mu.Lock()
	a.apyBps = apyBps
	a.mu.Unlock()
}

// Allocate implements Adapter.
func (a *StaticAdapter) Allocate(ctx context.Context, opID, paymentID string, amount *big.Int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", Permanent(fmt.Errorf("allocation amount must be positive"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ref, ok := a.positions[opID]; ok {
		return ref, nil
	}
	a.counter++
	ref := fmt.Sprintf("pos-%06d", a.counter)
	a.positions[opID] = ref
	return ref, nil
}

// Withdraw implements Adapter.
func (a *StaticAdapter) Withdraw(ctx context.Context, opID, positionRef string, amount *big.Int) (Settlement, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}
	a.mu.Lock()
	a.counter++
	txRef := fmt.Sprintf("wd-%06d", a.counter)
	a.mu.Unlock()
	settled := new(big.Int)
	if amount != nil {
		settled.Set(amount)
	}
	return Settlement{TxRef: txRef, Amount: settled, SettledAt: a.now().UTC()}, nil
}

// CurrentAPY implements Adapter.
func (a *StaticAdapter) CurrentAPY(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apyBps, nil
}

// Health implements Adapter.
func (a *StaticAdapter) Health(ctx context.Context) (bool, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	return true, time.Millisecond, nil
}
