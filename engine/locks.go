package engine

import "sync"

// paymentLocks serializes transitions per payment. Locks are created on
// first use and retained for the payment's lifetime; the per-entry mutex is
// held across a whole transition including its outbound calls, which is the
// per-payment serialization the engine guarantees. Queries never take these
// locks.
type paymentLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newPaymentLocks() *paymentLocks {
	return &paymentLocks{m: make(map[string]*sync.Mutex)}
}

// acquire locks the payment's mutex and returns the unlock function.
func (l *paymentLocks) acquire(paymentID string) func() {
	l.mu.Lock()
	entry, ok := l.m[paymentID]
	if !ok {
		entry = &sync.Mutex{}
		l.m[paymentID] = entry
	}
	l.mu.Unlock()
	entry.Lock()
	return entry.Unlock
}
