package engine

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"yieldrails/accrual"
	"yieldrails/core/types"
	"yieldrails/strategy"
)

// GetPayment returns the committed payment snapshot plus the live accrued
// yield, which extends the last ledger snapshot with the uncommitted delta
// since then. Queries never take the payment lock.
func (e *Engine) GetPayment(paymentID string) (*types.Payment, *big.Int, error) {
	p, ok := e.projection(paymentID)
	if !ok {
		return nil, nil, ErrNotFound
	}
	snap := p.Clone()
	live := new(big.Int)
	if snap.AccruedYield != nil {
		live.Set(snap.AccruedYield)
	}
	if snap.Status == types.PaymentActive && !snap.AccruedAsOf.IsZero() {
		live.Add(live, accrual.Accrue(snap.Principal, snap.LastAPYBps, e.now().UTC().Sub(snap.AccruedAsOf)))
	}
	return snap, live, nil
}

// ListFilter bounds a payment listing. Status is optional; Cursor is the
// payment identifier the previous page ended on.
type ListFilter struct {
	Status string
	Cursor string
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListPayments returns payments ordered by creation time then identifier,
// with cursor pagination. The returned cursor is empty on the last page.
func (e *Engine) ListPayments(filter ListFilter) ([]*types.Payment, string, error) {
	var wantStatus types.PaymentStatus
	filterStatus := strings.TrimSpace(filter.Status) != ""
	if filterStatus {
		parsed, err := types.ParseStatus(filter.Status)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		wantStatus = parsed
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	all := e.snapshotProjections()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	var page []*types.Payment
	skipping := strings.TrimSpace(filter.Cursor) != ""
	nextCursor := ""
	for _, p := range all {
		if skipping {
			if p.ID == filter.Cursor {
				skipping = false
			}
			continue
		}
		if filterStatus && p.Status != wantStatus {
			continue
		}
		if len(page) == limit {
			nextCursor = page[len(page)-1].ID
			break
		}
		page = append(page, p)
	}
	return page, nextCursor, nil
}

// StrategyHealth is the query-surface view of one adapter's condition.
type StrategyHealth struct {
	StrategyID string
	Healthy    bool
	APYBps     int64
	ObservedAt time.Time
	Age        time.Duration
	Latency    time.Duration
	Breaker    string
}

// StrategyHealthReport summarises every registered strategy from the shared
// snapshot cache and breaker states. A strategy never probed reports as
// unhealthy with a zero observation time.
func (e *Engine) StrategyHealthReport() []StrategyHealth {
	now := e.now().UTC()
	clients := e.strategies.Clients()
	report := make([]StrategyHealth, 0, len(clients))
	for _, client := range clients {
		entry := StrategyHealth{
			StrategyID: client.ID(),
			Breaker:    client.BreakerState().String(),
		}
		if snap, ok := e.strategies.Cache().Get(client.ID()); ok {
			entry.Healthy = snap.Healthy
			entry.APYBps = snap.APYBps
			entry.ObservedAt = snap.ObservedAt
			entry.Age = snap.Age(now)
			entry.Latency = snap.Latency
		}
		report = append(report, entry)
	}
	return report
}

// Strategies exposes the registry for service wiring.
func (e *Engine) Strategies() *strategy.Registry { return e.strategies }
