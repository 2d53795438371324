// Package accrual implements the time-weighted yield arithmetic used by the
// payment engine. All computation is integer-only over micro-unit amounts;
// binary floating point never touches the accrual or distribution paths.
package accrual

import (
	"fmt"
	"math/big"
	"time"
)

// SecondsPerYear is the accrual year constant (365 days).
const SecondsPerYear = 365 * 86_400

var (
	bpsDenominator = big.NewInt(10_000)
	yearSeconds    = big.NewInt(SecondsPerYear)
	// accrualDenominator = 10_000 * SecondsPerYear, the combined divisor of
	// the piecewise-linear accrual formula.
	accrualDenominator = new(big.Int).Mul(bpsDenominator, yearSeconds)
)

// Accrue returns the yield earned by principal at a constant apyBps over the
// elapsed interval:
//
//	principal * apyBps * seconds / (10_000 * SecondsPerYear)
//
// The result is floored to the smallest micro-unit. Negative inputs yield
// zero; intermediate products use arbitrary precision so principals up to
// 10^12 stable-units over ten-year spans cannot overflow.
func Accrue(principal *big.Int, apyBps int64, elapsed time.Duration) *big.Int {
	if principal == nil || principal.Sign() <= 0 || apyBps <= 0 || elapsed <= 0 {
		return big.NewInt(0)
	}
	seconds := int64(elapsed / time.Second)
	if seconds <= 0 {
		return big.NewInt(0)
	}
	delta := new(big.Int).Mul(principal, big.NewInt(apyBps))
	delta.Mul(delta, big.NewInt(seconds))
	return delta.Quo(delta, accrualDenominator)
}

// Policy fixes the yield split between the three recipients in basis points.
type Policy struct {
	UserBps     int64
	MerchantBps int64
	ProtocolBps int64
}

// DefaultPolicy is the 70/20/10 user/merchant/protocol split.
var DefaultPolicy = Policy{UserBps: 7000, MerchantBps: 2000, ProtocolBps: 1000}

// Valid reports whether the policy shares are non-negative and sum to
// 10_000 bps.
func (p Policy) Valid() bool {
	if p.UserBps < 0 || p.MerchantBps < 0 || p.ProtocolBps < 0 {
		return false
	}
	return p.UserBps+p.MerchantBps+p.ProtocolBps == 10_000
}

// Split divides the frozen accrued yield between user, merchant and protocol.
// User and merchant shares are floored; the residual is assigned to the
// protocol so the three shares always sum exactly to accrued.
func (p Policy) Split(accrued *big.Int) (user, merchant, protocol *big.Int, err error) {
	if !p.Valid() {
		return nil, nil, nil, fmt.Errorf("accrual: invalid distribution policy %+v", p)
	}
	total := new(big.Int)
	if accrued != nil {
		total.Set(accrued)
	}
	if total.Sign() < 0 {
		return nil, nil, nil, fmt.Errorf("accrual: negative accrued yield")
	}
	user = new(big.Int).Mul(total, big.NewInt(p.UserBps))
	user.Quo(user, bpsDenominator)
	merchant = new(big.Int).Mul(total, big.NewInt(p.MerchantBps))
	merchant.Quo(merchant, bpsDenominator)
	protocol = new(big.Int).Sub(total, user)
	protocol.Sub(protocol, merchant)
	return user, merchant, protocol, nil
}
