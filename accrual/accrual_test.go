package accrual

import (
	"math/big"
	"testing"
	"time"
)

func TestAccrueFullYear(t *testing.T) {
	principal := big.NewInt(1_000_000_000_000) // 1,000,000 units in micro-units
	got := Accrue(principal, 400, 365*24*time.Hour)
	want := big.NewInt(40_000_000_000)
	if got.Cmp(want) != 0 {
		t.Fatalf("full-year accrual = %s, want %s", got, want)
	}
}

func TestAccruePartialInterval(t *testing.T) {
	principal := big.NewInt(1_000_000_000) // 1,000 units
	got := Accrue(principal, 500, 30*24*time.Hour)
	// 1_000_000_000 * 500 * 2_592_000 / (10_000 * 31_536_000), floored.
	want := big.NewInt(4_109_589)
	if got.Cmp(want) != 0 {
		t.Fatalf("30-day accrual = %s, want %s", got, want)
	}
}

func TestAccrueFloorsSubUnitAmounts(t *testing.T) {
	// One second at 1 bps on a single micro-unit floors to zero.
	got := Accrue(big.NewInt(1), 1, time.Second)
	if got.Sign() != 0 {
		t.Fatalf("sub-unit accrual = %s, want 0", got)
	}
}

func TestAccrueDegenerateInputs(t *testing.T) {
	cases := []struct {
		name      string
		principal *big.Int
		apyBps    int64
		elapsed   time.Duration
	}{
		{"nil principal", nil, 400, time.Hour},
		{"zero principal", big.NewInt(0), 400, time.Hour},
		{"negative principal", big.NewInt(-5), 400, time.Hour},
		{"zero apy", big.NewInt(1000), 0, time.Hour},
		{"negative apy", big.NewInt(1000), -10, time.Hour},
		{"zero elapsed", big.NewInt(1000), 400, 0},
		{"negative elapsed", big.NewInt(1000), 400, -time.Hour},
		{"sub-second elapsed", big.NewInt(1000), 400, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Accrue(tc.principal, tc.apyBps, tc.elapsed); got.Sign() != 0 {
				t.Fatalf("accrual = %s, want 0", got)
			}
		})
	}
}

func TestAccrueLargePrincipalNoOverflow(t *testing.T) {
	// 10^12 units over ten years at 10000 bps would overflow int64 maths.
	principal := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	got := Accrue(principal, 10_000, 10*365*24*time.Hour)
	want := new(big.Int).Mul(principal, big.NewInt(10))
	if got.Cmp(want) != 0 {
		t.Fatalf("ten-year accrual = %s, want %s", got, want)
	}
}

func TestDefaultPolicySplit(t *testing.T) {
	user, merchant, protocol, err := DefaultPolicy.Split(big.NewInt(40_000_000_000))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if user.Cmp(big.NewInt(28_000_000_000)) != 0 {
		t.Fatalf("user share = %s", user)
	}
	if merchant.Cmp(big.NewInt(8_000_000_000)) != 0 {
		t.Fatalf("merchant share = %s", merchant)
	}
	if protocol.Cmp(big.NewInt(4_000_000_000)) != 0 {
		t.Fatalf("protocol share = %s", protocol)
	}
}

func TestSplitResidualGoesToProtocol(t *testing.T) {
	// 101 micro-units: user floors to 70, merchant to 20, protocol takes 11.
	user, merchant, protocol, err := DefaultPolicy.Split(big.NewInt(101))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if user.Int64() != 70 || merchant.Int64() != 20 || protocol.Int64() != 11 {
		t.Fatalf("split = %s/%s/%s, want 70/20/11", user, merchant, protocol)
	}
	total := new(big.Int).Add(user, merchant)
	total.Add(total, protocol)
	if total.Int64() != 101 {
		t.Fatalf("shares sum to %s, want 101", total)
	}
}

func TestSplitConservationProperty(t *testing.T) {
	for _, accrued := range []int64{0, 1, 2, 3, 9, 10, 99, 100, 12_345, 1_000_001} {
		user, merchant, protocol, err := DefaultPolicy.Split(big.NewInt(accrued))
		if err != nil {
			t.Fatalf("split %d: %v", accrued, err)
		}
		total := new(big.Int).Add(user, merchant)
		total.Add(total, protocol)
		if total.Int64() != accrued {
			t.Fatalf("accrued %d: shares sum to %s", accrued, total)
		}
		if user.Sign() < 0 || merchant.Sign() < 0 || protocol.Sign() < 0 {
			t.Fatalf("accrued %d: negative share %s/%s/%s", accrued, user, merchant, protocol)
		}
	}
}

func TestSplitRejectsInvalidPolicy(t *testing.T) {
	bad := Policy{UserBps: 7000, MerchantBps: 2000, ProtocolBps: 500}
	if bad.Valid() {
		t.Fatal("policy summing to 9500 bps reported valid")
	}
	if _, _, _, err := bad.Split(big.NewInt(100)); err == nil {
		t.Fatal("expected error for invalid policy")
	}
}

func TestSplitRejectsNegativeAccrued(t *testing.T) {
	if _, _, _, err := DefaultPolicy.Split(big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative accrued yield")
	}
}
