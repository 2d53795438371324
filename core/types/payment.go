package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// PaymentStatus represents the lifecycle states supported by the payment
// orchestration engine.
type PaymentStatus uint8

const (
	PaymentPending PaymentStatus = iota
	PaymentActive
	PaymentReleasing
	PaymentReleased
	PaymentBridging
	PaymentCompleted
	PaymentFailing
	PaymentRefunded
	PaymentFailed
)

// String renders the canonical lowercase status name used in the ledger and
// on the query surface.
func (s PaymentStatus) String() string {
	switch s {
	case PaymentPending:
		return "pending"
	case PaymentActive:
		return "active"
	case PaymentReleasing:
		return "releasing"
	case PaymentReleased:
		return "released"
	case PaymentBridging:
		return "bridging"
	case PaymentCompleted:
		return "completed"
	case PaymentFailing:
		return "failing"
	case PaymentRefunded:
		return "refunded"
	case PaymentFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s PaymentStatus) Valid() bool {
	return s <= PaymentFailed
}

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentRefunded, PaymentFailed:
		return true
	default:
		return false
	}
}

// ParseStatus resolves a canonical status name back to its enum value.
func ParseStatus(raw string) (PaymentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return PaymentPending, nil
	case "active":
		return PaymentActive, nil
	case "releasing":
		return PaymentReleasing, nil
	case "released":
		return PaymentReleased, nil
	case "bridging":
		return PaymentBridging, nil
	case "completed":
		return PaymentCompleted, nil
	case "failing":
		return PaymentFailing, nil
	case "refunded":
		return PaymentRefunded, nil
	case "failed":
		return PaymentFailed, nil
	default:
		return 0, fmt.Errorf("unknown payment status: %q", raw)
	}
}

// Distribution records the final yield split between the three recipients.
// The shares always sum to the frozen accrued yield; rounding residue is
// assigned to the protocol share.
type Distribution struct {
	UserYield     *big.Int
	MerchantYield *big.Int
	ProtocolYield *big.Int
}

// Clone returns a deep copy of the distribution.
func (d *Distribution) Clone() *Distribution {
	if d == nil {
		return nil
	}
	return &Distribution{
		UserYield:     cloneBigInt(d.UserYield),
		MerchantYield: cloneBigInt(d.MerchantYield),
		ProtocolYield: cloneBigInt(d.ProtocolYield),
	}
}

// Total sums the three shares.
func (d *Distribution) Total() *big.Int {
	if d == nil {
		return big.NewInt(0)
	}
	total := new(big.Int)
	if d.UserYield != nil {
		total.Add(total, d.UserYield)
	}
	if d.MerchantYield != nil {
		total.Add(total, d.MerchantYield)
	}
	if d.ProtocolYield != nil {
		total.Add(total, d.ProtocolYield)
	}
	return total
}

// Payment captures the primary aggregate managed by the engine. All monetary
// fields are expressed in micro-units of the stable currency (six fractional
// digits) and must never pass through binary floating point.
type Payment struct {
	ID               string
	User             string
	Merchant         string
	Principal        *big.Int
	Currency         string
	SourceChain      string
	DestinationChain string
	StrategyID       string
	Status           PaymentStatus

	CreatedAt    time.Time
	ActivatedAt  time.Time
	ReleasedAt   time.Time
	TerminatedAt time.Time

	AccruedYield *big.Int
	AccruedAsOf  time.Time
	LastAPYBps   int64

	Distribution *Distribution

	EscrowRef   string
	PositionRef string
	BridgeRef   string
	BridgeQuote *big.Int

	RefundTxRef     string
	SettlementTxRef string
	FailureReason   string

	// Seq is the sequence number of the last ledger event folded into this
	// projection.
	Seq uint64
}

// CrossChain reports whether the payment settles on a different chain than
// it was funded on.
func (p *Payment) CrossChain() bool {
	if p == nil {
		return false
	}
	return p.SourceChain != p.DestinationChain
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored projection.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Principal = cloneBigInt(p.Principal)
	clone.AccruedYield = cloneBigInt(p.AccruedYield)
	clone.BridgeQuote = cloneBigInt(p.BridgeQuote)
	clone.Distribution = p.Distribution.Clone()
	return &clone
}

// NormalizeCurrency ensures the provided stable-unit code matches a supported
// value and returns the canonical uppercase form.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	switch trimmed {
	case "USDC", "RLUSD", "EURC":
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported stable currency: %s", code)
	}
}

// SanitizePayment validates and normalises the supplied payment, returning a
// cloned instance with canonical currency casing and non-nil monetary fields.
// The original value is not mutated.
func SanitizePayment(p *Payment) (*Payment, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payment")
	}
	clone := p.Clone()
	currency, err := NormalizeCurrency(clone.Currency)
	if err != nil {
		return nil, err
	}
	clone.Currency = currency
	if clone.Principal == nil {
		clone.Principal = big.NewInt(0)
	}
	if clone.Principal.Sign() <= 0 {
		return nil, fmt.Errorf("payment principal must be positive")
	}
	if clone.AccruedYield == nil {
		clone.AccruedYield = big.NewInt(0)
	}
	if clone.AccruedYield.Sign() < 0 {
		return nil, fmt.Errorf("payment accrued yield must be non-negative")
	}
	if strings.TrimSpace(clone.User) == "" || strings.TrimSpace(clone.Merchant) == "" {
		return nil, fmt.Errorf("payment parties must be set")
	}
	if strings.TrimSpace(clone.SourceChain) == "" || strings.TrimSpace(clone.DestinationChain) == "" {
		return nil, fmt.Errorf("payment chains must be set")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid payment status: %d", clone.Status)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
