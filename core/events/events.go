package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the ledger event types recorded for a payment. The event
// stream is append-only and the payment projection is a deterministic fold
// of it.
type Kind string

const (
	KindAdmitted             Kind = "payment.admitted"
	KindEscrowDeposited      Kind = "payment.escrow_deposited"
	KindYieldSnapshot        Kind = "payment.yield_snapshot"
	KindReleaseRequested     Kind = "payment.release_requested"
	KindDistributionComputed Kind = "payment.distribution_computed"
	KindSettlementSubmitted  Kind = "payment.settlement_submitted"
	KindSettlementConfirmed  Kind = "payment.settlement_confirmed"
	KindBridgeInitiated      Kind = "payment.bridge_initiated"
	KindBridgeAttested       Kind = "payment.bridge_attested"
	KindBridgeDelivered      Kind = "payment.bridge_delivered"
	KindRefundRequested      Kind = "payment.refund_requested"
	KindRefundConfirmed      Kind = "payment.refund_confirmed"
	KindFailed               Kind = "payment.failed"
	KindStale                Kind = "payment.stale_event"
)

// Valid reports whether the kind is one of the recognised ledger kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAdmitted, KindEscrowDeposited, KindYieldSnapshot, KindReleaseRequested,
		KindDistributionComputed, KindSettlementSubmitted, KindSettlementConfirmed,
		KindBridgeInitiated, KindBridgeAttested, KindBridgeDelivered,
		KindRefundRequested, KindRefundConfirmed, KindFailed, KindStale:
		return true
	default:
		return false
	}
}

// Event is a single immutable ledger record. Seq is assigned per payment and
// starts at 1; At is the engine-observed instant in UTC.
type Event struct {
	Seq       uint64
	PaymentID string
	Kind      Kind
	At        time.Time
	Payload   json.RawMessage
}

// EventType implements the emitter Event contract.
func (e Event) EventType() string { return string(e.Kind) }

// Emitter broadcasts ledger events to downstream subscribers (metrics,
// webhooks, indexers). Emission is best-effort and must never influence the
// durable log.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Admitted is the payload recorded when a CreatePayment command passes the
// compliance screen. Monetary fields travel as base-10 micro-unit strings so
// the payload round-trips without precision loss.
type Admitted struct {
	User             string `json:"user"`
	Merchant         string `json:"merchant"`
	Principal        string `json:"principal"`
	Currency         string `json:"currency"`
	SourceChain      string `json:"sourceChain"`
	DestinationChain string `json:"destinationChain"`
	StrategyID       string `json:"strategyId"`
	ClientToken      string `json:"clientToken"`
}

// EscrowDeposited records the confirmed on-chain escrow deposit and, for
// same-chain payments, the strategy position opened for the principal.
type EscrowDeposited struct {
	EscrowRef   string `json:"escrowRef"`
	PositionRef string `json:"positionRef,omitempty"`
}

// YieldSnapshot freezes an accrual observation. Accrued is the cumulative
// total at AsOf, not a delta.
type YieldSnapshot struct {
	APYBps  int64     `json:"apyBps"`
	Accrued string    `json:"accrued"`
	AsOf    time.Time `json:"asOf"`
	Stale   bool      `json:"stale,omitempty"`
}

// ReleaseRequested records an accepted merchant release command.
type ReleaseRequested struct {
	Caller string `json:"caller"`
}

// DistributionComputed pins the final split before any settlement
// transaction is submitted.
type DistributionComputed struct {
	Accrued       string `json:"accrued"`
	UserYield     string `json:"userYield"`
	MerchantYield string `json:"merchantYield"`
	ProtocolYield string `json:"protocolYield"`
}

// SettlementSubmitted records the release transaction handed to the chain
// client.
type SettlementSubmitted struct {
	TxRef string `json:"txRef"`
}

// SettlementConfirmed records on-chain confirmation of the settlement.
type SettlementConfirmed struct {
	TxRef string `json:"txRef"`
}

// BridgeInitiated records the burn submitted on the source chain together
// with the quoted total bridge cost.
type BridgeInitiated struct {
	BridgeRef  string `json:"bridgeRef"`
	BurnTxHash string `json:"burnTxHash"`
	Quote      string `json:"quote"`
}

// BridgeAttested records validator consensus over the source-chain burn.
type BridgeAttested struct {
	Signature string `json:"signature"`
}

// BridgeDelivered records the destination-chain mint and the strategy
// position opened on the destination side.
type BridgeDelivered struct {
	MintTxRef   string `json:"mintTxRef"`
	StrategyID  string `json:"strategyId"`
	PositionRef string `json:"positionRef"`
}

// RefundRequested records the refund submitted on the source chain.
type RefundRequested struct {
	Reason string `json:"reason"`
	TxRef  string `json:"txRef,omitempty"`
}

// RefundConfirmed records on-chain confirmation of the refund.
type RefundConfirmed struct {
	TxRef string `json:"txRef"`
}

// Failed records a terminal failure with its triggering reason.
type Failed struct {
	Reason string `json:"reason"`
}

// Stale records an on-chain event observed for a payment already in a
// terminal state. It never mutates the projection.
type Stale struct {
	Observed string `json:"observed"`
	Detail   string `json:"detail,omitempty"`
}

// Marshal encodes a payload struct for ledger storage.
func Marshal(payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return raw, nil
}

// Unmarshal decodes an event payload into the supplied struct.
func Unmarshal(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty event payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return nil
}

// New constructs an event with a normalised payment identifier and UTC
// timestamp. Seq is assigned by the ledger on append.
func New(paymentID string, kind Kind, at time.Time, payload any) (Event, error) {
	trimmed := strings.TrimSpace(paymentID)
	if trimmed == "" {
		return Event{}, fmt.Errorf("event payment id required")
	}
	if !kind.Valid() {
		return Event{}, fmt.Errorf("invalid event kind: %s", kind)
	}
	raw, err := Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{PaymentID: trimmed, Kind: kind, At: at.UTC(), Payload: raw}, nil
}
