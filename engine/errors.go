package engine

import "errors"

// Error taxonomy surfaced to command and query callers. Anything the engine
// can classify maps onto one of these; ErrInternal is reserved for the
// remainder.
var (
	// ErrInvalidParameters marks a malformed command.
	ErrInvalidParameters = errors.New("engine: invalid parameters")

	// ErrComplianceRejected marks a payment denied by the pre-admission
	// screen. No ledger event is written.
	ErrComplianceRejected = errors.New("engine: compliance rejected")

	// ErrDuplicate marks a client token already consumed by an accepted
	// command of the same kind.
	ErrDuplicate = errors.New("engine: duplicate client token")

	// ErrInvalidTransition marks a command that does not apply in the
	// payment's current state.
	ErrInvalidTransition = errors.New("engine: invalid transition")

	// ErrUnauthorized marks a caller that is not the party of record.
	ErrUnauthorized = errors.New("engine: unauthorized")

	// ErrAdapterUnavailable marks an open circuit or exhausted retries.
	// Callers may retry later.
	ErrAdapterUnavailable = errors.New("engine: adapter unavailable")

	// ErrSettlementUnconfirmed marks a settlement whose transaction was
	// submitted but whose confirmation has not yet been observed. The
	// payment stays released; the sweeper re-drives confirmation.
	ErrSettlementUnconfirmed = errors.New("engine: settlement unconfirmed")

	// ErrBridgeTimeout marks a cross-chain step that exceeded its
	// deadline; the payment has entered the refund path.
	ErrBridgeTimeout = errors.New("engine: bridge timeout")

	// ErrDoubleSpendSuspected marks a destination delivery that raced an
	// already-submitted refund; operator reconciliation is required.
	ErrDoubleSpendSuspected = errors.New("engine: double spend suspected")

	// ErrOverloaded marks backpressure on the command intake queue.
	ErrOverloaded = errors.New("engine: overloaded")

	// ErrNotFound marks a lookup against an unknown payment.
	ErrNotFound = errors.New("engine: payment not found")

	// ErrInternal covers conditions the engine cannot classify.
	ErrInternal = errors.New("engine: internal error")
)
