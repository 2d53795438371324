package engine

import "yieldrails/core/types"

// transitionAllowed whitelists the payment lifecycle. Any state change the
// engine commits must traverse one of these edges; everything else is
// rejected before an event is appended.
func transitionAllowed(from, to types.PaymentStatus) bool {
	switch from {
	case types.PaymentPending:
		switch to {
		case types.PaymentActive, types.PaymentBridging, types.PaymentFailed:
			return true
		}
	case types.PaymentActive:
		switch to {
		case types.PaymentReleasing, types.PaymentFailing:
			return true
		}
	case types.PaymentReleasing:
		switch to {
		case types.PaymentReleased, types.PaymentFailing:
			return true
		}
	case types.PaymentReleased:
		// Once the settlement transaction is submitted the only way
		// forward is confirmation. Refunding a released escrow would
		// risk paying out both legs.
		switch to {
		case types.PaymentCompleted:
			return true
		}
	case types.PaymentBridging:
		switch to {
		case types.PaymentActive, types.PaymentFailing:
			return true
		}
	case types.PaymentFailing:
		switch to {
		case types.PaymentRefunded, types.PaymentFailed:
			return true
		case types.PaymentActive:
			// Halt-refund edge: a bridge delivery observed before the
			// refund transaction was submitted cancels the refund and
			// reactivates the payment on the destination chain.
			return true
		}
	}
	return false
}
