// Package chain declares the on-chain collaborator interfaces the engine
// consumes. The contracts themselves live elsewhere; the engine only
// submits transactions and observes their confirmations.
package chain

import (
	"context"
	"math/big"
)

// Distribution mirrors the settlement triple handed to the escrow release
// call.
type Distribution struct {
	UserYield     *big.Int
	MerchantYield *big.Int
	ProtocolYield *big.Int
}

// Client submits escrow and bridge transactions and waits for their
// confirmations. Every method takes the deterministic opID the engine
// derives from (paymentId, eventSeq) so implementations can deduplicate
// resubmissions, and honours the context deadline.
type Client interface {
	// Deposit locks the principal in escrow on the source chain and blocks
	// until the deposit is confirmed, returning the escrow reference.
	Deposit(ctx context.Context, opID, user, merchant string, amount *big.Int, strategyTag string) (string, error)

	// Release settles the escrow: principal to the merchant plus the yield
	// distribution. Returns the settlement transaction reference once
	// submitted; confirmation is awaited separately.
	Release(ctx context.Context, opID, escrowRef string, dist Distribution) (string, error)

	// ConfirmRelease blocks until the settlement transaction is confirmed.
	ConfirmRelease(ctx context.Context, txRef string) error

	// Refund returns the escrowed principal to the user. Returns the refund
	// transaction reference once submitted.
	Refund(ctx context.Context, opID, escrowRef string) (string, error)

	// ConfirmRefund blocks until the refund transaction is confirmed.
	ConfirmRefund(ctx context.Context, txRef string) error

	// QuoteBridge estimates the total cross-chain cost (bridge fee plus
	// destination gas) in micro-units.
	QuoteBridge(ctx context.Context, sourceChain, destinationChain string, amount *big.Int) (*big.Int, error)

	// BurnOnSource burns the bridged principal on the source chain and
	// returns the burn transaction hash used for attestation.
	BurnOnSource(ctx context.Context, opID, escrowRef, destinationChain string) (string, error)

	// MintOnDestination mints on the destination chain against the
	// attested burn and blocks until confirmed, returning the mint
	// transaction reference.
	MintOnDestination(ctx context.Context, opID, burnTxHash, signature, destinationChain string) (string, error)
}

// ComplianceChecker screens a payment before admission. The verdict is
// advisory: a deny fails CreatePayment without writing any ledger event.
type ComplianceChecker interface {
	Screen(ctx context.Context, user, merchant string, amount *big.Int, currency string) (allow bool, reason string, err error)
}
