// Package localchain provides an in-process chain client, attestor and
// compliance checker. It backs development deployments of the payment daemon
// and the engine test suites; every transaction is simulated in memory with
// deterministic references keyed by the caller's operation identifier.
package localchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"yieldrails/bridge"
	"yieldrails/chain"
)

// Client is an in-memory chain.Client. Submissions are deduplicated by opID,
// mirroring the idempotency a real contract wrapper provides.
type Client struct {
	mu       sync.Mutex
	escrows  map[string]string // opID -> escrowRef
	txs      map[string]string // opID -> txRef
	burns    map[string]string // opID -> burnTxHash
	counter  uint64
	quoteBps int64
}

// NewClient constructs a simulator quoting bridge costs at the given basis
// points of the transferred amount.
func NewClient(quoteBps int64) *Client {
	if quoteBps < 0 {
		quoteBps = 0
	}
	return &Client{
		escrows:  make(map[string]string),
		txs:      make(map[string]string),
		burns:    make(map[string]string),
		quoteBps: quoteBps,
	}
}

func (c *Client) nextRef(prefix string) string {
	c.counter++
	return fmt.Sprintf("%s-%06d", prefix, c.counter)
}

// Deposit implements chain.Client.
func (c *Client) Deposit(ctx context.Context, opID, user, merchant string, amount *big.Int, strategyTag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("localchain: deposit amount must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.escrows[opID]; ok {
		return ref, nil
	}
	ref := c.nextRef("escrow")
	c.escrows[opID] = ref
	return ref, nil
}

// Release implements chain.Client.
func (c *Client) Release(ctx context.Context, opID, escrowRef string, dist chain.Distribution) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(escrowRef) == "" {
		return "", fmt.Errorf("localchain: escrow reference required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.txs[opID]; ok {
		return ref, nil
	}
	ref := c.nextRef("settle")
	c.txs[opID] = ref
	return ref, nil
}

// ConfirmRelease implements chain.Client.
func (c *Client) ConfirmRelease(ctx context.Context, txRef string) error {
	return ctx.Err()
}

// Refund implements chain.Client.
func (c *Client) Refund(ctx context.Context, opID, escrowRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.txs[opID]; ok {
		return ref, nil
	}
	ref := c.nextRef("refund")
	c.txs[opID] = ref
	return ref, nil
}

// ConfirmRefund implements chain.Client.
func (c *Client) ConfirmRefund(ctx context.Context, txRef string) error {
	return ctx.Err()
}

// QuoteBridge implements chain.Client.
func (c *Client) QuoteBridge(ctx context.Context, sourceChain, destinationChain string, amount *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	quote := new(big.Int)
	if amount != nil && amount.Sign() > 0 {
		quote.Mul(amount, big.NewInt(c.quoteBps))
		quote.Quo(quote, big.NewInt(10_000))
	}
	return quote, nil
}

// BurnOnSource implements chain.Client.
func (c *Client) BurnOnSource(ctx context.Context, opID, escrowRef, destinationChain string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if hash, ok := c.burns[opID]; ok {
		return hash, nil
	}
	hash := c.nextRef("burn")
	c.burns[opID] = hash
	return hash, nil
}

// MintOnDestination implements chain.Client.
func (c *Client) MintOnDestination(ctx context.Context, opID, burnTxHash, signature, destinationChain string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(signature) == "" {
		return "", fmt.Errorf("localchain: attestation signature required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.txs[opID]; ok {
		return ref, nil
	}
	ref := c.nextRef("mint")
	c.txs[opID] = ref
	return ref, nil
}

// Attestor returns a bridge attestor that reports consensus ready on the
// first poll, signing with a reference derived from the burn hash.
func Attestor() bridge.Attestor {
	return bridge.AttestorFunc(func(ctx context.Context, burnTxHash string) (bridge.Attestation, error) {
		if err := ctx.Err(); err != nil {
			return bridge.Attestation{}, err
		}
		return bridge.Attestation{Ready: true, Signature: "att-" + burnTxHash}, nil
	})
}

// Compliance is a denylist-backed chain.ComplianceChecker.
type Compliance struct {
	mu     sync.RWMutex
	denied map[string]string
}

// NewCompliance constructs a checker with an empty denylist.
func NewCompliance() *Compliance {
	return &Compliance{denied: make(map[string]string)}
}

// Deny blocks an address with the given reason.
func (c *Compliance) Deny(address, reason string) {
	c.mu.Lock()
	c.denied[strings.ToLower(strings.TrimSpace(address))] = reason
	c.mu.Unlock()
}

// Screen implements chain.ComplianceChecker.
func (c *Compliance) Screen(ctx context.Context, user, merchant string, amount *big.Int, currency string) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, party := range []string{user, merchant} {
		if reason, ok := c.denied[strings.ToLower(strings.TrimSpace(party))]; ok {
			return false, reason, nil
		}
	}
	return true, "", nil
}
