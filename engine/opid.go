package engine

import (
	"encoding/binary"
	"encoding/hex"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// externalOpID derives the deterministic idempotency tag attached to every
// outbound adapter and chain call: keccak256(paymentId || eventSeq). The
// same (payment, sequence) pair always yields the same tag, so a retried or
// replayed call cannot double-apply upstream.
func externalOpID(paymentID string, seq uint64) string {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	digest := ethcrypto.Keccak256([]byte(paymentID), seqBytes[:])
	return hex.EncodeToString(digest)
}
