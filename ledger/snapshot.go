package ledger

import (
	"encoding/json"
	"fmt"

	"yieldrails/core/types"
)

// EncodeSnapshot serializes a projection for the snapshot table. The event
// stream remains authoritative; snapshots only shortcut the startup fold.
func EncodeSnapshot(p *types.Payment) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("ledger: nil projection")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode snapshot: %w", err)
	}
	return raw, nil
}

// DecodeSnapshot restores a projection persisted by EncodeSnapshot.
func DecodeSnapshot(raw []byte) (*types.Payment, error) {
	var p types.Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("ledger: decode snapshot: %w", err)
	}
	if !p.Status.Valid() {
		return nil, fmt.Errorf("ledger: snapshot carries invalid status %d", p.Status)
	}
	return &p, nil
}
