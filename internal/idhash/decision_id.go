package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeDecisionID computes a deterministic decision_id using SHA256.
// Formula: SHA256(address|chain|yield_observed_at|risk_observed_at)
// Returns hex-encoded hash (64 characters).
//
// Two decisions computed from the same evidence snapshots collapse to the
// same id, which is what makes retried drains idempotent at the store layer.
func ComputeDecisionID(address, chain string, yieldObservedAt, riskObservedAt int64) string {
	data := fmt.Sprintf("%s|%s|%d|%d", address, chain, yieldObservedAt, riskObservedAt)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
