package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeSettlementID computes a deterministic settlement_id using SHA256.
// Formula: SHA256(decision_id|attempt)
// Returns hex-encoded hash (64 characters).
//
// The attempt counter makes corrective settlements distinct records while
// keeping re-settlement of the same (decision, attempt) pair idempotent.
func ComputeSettlementID(decisionID string, attempt int) string {
	data := fmt.Sprintf("%s|%d", decisionID, attempt)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
