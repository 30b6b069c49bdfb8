// Package sources declares the seams to the external evidence producers.
// The core never scans chains or queries DEXes itself; it consumes typed
// outputs from implementations of these interfaces.
package sources

import (
	"context"

	"token-sentinel/internal/domain"
)

// DiscoveryFeed streams newly-listed tokens.
type DiscoveryFeed interface {
	// Subscribe returns a channel of discovery evidence. The channel is
	// closed when the context is cancelled.
	Subscribe(ctx context.Context) (<-chan *domain.DiscoveryEvidence, error)
}

// YieldSource computes a liquidity/yield observation for a token.
type YieldSource interface {
	Fetch(ctx context.Context, address, chain string) (*domain.YieldEvidence, error)
}

// RiskSource computes a risk observation for a token.
type RiskSource interface {
	Fetch(ctx context.Context, address, chain string) (*domain.RiskEvidence, error)
}

// DegradedYield is the conservative default emitted when the yield source
// fails: zero yield, zero liquidity. The pipeline never stalls waiting for
// evidence that will not arrive.
func DegradedYield(address, chain string, observedAt int64) *domain.YieldEvidence {
	return &domain.YieldEvidence{
		Address:    address,
		Chain:      chain,
		ObservedAt: observedAt,
	}
}

// DegradedRisk is the conservative default emitted when the risk source
// fails: maximum risk score, no trust flags.
func DegradedRisk(address, chain string, observedAt int64) *domain.RiskEvidence {
	return &domain.RiskEvidence{
		Address:    address,
		Chain:      chain,
		Score:      100,
		ObservedAt: observedAt,
	}
}
