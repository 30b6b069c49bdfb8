package domain

// DiscoveryEvidence records the first sighting of a token on a venue.
// Immutable: a token is discovered once per context; re-discovery is a no-op.
type DiscoveryEvidence struct {
	Address      string // token contract address
	Chain        string // chain identifier, empty for single-chain deployments
	Symbol       string
	Name         string
	Venue        string // originating venue (DEX, launchpad)
	DiscoveredAt int64  // Unix timestamp in milliseconds
}

// YieldEvidence is a liquidity/yield observation for a token.
// Refreshed on each scheduling cycle; latest-wins in the aggregator.
type YieldEvidence struct {
	Address     string
	Chain       string
	PoolAddress string  // paired pool the observation was taken from
	TVLUSD      float64 // total value locked, USD
	APY         float64 // annualized yield estimate, percent
	Volume24h   float64 // 24h volume, USD
	PriceUSD    float64 // spot price
	ObservedAt  int64   // Unix timestamp in milliseconds
}

// RiskEvidence is a composite risk observation for a token.
// Refreshed on each scheduling cycle; latest-wins in the aggregator.
type RiskEvidence struct {
	Address            string
	Chain              string
	Score              float64 // composite risk score 0-100, lower is safer
	RugPullSuspected   bool
	HoneypotSuspected  bool
	OwnershipRenounced bool
	ContractVerified   bool
	ViralScore         float64 // viral-potential score 0-100
	ObservedAt         int64   // Unix timestamp in milliseconds
}
