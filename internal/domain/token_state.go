package domain

// TokenKey identifies a token context, the unit of evidence aggregation.
type TokenKey struct {
	Address string
	Chain   string
}

// String renders the key for logging and map-free comparisons.
func (k TokenKey) String() string {
	if k.Chain == "" {
		return k.Address
	}
	return k.Chain + ":" + k.Address
}

// TokenState is the aggregated evidence for one token context.
// The aggregator keeps the latest yield/risk observation plus the
// immediately preceding one for delta reporting.
type TokenState struct {
	Key       TokenKey
	Discovery *DiscoveryEvidence
	Yield     *YieldEvidence
	PrevYield *YieldEvidence
	Risk      *RiskEvidence
	PrevRisk  *RiskEvidence

	LastUpdated int64 // Unix timestamp in milliseconds
}

// DecisionReady reports whether all three evidence kinds are present.
func (s *TokenState) DecisionReady() bool {
	return s != nil && s.Discovery != nil && s.Yield != nil && s.Risk != nil
}
